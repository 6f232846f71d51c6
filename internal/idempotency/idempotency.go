// Package idempotency replays the stored response of a request retried with the same
// Idempotency-Key.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	redisadapter "github.com/robertarktes/ticket-settlement/internal/adapters/redis"
	"github.com/robertarktes/ticket-settlement/internal/domain"
)

const inflightTTL = 30 * time.Second

type Backend interface {
	Get(ctx context.Context, key string) (*redisadapter.IdempResponse, error)
	Set(ctx context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error
	Reserve(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

type Idempotency struct {
	backend Backend
	ttl     time.Duration
}

func NewIdempotency(backend Backend, ttl time.Duration) *Idempotency {
	return &Idempotency{backend: backend, ttl: ttl}
}

type Response struct {
	Status      int
	Body        []byte
	ContentType string
}

// Fingerprint identifies a request independently of its key.
func Fingerprint(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(method))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin returns the stored response for key, or reserves key for a new request. Reusing a
// key for a different request, or while the first one is still running, is a conflict.
func (i *Idempotency) Begin(ctx context.Context, key, fingerprint string) (*Response, error) {
	stored, err := i.backend.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if stored != nil {
		if stored.Fingerprint != fingerprint {
			return nil, domain.Conflictf("Idempotency-Key was already used for a different request")
		}
		return &Response{Status: stored.Status, Body: stored.Body, ContentType: stored.ContentType}, nil
	}
	ok, err := i.backend.Reserve(ctx, key, inflightTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, domain.Conflictf("a request with this Idempotency-Key is still in progress")
	}
	return nil, nil
}

// Finish stores resp and releases the reservation. Server errors are not stored so the
// client can retry them under the same key.
func (i *Idempotency) Finish(ctx context.Context, key, fingerprint string, resp Response) error {
	defer i.backend.Release(context.WithoutCancel(ctx), key)
	if resp.Status >= 500 {
		return nil
	}
	return i.backend.Set(ctx, key, redisadapter.IdempResponse{
		Status:      resp.Status,
		Body:        resp.Body,
		ContentType: resp.ContentType,
		Fingerprint: fingerprint,
	}, i.ttl)
}
