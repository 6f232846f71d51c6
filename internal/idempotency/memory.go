package idempotency

import (
	"context"
	"sync"
	"time"

	redisadapter "github.com/robertarktes/ticket-settlement/internal/adapters/redis"
)

type memoryEntry struct {
	resp      *redisadapter.IdempResponse
	expiresAt time.Time
}

// MemoryBackend keeps responses in process. It backs the memory store driver.
type MemoryBackend struct {
	mu       sync.Mutex
	entries  map[string]memoryEntry
	inflight map[string]time.Time
	now      func() time.Time
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		entries:  map[string]memoryEntry{},
		inflight: map[string]time.Time{},
		now:      time.Now,
	}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (*redisadapter.IdempResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(e.expiresAt) {
		delete(m.entries, key)
		return nil, nil
	}
	resp := *e.resp
	return &resp, nil
}

func (m *MemoryBackend) Set(_ context.Context, key string, resp redisadapter.IdempResponse, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = memoryEntry{resp: &resp, expiresAt: m.now().Add(ttl)}
	return nil
}

func (m *MemoryBackend) Reserve(_ context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if until, ok := m.inflight[key]; ok && m.now().Before(until) {
		return false, nil
	}
	m.inflight[key] = m.now().Add(ttl)
	return true, nil
}

func (m *MemoryBackend) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.inflight, key)
	return nil
}
