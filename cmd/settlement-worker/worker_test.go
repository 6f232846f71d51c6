package main

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/settlement"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSettler struct {
	mu       sync.Mutex
	pending  []domain.Order
	failures map[uuid.UUID]int
	err      error
	calls    map[uuid.UUID]int
}

func newFakeSettler(orders ...domain.Order) *fakeSettler {
	return &fakeSettler{pending: orders, failures: map[uuid.UUID]int{}, calls: map[uuid.UUID]int{}}
}

func (f *fakeSettler) Incomplete(context.Context, int) ([]domain.Order, error) {
	return f.pending, nil
}

func (f *fakeSettler) Settle(_ context.Context, id uuid.UUID) (settlement.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[id]++
	if f.err != nil {
		return settlement.Result{}, f.err
	}
	if f.failures[id] > 0 {
		f.failures[id]--
		return settlement.Result{}, errors.Mark(errors.New("ledger down"), domain.ErrExternalService)
	}
	return settlement.Result{OrderID: id, Status: domain.SettlementCompleted}, nil
}

type recordingAck struct {
	acked, requeued, dropped int
}

func (r *recordingAck) Ack(uint64, bool) error {
	r.acked++
	return nil
}

func (r *recordingAck) Nack(_ uint64, _ bool, requeue bool) error {
	if requeue {
		r.requeued++
	} else {
		r.dropped++
	}
	return nil
}

func (r *recordingAck) Reject(uint64, bool) error { return nil }

func newWorker(s Settler) *SettlementWorker {
	w := NewSettlementWorker(s, observability.NewNopLogger())
	w.backoff = func(int) time.Duration { return time.Millisecond }
	return w
}

func TestSweep_RetriesTransientFailures(t *testing.T) {
	a, b := domain.Order{ID: uuid.New()}, domain.Order{ID: uuid.New()}
	s := newFakeSettler(a, b)
	s.failures[a.ID] = 2

	completed := newWorker(s).Sweep(context.Background())

	assert.Equal(t, 2, completed)
	assert.Equal(t, 3, s.calls[a.ID])
	assert.Equal(t, 1, s.calls[b.ID])
}

func TestSweep_DoesNotRetryValidationErrors(t *testing.T) {
	a := domain.Order{ID: uuid.New()}
	s := newFakeSettler(a)
	s.err = domain.Validationf("order is PENDING, only paid orders settle")

	assert.Equal(t, 0, newWorker(s).Sweep(context.Background()))
	assert.Equal(t, 1, s.calls[a.ID])
}

func TestListen_AcksSettledAndDropsMalformed(t *testing.T) {
	s := newFakeSettler()
	w := newWorker(s)
	ack := &recordingAck{}
	orderID := uuid.New()

	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`{"order_id":"` + orderID.String() + `"}`)}
	deliveries <- amqp.Delivery{Acknowledger: ack, Body: []byte(`not json`)}
	close(deliveries)

	w.Listen(context.Background(), deliveries)

	assert.Equal(t, 1, ack.acked)
	assert.Equal(t, 1, ack.dropped)
	assert.Equal(t, 1, s.calls[orderID])
}

func TestListen_RequeuesOnceOnFailure(t *testing.T) {
	s := newFakeSettler()
	s.err = errors.Mark(errors.New("ledger down"), domain.ErrExternalService)
	w := newWorker(s)
	ack := &recordingAck{}
	body := []byte(`{"order_id":"` + uuid.NewString() + `"}`)

	deliveries := make(chan amqp.Delivery, 2)
	deliveries <- amqp.Delivery{Acknowledger: ack, Body: body}
	deliveries <- amqp.Delivery{Acknowledger: ack, Body: body, Redelivered: true}
	close(deliveries)

	w.Listen(context.Background(), deliveries)

	require.Equal(t, 1, ack.requeued)
	assert.Equal(t, 1, ack.dropped)
}
