package main

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/settlement"
)

const (
	sweepLimit = 100
	maxRetries = 3
)

type Settler interface {
	Incomplete(ctx context.Context, limit int) ([]domain.Order, error)
	Settle(ctx context.Context, orderID uuid.UUID) (settlement.Result, error)
}

// SettlementWorker drives unfinished settlements forward: on a timer over every
// PENDING or INCOMPLETE order, and on each settlement.incomplete message.
type SettlementWorker struct {
	engine  Settler
	logger  observability.Logger
	backoff func(attempt int) time.Duration
}

func NewSettlementWorker(engine Settler, logger observability.Logger) *SettlementWorker {
	return &SettlementWorker{
		engine:  engine,
		logger:  logger,
		backoff: func(i int) time.Duration { return time.Duration(1<<i) * time.Second },
	}
}

func (w *SettlementWorker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Sweep(ctx)
		}
	}
}

// Sweep retries every unfinished settlement once and returns how many completed.
func (w *SettlementWorker) Sweep(ctx context.Context) int {
	orders, err := w.engine.Incomplete(ctx, sweepLimit)
	if err != nil {
		w.logger.WithError(err).Error("failed to list incomplete settlements")
		return 0
	}
	completed := 0
	for _, o := range orders {
		res, err := w.settleWithRetry(ctx, o.ID)
		if err != nil {
			w.logger.WithError(err).WithField("order_id", o.ID).Error("failed to settle order after retries")
			continue
		}
		if res.Status == domain.SettlementCompleted {
			completed++
		}
	}
	return completed
}

// Listen settles the order named by each delivery. Malformed messages are dropped;
// failures are requeued once and then left to the sweep.
func (w *SettlementWorker) Listen(ctx context.Context, deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			w.handle(ctx, d)
		}
	}
}

func (w *SettlementWorker) handle(ctx context.Context, d amqp.Delivery) {
	var msg struct {
		OrderID uuid.UUID `json:"order_id"`
	}
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.OrderID == uuid.Nil {
		w.logger.WithField("message_id", d.MessageId).Warn("dropping malformed settlement message")
		_ = d.Nack(false, false)
		return
	}
	if _, err := w.settleWithRetry(ctx, msg.OrderID); err != nil {
		w.logger.WithError(err).WithField("order_id", msg.OrderID).Error("settlement retry failed")
		_ = d.Nack(false, !d.Redelivered)
		return
	}
	_ = d.Ack(false)
}

func (w *SettlementWorker) settleWithRetry(ctx context.Context, orderID uuid.UUID) (settlement.Result, error) {
	log := w.logger.WithField("order_id", orderID)
	var lastErr error
	for i := 0; i < maxRetries; i++ {
		res, err := w.engine.Settle(ctx, orderID)
		if err == nil {
			if res.NeedsOperator() {
				log.Warn("settlement has steps with an unknown outcome, operator reset required")
			}
			return res, nil
		}
		if errors.Is(err, domain.ErrValidation) || errors.Is(err, domain.ErrNotFound) {
			return res, err
		}
		lastErr = err
		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-time.After(w.backoff(i)):
		}
	}
	return settlement.Result{}, errors.Wrapf(lastErr, "failed after %d retries", maxRetries)
}
