package outbox

import (
	"context"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/observability"
)

// Source is the outbox table as seen by the relay.
type Source interface {
	GetUnpublishedOutbox(ctx context.Context, limit int) ([]domain.OutboxRecord, error)
	MarkPublished(ctx context.Context, id uuid.UUID, publishedAt time.Time) error
}

type Broker interface {
	Publish(ctx context.Context, key string, msg amqp.Publishing) error
}

type Config struct {
	Interval  time.Duration
	BatchSize int
}

type Publisher struct {
	source Source
	broker Broker
	logger observability.Logger
	cfg    Config
	now    func() time.Time
}

func NewPublisher(source Source, broker Broker, logger observability.Logger, cfg Config) *Publisher {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Publisher{source: source, broker: broker, logger: logger, cfg: cfg, now: time.Now}
}

func (p *Publisher) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				p.logger.WithError(err).Error("outbox flush failed")
			}
		}
	}
}

// Flush relays one batch in creation order and returns how many records were
// published. A record that fails to publish stops the batch so later records are not
// delivered ahead of it; it is retried on the next tick.
func (p *Publisher) Flush(ctx context.Context) (int, error) {
	records, err := p.source.GetUnpublishedOutbox(ctx, p.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		observability.OutboxLag.Set(0)
		return 0, nil
	}
	observability.OutboxLag.Set(p.now().Sub(records[0].CreatedAt).Seconds())

	published := 0
	for _, rec := range records {
		msg := amqp.Publishing{
			MessageId:   rec.DedupeKey,
			ContentType: "application/json",
			Timestamp:   rec.CreatedAt,
			Type:        rec.EventType,
			Body:        rec.Payload,
		}
		if err := p.broker.Publish(ctx, rec.EventType, msg); err != nil {
			observability.RabbitPublishRetries.Inc()
			p.logger.WithField("outbox_id", rec.ID).WithField("event_type", rec.EventType).WithError(err).Warn("publish failed, will retry")
			return published, nil
		}
		if err := p.source.MarkPublished(ctx, rec.ID, p.now().UTC()); err != nil {
			return published, err
		}
		published++
	}
	p.logger.WithField("published", published).Debug("outbox batch relayed")
	return published, nil
}
