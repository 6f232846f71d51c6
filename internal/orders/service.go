// Package orders is the payment state machine: it opens orders against the payment
// processor and applies processor notifications exactly once.
package orders

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/custodial"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/ledger"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/payment"
	"github.com/robertarktes/ticket-settlement/internal/settlement"
	"github.com/robertarktes/ticket-settlement/internal/tickets"
	"github.com/shopspring/decimal"
)

// Settler runs or resumes the settlement saga of a paid order.
type Settler interface {
	Settle(ctx context.Context, orderID uuid.UUID) (settlement.Result, error)
}

// Locker is an advisory in-flight lock. Correctness never depends on it; it only keeps
// concurrent deliveries of one notification from doing the same work twice.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (unlock func(), ok bool, err error)
}

type Config struct {
	Fees                  settlement.FeeSchedule
	ResalePriceCapPercent decimal.Decimal
	ResaleMinLead         time.Duration
	CallTimeout           time.Duration
	LockTTL               time.Duration
}

type Service struct {
	store     domain.Store
	processor payment.Processor
	issuer    *tickets.Issuer
	settler   Settler
	ledger    ledger.Ledger
	resolver  *custodial.Resolver
	locker    Locker
	audit     domain.Auditor
	logger    observability.Logger
	cfg       Config
	now       func() time.Time
}

type Deps struct {
	Store     domain.Store
	Processor payment.Processor
	Issuer    *tickets.Issuer
	Settler   Settler
	Ledger    ledger.Ledger
	Resolver  *custodial.Resolver
	Locker    Locker
	Audit     domain.Auditor
	Logger    observability.Logger
}

func NewService(d Deps, cfg Config) *Service {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if d.Audit == nil {
		d.Audit = domain.NopAuditor{}
	}
	return &Service{
		store:     d.Store,
		processor: d.Processor,
		issuer:    d.Issuer,
		settler:   d.Settler,
		ledger:    d.Ledger,
		resolver:  d.Resolver,
		locker:    d.Locker,
		audit:     d.Audit,
		logger:    d.Logger,
		cfg:       cfg,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type OpenRequest struct {
	Buyer        string
	BuyerName    string
	TicketTypeID uuid.UUID
	Method       string
}

// Open creates a PENDING purchase and asks the processor for a payment session. Stock
// is only checked here; it is reserved when the payment is confirmed.
func (s *Service) Open(ctx context.Context, req OpenRequest) (domain.Order, error) {
	buyer := normalizeEmail(req.Buyer)
	if buyer == "" {
		return domain.Order{}, domain.Validationf("buyer is required")
	}
	var (
		order domain.Order
		item  string
	)
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		tt, err := tx.GetTicketType(ctx, req.TicketTypeID)
		if err != nil {
			return err
		}
		ev, err := tx.GetEvent(ctx, tt.EventID)
		if err != nil {
			return err
		}
		switch {
		case ev.Status != domain.EventAccepted:
			return domain.Validationf("event %s is %s and not on sale", ev.ID, ev.Status)
		case tt.Remaining() == 0:
			return domain.Validationf("ticket type %s is sold out", tt.ID)
		case !tt.OnSale(s.now()):
			return domain.Validationf("ticket type %s is outside its sale window", tt.ID)
		case ev.Creator == buyer:
			return domain.Validationf("creators cannot buy tickets to their own event")
		}
		fees, err := s.cfg.Fees.Split(tt.Price, domain.OrderKindPurchase)
		if err != nil {
			return err
		}
		order = domain.Order{
			ID:               uuid.New(),
			Kind:             domain.OrderKindPurchase,
			Buyer:            buyer,
			BuyerName:        req.BuyerName,
			EventID:          ev.ID,
			TicketTypeID:     tt.ID,
			Amount:           tt.Price,
			PaymentMethod:    req.Method,
			PaymentStatus:    domain.PaymentPending,
			SettlementStatus: domain.SettlementNone,
			Fees:             fees,
			CreatedAt:        s.now().UTC(),
		}
		item = ev.Name + " - " + tt.Name
		return tx.InsertOrder(ctx, order)
	})
	if err != nil {
		return domain.Order{}, err
	}
	return s.charge(ctx, order, item)
}

// charge requests the payment session for a freshly inserted order. A processor
// failure fails the order so it never lingers as PENDING.
func (s *Service) charge(ctx context.Context, order domain.Order, item string) (domain.Order, error) {
	log := observability.FromContext(ctx, s.logger).WithField("order_id", order.ID)
	callCtx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	redirect, err := s.processor.CreateTransaction(callCtx, payment.Charge{
		OrderID:  order.ID,
		Amount:   order.Amount,
		Method:   order.PaymentMethod,
		Customer: payment.Customer{Email: order.Buyer, Name: order.BuyerName},
		ItemName: item,
	})
	cancel()

	pctx := context.WithoutCancel(ctx)
	if err != nil {
		log.WithError(err).Error("payment session could not be created")
		ferr := s.store.WithTx(pctx, func(tx domain.Tx) error {
			if err := tx.MarkOrderFailed(pctx, order.ID, domain.ReasonProcessorError); err != nil {
				return err
			}
			return insertOutbox(pctx, tx, order.ID, "order.failed", map[string]interface{}{
				"order_id": order.ID,
				"reason":   domain.ReasonProcessorError,
			})
		})
		if ferr != nil {
			log.WithError(ferr).Error("could not fail order after processor error")
		}
		return domain.Order{}, domain.External(err, "create payment for order %s", order.ID)
	}

	err = s.store.WithTx(pctx, func(tx domain.Tx) error {
		return tx.SetOrderProcessorRef(pctx, order.ID, redirect.Token, redirect.RedirectURL)
	})
	if err != nil {
		return domain.Order{}, errors.Wrap(err, "record payment session")
	}
	order.ProcessorToken = redirect.Token
	order.RedirectURL = redirect.RedirectURL
	log.WithField("kind", order.Kind).WithField("amount", order.Amount).Info("order opened")
	return order, nil
}

type OrderView struct {
	Order domain.Order            `json:"order"`
	Steps []domain.SettlementStep `json:"steps"`
}

// Get returns an order with its settlement steps. Only the buyer may read it.
func (s *Service) Get(ctx context.Context, actor string, id uuid.UUID) (OrderView, error) {
	var v OrderView
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		o, err := tx.GetOrder(ctx, id)
		if err != nil {
			return err
		}
		if o.Buyer != normalizeEmail(actor) {
			return domain.Forbiddenf("order %s belongs to another buyer", id)
		}
		v.Order = o
		v.Steps, err = tx.GetSteps(ctx, id)
		return err
	})
	return v, err
}

func insertOutbox(ctx context.Context, tx domain.Tx, orderID uuid.UUID, eventType string, payload interface{}) error {
	rec, err := domain.NewOutboxRecord("order", orderID, eventType, payload)
	if err != nil {
		return err
	}
	return tx.InsertOutbox(ctx, rec)
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
