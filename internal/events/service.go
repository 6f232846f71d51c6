// Package events runs the event lifecycle around settlement: creation with revenue
// receivers, receiver approval, ledger activation, ticket types and completion.
package events

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
	"github.com/shopspring/decimal"
)

var (
	hundred      = decimal.NewFromInt(100)
	sumTolerance = decimal.RequireFromString("0.01")
)

type Service struct {
	store    domain.Store
	ledger   ledger.Ledger
	resolver *custodial.Resolver
	audit    domain.Auditor
	logger   observability.Logger
	timeout  time.Duration
	now      func() time.Time
}

func NewService(store domain.Store, l ledger.Ledger, resolver *custodial.Resolver, audit domain.Auditor, logger observability.Logger, timeout time.Duration) *Service {
	if audit == nil {
		audit = domain.NopAuditor{}
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{store: store, ledger: l, resolver: resolver, audit: audit, logger: logger, timeout: timeout, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

type ReceiverInput struct {
	Email         string          `json:"email"`
	Percentage    decimal.Decimal `json:"percentage"`
	BankAccount   string          `json:"bank_account"`
	BankName      string          `json:"bank_name"`
	AccountHolder string          `json:"account_holder"`
}

type CreateRequest struct {
	Creator   string
	Name      string          `json:"name"`
	Venue     string          `json:"venue"`
	StartsAt  time.Time       `json:"starts_at"`
	EndsAt    time.Time       `json:"ends_at"`
	Receivers []ReceiverInput `json:"receivers"`
}

func (r CreateRequest) validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return domain.Validationf("event name is required")
	}
	if r.StartsAt.IsZero() || !r.EndsAt.After(r.StartsAt) {
		return domain.Validationf("event must end after it starts")
	}
	if len(r.Receivers) == 0 {
		return domain.Validationf("at least one revenue receiver is required")
	}
	seen := map[string]bool{}
	sum := decimal.Zero
	for _, rc := range r.Receivers {
		email := normalizeEmail(rc.Email)
		if email == "" {
			return domain.Validationf("receiver email is required")
		}
		if seen[email] {
			return domain.Validationf("receiver %s listed twice", email)
		}
		seen[email] = true
		if !rc.Percentage.IsPositive() || rc.Percentage.GreaterThan(hundred) {
			return domain.Validationf("receiver %s percentage %s out of range", email, rc.Percentage)
		}
		sum = sum.Add(rc.Percentage)
	}
	if sum.Sub(hundred).Abs().GreaterThan(sumTolerance) {
		return domain.Validationf("receiver percentages sum to %s, want 100", sum)
	}
	return nil
}

// Create stores the event in PENDING_APPROVAL together with its receivers. Every
// receiver gets its custodial ledger address now so activation needs no lookups.
func (s *Service) Create(ctx context.Context, req CreateRequest) (domain.Event, []domain.RevenueReceiver, error) {
	if err := req.validate(); err != nil {
		return domain.Event{}, nil, err
	}
	ev := domain.Event{
		ID:        uuid.New(),
		Creator:   normalizeEmail(req.Creator),
		Name:      strings.TrimSpace(req.Name),
		Venue:     strings.TrimSpace(req.Venue),
		StartsAt:  req.StartsAt.UTC(),
		EndsAt:    req.EndsAt.UTC(),
		Status:    domain.EventPendingApproval,
		CreatedAt: s.now().UTC(),
	}
	receivers := make([]domain.RevenueReceiver, 0, len(req.Receivers))
	for _, rc := range req.Receivers {
		id, err := s.resolver.Resolve(rc.Email)
		if err != nil {
			return domain.Event{}, nil, errors.Wrapf(err, "resolve receiver %s", rc.Email)
		}
		receivers = append(receivers, domain.RevenueReceiver{
			ID:             uuid.New(),
			EventID:        ev.ID,
			Email:          id.Email,
			Percentage:     rc.Percentage,
			ApprovalStatus: domain.ApprovalPending,
			BankAccount:    rc.BankAccount,
			BankName:       rc.BankName,
			AccountHolder:  rc.AccountHolder,
			LedgerAddress:  id.Address,
		})
	}

	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.InsertEvent(ctx, ev); err != nil {
			return err
		}
		for _, r := range receivers {
			if err := tx.InsertReceiver(ctx, r); err != nil {
				return err
			}
		}
		return insertOutbox(ctx, tx, ev.ID, "event.created", map[string]interface{}{
			"event_id":  ev.ID,
			"creator":   ev.Creator,
			"receivers": len(receivers),
		})
	})
	if err != nil {
		return domain.Event{}, nil, errors.Wrap(err, "create event")
	}
	observability.FromContext(ctx, s.logger).WithField("event_id", ev.ID).Info("event created, awaiting receiver approval")
	return ev, receivers, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (domain.Event, error) {
	var ev domain.Event
	err := s.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		ev, err = tx.GetEvent(ctx, id)
		return err
	})
	return ev, err
}

// DecideReceiver records one receiver's decision. The acting identity must be the
// receiver. Any rejection rejects the event; the last approval activates it.
func (s *Service) DecideReceiver(ctx context.Context, actor string, eventID uuid.UUID, email string, decision domain.ApprovalStatus) (domain.Event, error) {
	if decision != domain.ApprovalApproved && decision != domain.ApprovalRejected {
		return domain.Event{}, domain.Validationf("decision must be %s or %s", domain.ApprovalApproved, domain.ApprovalRejected)
	}
	email = normalizeEmail(email)
	if normalizeEmail(actor) != email {
		return domain.Event{}, domain.Forbiddenf("only %s can decide this share", email)
	}

	var (
		ev          domain.Event
		allApproved bool
	)
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		var err error
		if ev, err = tx.GetEvent(ctx, eventID); err != nil {
			return err
		}
		if ev.Status != domain.EventPendingApproval {
			return domain.Conflictf("event %s is %s", eventID, ev.Status)
		}
		receivers, err := tx.ListReceivers(ctx, eventID)
		if err != nil {
			return err
		}
		var target *domain.RevenueReceiver
		for i := range receivers {
			if receivers[i].Email == email {
				target = &receivers[i]
			}
		}
		if target == nil {
			return domain.NotFoundf("%s is not a receiver of event %s", email, eventID)
		}
		if err := tx.DecideReceiver(ctx, target.ID, decision, s.now().UTC()); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return domain.Conflictf("receiver %s already decided", email)
			}
			return err
		}
		target.ApprovalStatus = decision

		if decision == domain.ApprovalRejected {
			if err := tx.UpdateEventStatus(ctx, eventID, domain.EventPendingApproval, domain.EventRejected); err != nil {
				return err
			}
			ev.Status = domain.EventRejected
			return insertOutbox(ctx, tx, eventID, "event.rejected", map[string]interface{}{"event_id": eventID, "rejected_by": email})
		}
		allApproved = true
		for _, r := range receivers {
			if r.ApprovalStatus != domain.ApprovalApproved {
				allApproved = false
			}
		}
		return nil
	})
	if err != nil {
		return domain.Event{}, err
	}

	_ = s.audit.LogEvent(ctx, "receiver_decision", email, map[string]interface{}{
		"event_id": eventID.String(),
		"decision": string(decision),
	})
	if !allApproved {
		return ev, nil
	}
	return s.activate(ctx, eventID)
}

// Activate retries ledger activation of an event whose receivers all approved but
// whose activation call failed.
func (s *Service) Activate(ctx context.Context, actor string, eventID uuid.UUID) (domain.Event, error) {
	ev, err := s.Get(ctx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	if ev.Creator != normalizeEmail(actor) {
		return domain.Event{}, domain.Forbiddenf("only the creator can activate event %s", eventID)
	}
	if ev.Status != domain.EventPendingApproval {
		return domain.Event{}, domain.Conflictf("event %s is %s", eventID, ev.Status)
	}
	return s.activate(ctx, eventID)
}

// activate registers the receivers' shares on the ledger and then moves the event to
// ACCEPTED. A ledger failure leaves the event PENDING_APPROVAL.
func (s *Service) activate(ctx context.Context, eventID uuid.UUID) (domain.Event, error) {
	log := observability.FromContext(ctx, s.logger).WithField("event_id", eventID)
	var receivers []domain.RevenueReceiver
	err := s.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		receivers, err = tx.ListReceivers(ctx, eventID)
		return err
	})
	if err != nil {
		return domain.Event{}, err
	}

	addresses := make([]string, 0, len(receivers))
	bps := make([]int64, 0, len(receivers))
	for _, r := range receivers {
		if r.ApprovalStatus != domain.ApprovalApproved {
			return domain.Event{}, domain.Validationf("receiver %s is %s", r.Email, r.ApprovalStatus)
		}
		addr := r.LedgerAddress
		if addr == "" {
			id, err := s.resolver.Resolve(r.Email)
			if err != nil {
				return domain.Event{}, err
			}
			addr = id.Address
		}
		addresses = append(addresses, addr)
		bps = append(bps, ledger.BasisPoints(r.Percentage))
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	receipt, err := s.ledger.ActivateEvent(callCtx, eventID, addresses, bps)
	cancel()
	if err != nil {
		log.WithError(err).Error("ledger activation failed, event stays pending")
		return domain.Event{}, domain.External(err, "activate event %s on ledger", eventID)
	}

	var ev domain.Event
	pctx := context.WithoutCancel(ctx)
	err = s.store.WithTx(pctx, func(tx domain.Tx) error {
		ctx := pctx
		var err error
		if err = tx.UpdateEventStatus(ctx, eventID, domain.EventPendingApproval, domain.EventAccepted); err != nil && !errors.Is(err, domain.ErrConflict) {
			return err
		}
		for i, r := range receivers {
			if r.LedgerAddress == "" {
				if err := tx.SetReceiverAddress(ctx, r.ID, addresses[i]); err != nil {
					return err
				}
			}
		}
		if ev, err = tx.GetEvent(ctx, eventID); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, eventID, "event.accepted", map[string]interface{}{
			"event_id": eventID,
			"tx_hash":  receipt.TxHash,
		})
	})
	if err != nil {
		return domain.Event{}, errors.Wrap(err, "record event activation")
	}
	log.WithField("tx_hash", receipt.TxHash).Info("event activated")
	return ev, nil
}

type TicketTypeInput struct {
	Name      string    `json:"name"`
	Price     int64     `json:"price"`
	Stock     int       `json:"stock"`
	SaleStart time.Time `json:"sale_start"`
	SaleEnd   time.Time `json:"sale_end"`
}

func (s *Service) ConfigureTicketTypes(ctx context.Context, actor string, eventID uuid.UUID, inputs []TicketTypeInput) ([]domain.TicketType, error) {
	if len(inputs) == 0 {
		return nil, domain.Validationf("no ticket types given")
	}
	var out []domain.TicketType
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		ev, err := tx.GetEvent(ctx, eventID)
		if err != nil {
			return err
		}
		if ev.Creator != normalizeEmail(actor) {
			return domain.Forbiddenf("only the creator can configure event %s", eventID)
		}
		if ev.Status != domain.EventAccepted {
			return domain.Validationf("event %s is %s, ticket types need an accepted event", eventID, ev.Status)
		}
		out = out[:0]
		for _, in := range inputs {
			switch {
			case strings.TrimSpace(in.Name) == "":
				return domain.Validationf("ticket type name is required")
			case in.Price < 0:
				return domain.Validationf("ticket type %s has a negative price", in.Name)
			case in.Stock <= 0:
				return domain.Validationf("ticket type %s needs positive stock", in.Name)
			case !in.SaleEnd.After(in.SaleStart):
				return domain.Validationf("ticket type %s sale window is empty", in.Name)
			case in.SaleEnd.After(ev.EndsAt):
				return domain.Validationf("ticket type %s sells past the event end", in.Name)
			}
			tt := domain.TicketType{
				ID:        uuid.New(),
				EventID:   eventID,
				Name:      strings.TrimSpace(in.Name),
				Price:     in.Price,
				Stock:     in.Stock,
				SaleStart: in.SaleStart.UTC(),
				SaleEnd:   in.SaleEnd.UTC(),
			}
			if err := tx.InsertTicketType(ctx, tt); err != nil {
				return err
			}
			out = append(out, tt)
		}
		return nil
	})
	return out, err
}

// Complete closes an accepted event after it ended and opens its escrow for withdrawal.
func (s *Service) Complete(ctx context.Context, actor string, eventID uuid.UUID) (domain.Event, error) {
	ev, err := s.Get(ctx, eventID)
	if err != nil {
		return domain.Event{}, err
	}
	if ev.Creator != normalizeEmail(actor) {
		return domain.Event{}, domain.Forbiddenf("only the creator can complete event %s", eventID)
	}
	if ev.Status != domain.EventAccepted {
		return domain.Event{}, domain.Conflictf("event %s is %s", eventID, ev.Status)
	}
	if s.now().Before(ev.EndsAt) {
		return domain.Event{}, domain.Validationf("event %s has not ended yet", eventID)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	receipt, err := s.ledger.CompleteEvent(callCtx, eventID)
	cancel()
	if err != nil {
		return domain.Event{}, domain.External(err, "complete event %s on ledger", eventID)
	}

	pctx := context.WithoutCancel(ctx)
	err = s.store.WithTx(pctx, func(tx domain.Tx) error {
		ctx := pctx
		if err := tx.UpdateEventStatus(ctx, eventID, domain.EventAccepted, domain.EventCompleted); err != nil {
			return err
		}
		return insertOutbox(ctx, tx, eventID, "event.completed", map[string]interface{}{
			"event_id": eventID,
			"tx_hash":  receipt.TxHash,
		})
	})
	if err != nil {
		return domain.Event{}, errors.Wrap(err, "record event completion")
	}
	ev.Status = domain.EventCompleted
	observability.FromContext(ctx, s.logger).WithField("event_id", eventID).Info("event completed")
	return ev, nil
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func insertOutbox(ctx context.Context, tx domain.Tx, eventID uuid.UUID, eventType string, payload interface{}) error {
	rec, err := domain.NewOutboxRecord("event", eventID, eventType, payload)
	if err != nil {
		return err
	}
	return tx.InsertOutbox(ctx, rec)
}
