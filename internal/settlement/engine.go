// Package settlement turns paid orders into ledger state and pays receivers out.
//
// Each settlement is a saga of named steps persisted per order. A step is recorded as
// STARTED before its external call and as COMPLETED, FAILED or UNKNOWN afterwards.
// FAILED steps are retried by Settle; STARTED and UNKNOWN steps may already have moved
// money, so they are left for an operator to reconcile and reset.
package settlement

import (
	"context"
	"net"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/config"
	"github.com/robertarktes/ticket-settlement/internal/custodial"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/ledger"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/payout"
	"go.opentelemetry.io/otel/attribute"
)

const (
	StepPlatformFee   = "platform_fee"
	StepAssetMetadata = "asset_metadata"
	StepTreasuryMint  = "treasury_mint"
	StepEscrow        = "escrow_transfer"
	StepResaleFees    = "resale_fees"
	StepSellerCredit  = "seller_credit"
)

type Config struct {
	Fees             FeeSchedule
	TreasuryAddress  string
	PlatformTransfer string
	PlatformAccount  payout.BankAccount
	StepTimeout      time.Duration
}

type Engine struct {
	store    domain.Store
	ledger   ledger.Ledger
	payouts  payout.Payouts
	resolver *custodial.Resolver
	metadata domain.MetadataStore
	logger   observability.Logger
	cfg      Config
	now      func() time.Time
}

func NewEngine(store domain.Store, l ledger.Ledger, p payout.Payouts, resolver *custodial.Resolver, metadata domain.MetadataStore, logger observability.Logger, cfg Config) *Engine {
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 15 * time.Second
	}
	return &Engine{
		store:    store,
		ledger:   l,
		payouts:  p,
		resolver: resolver,
		metadata: metadata,
		logger:   logger,
		cfg:      cfg,
		now:      time.Now,
	}
}

// WithClock replaces the time source; used by tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

func (e *Engine) Fees() FeeSchedule {
	return e.cfg.Fees
}

type Result struct {
	OrderID    uuid.UUID               `json:"order_id"`
	Status     domain.SettlementStatus `json:"status"`
	AssetToken string                  `json:"asset_token,omitempty"`
	Steps      []domain.SettlementStep `json:"steps"`
}

// NeedsOperator reports whether any step is in a state that is not retried automatically.
func (r Result) NeedsOperator() bool {
	for _, s := range r.Steps {
		if s.Status == domain.StepStarted || s.Status == domain.StepUnknown {
			return true
		}
	}
	return false
}

type step struct {
	name       string
	deps       []string
	run        func(ctx context.Context, key string, refs map[string]string) (string, error)
	onComplete func(ctx context.Context, tx domain.Tx, ref string) error
}

// Settle runs (or resumes) the saga matching the order's kind.
func (e *Engine) Settle(ctx context.Context, orderID uuid.UUID) (Result, error) {
	var order domain.Order
	err := e.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return Result{}, errors.Wrapf(err, "load order %s", orderID)
	}
	if order.PaymentStatus != domain.PaymentPaid {
		return Result{}, domain.Validationf("order %s is %s, only paid orders settle", orderID, order.PaymentStatus)
	}
	if order.SettlementStatus == domain.SettlementCompleted {
		steps, err := e.Steps(ctx, orderID)
		return Result{OrderID: orderID, Status: order.SettlementStatus, AssetToken: order.AssetToken, Steps: steps}, err
	}
	if order.Kind == domain.OrderKindResale {
		return e.SettleResale(ctx, orderID)
	}
	return e.SettlePurchase(ctx, orderID)
}

// SettlePurchase routes the platform fee, mints the net amount to the treasury and
// moves it into the event escrow bound to the ticket's asset metadata.
func (e *Engine) SettlePurchase(ctx context.Context, orderID uuid.UUID) (Result, error) {
	var (
		order  domain.Order
		ticket domain.Ticket
		event  domain.Event
	)
	err := e.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		if order, err = tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		if order.Kind != domain.OrderKindPurchase || order.PaymentStatus != domain.PaymentPaid || order.TicketID == uuid.Nil {
			return domain.Validationf("order %s is not a paid purchase with a ticket", orderID)
		}
		if ticket, err = tx.GetTicket(ctx, order.TicketID); err != nil {
			return err
		}
		event, err = tx.GetEvent(ctx, order.EventID)
		return err
	})
	if err != nil {
		return Result{}, errors.Wrapf(err, "load purchase %s", orderID)
	}
	buyer, err := e.resolver.Resolve(order.Buyer)
	if err != nil {
		return Result{}, errors.Wrap(err, "resolve buyer identity")
	}
	fees := order.Fees

	steps := []step{
		{
			name: StepPlatformFee,
			run: func(ctx context.Context, key string, _ map[string]string) (string, error) {
				return e.routeFee(ctx, key, fees.PlatformFee, "platform fee "+order.ID.String())
			},
		},
		{
			name: StepAssetMetadata,
			run: func(ctx context.Context, _ string, _ map[string]string) (string, error) {
				return e.metadata.PutAssetMetadata(ctx, domain.AssetMetadata{
					OrderID:    order.ID,
					TicketID:   ticket.ID,
					EventID:    event.ID,
					EventName:  event.Name,
					Venue:      event.Venue,
					StartsAt:   event.StartsAt,
					Owner:      buyer.Address,
					PDFVersion: ticket.PDFVersion,
					Price:      order.Amount,
				})
			},
		},
		{
			name: StepTreasuryMint,
			run: func(ctx context.Context, key string, _ map[string]string) (string, error) {
				r, err := e.ledger.Mint(ctx, e.cfg.TreasuryAddress, fees.NetAmount, key)
				return r.TxHash, err
			},
		},
		{
			name: StepEscrow,
			deps: []string{StepTreasuryMint, StepAssetMetadata},
			run: func(ctx context.Context, key string, refs map[string]string) (string, error) {
				r, err := e.ledger.EscrowTransfer(ctx, event.ID, buyer.Address, fees.NetAmount, refs[StepAssetMetadata], key)
				return r.AssetToken, err
			},
			onComplete: func(ctx context.Context, tx domain.Tx, assetToken string) error {
				return attachAsset(ctx, tx, ticket.ID, assetToken)
			},
		},
	}
	return e.run(ctx, order, steps)
}

// SettleResale routes platform and resale fees and credits the seller's custodial
// identity with the net amount.
func (e *Engine) SettleResale(ctx context.Context, orderID uuid.UUID) (Result, error) {
	var order domain.Order
	err := e.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		order, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if err != nil {
		return Result{}, errors.Wrapf(err, "load resale %s", orderID)
	}
	if order.Kind != domain.OrderKindResale || order.PaymentStatus != domain.PaymentPaid {
		return Result{}, domain.Validationf("order %s is not a paid resale", orderID)
	}
	seller, err := e.resolver.Resolve(order.Seller)
	if err != nil {
		return Result{}, errors.Wrap(err, "resolve seller identity")
	}
	fees := order.Fees

	steps := []step{
		{
			name: StepResaleFees,
			run: func(ctx context.Context, key string, _ map[string]string) (string, error) {
				return e.routeFee(ctx, key, fees.PlatformFee+fees.ResaleFee, "resale fees "+order.ID.String())
			},
		},
		{
			name: StepSellerCredit,
			run: func(ctx context.Context, key string, _ map[string]string) (string, error) {
				r, err := e.ledger.Mint(ctx, seller.Address, fees.NetAmount, key)
				return r.TxHash, err
			},
		},
	}
	return e.run(ctx, order, steps)
}

// ResetStep returns a STARTED or UNKNOWN step to PENDING once an operator has
// reconciled it against the ledger, so the next Settle retries it.
func (e *Engine) ResetStep(ctx context.Context, orderID uuid.UUID, name string) error {
	return e.store.WithTx(ctx, func(tx domain.Tx) error {
		steps, err := tx.GetSteps(ctx, orderID)
		if err != nil {
			return err
		}
		for _, s := range steps {
			if s.Name != name {
				continue
			}
			if s.Status != domain.StepStarted && s.Status != domain.StepUnknown {
				return domain.Conflictf("step %s is %s, only STARTED or UNKNOWN steps can be reset", name, s.Status)
			}
			s.Status = domain.StepPending
			s.LastError = "reset by operator"
			s.UpdatedAt = e.now().UTC()
			return tx.UpsertStep(ctx, s)
		}
		return domain.NotFoundf("order %s has no step %s", orderID, name)
	})
}

func (e *Engine) Steps(ctx context.Context, orderID uuid.UUID) ([]domain.SettlementStep, error) {
	var steps []domain.SettlementStep
	err := e.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		steps, err = tx.GetSteps(ctx, orderID)
		return err
	})
	return steps, err
}

// Incomplete lists orders whose settlement still has unfinished steps.
func (e *Engine) Incomplete(ctx context.Context, limit int) ([]domain.Order, error) {
	var orders []domain.Order
	err := e.store.WithTx(ctx, func(tx domain.Tx) error {
		for _, status := range []domain.SettlementStatus{domain.SettlementIncomplete, domain.SettlementPending} {
			batch, err := tx.ListOrdersBySettlement(ctx, status, limit)
			if err != nil {
				return err
			}
			orders = append(orders, batch...)
		}
		return nil
	})
	return orders, err
}

func (e *Engine) run(ctx context.Context, order domain.Order, steps []step) (Result, error) {
	log := observability.FromContext(ctx, e.logger).WithField("order_id", order.ID).WithField("kind", order.Kind)
	persistCtx := context.WithoutCancel(ctx)

	var existing []domain.SettlementStep
	if err := e.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		existing, err = tx.GetSteps(ctx, order.ID)
		return err
	}); err != nil {
		return Result{}, errors.Wrap(err, "load settlement steps")
	}
	known := make(map[string]domain.SettlementStep, len(existing))
	refs := map[string]string{}
	for _, s := range existing {
		known[s.Name] = s
		if s.Status == domain.StepCompleted {
			refs[s.Name] = s.Ref
		}
	}

	states := make([]domain.SettlementStep, 0, len(steps))
	var unsaved []domain.SettlementStep
	for _, s := range steps {
		cur, ok := known[s.name]
		if !ok {
			cur = domain.SettlementStep{
				OrderID:        order.ID,
				Name:           s.name,
				Status:         domain.StepPending,
				IdempotencyKey: stepKey(order.ID, s.name),
				UpdatedAt:      e.now().UTC(),
			}
		}

		switch {
		case cur.Status == domain.StepCompleted:
		case cur.Status == domain.StepStarted || cur.Status == domain.StepUnknown:
			log.WithField("step", s.name).WithField("status", cur.Status).Warn("settlement step awaits reconciliation")
		case !depsCompleted(s.deps, refs) && !e.refreshRefs(ctx, order.ID, s.deps, refs), ctx.Err() != nil:
			if !ok {
				unsaved = append(unsaved, cur)
			}
		default:
			cur = e.execute(ctx, log, cur, s, refs)
			if cur.Status == domain.StepCompleted {
				refs[s.name] = cur.Ref
			}
		}
		states = append(states, cur)
	}

	var res Result
	err := e.store.WithTx(persistCtx, func(tx domain.Tx) error {
		// The status is derived from the stored steps so that a concurrent run cannot
		// overwrite a completed settlement with its own stale view.
		stored, err := tx.GetSteps(persistCtx, order.ID)
		if err != nil {
			return err
		}
		present := make(map[string]bool, len(stored))
		for _, s := range stored {
			present[s.Name] = true
		}
		for _, s := range unsaved {
			if present[s.Name] {
				continue
			}
			if err := tx.UpsertStep(persistCtx, s); err != nil {
				return err
			}
			stored = append(stored, s)
		}
		res = summarize(order, steps, stored)
		current, err := tx.GetOrder(persistCtx, order.ID)
		if err != nil {
			return err
		}
		if current.SettlementStatus == res.Status && current.AssetToken == res.AssetToken {
			return nil
		}
		if err := tx.SetOrderSettlement(persistCtx, order.ID, res.Status, res.AssetToken); err != nil {
			return err
		}
		eventType := "settlement.completed"
		if res.Status == domain.SettlementIncomplete {
			eventType = "settlement.incomplete"
		}
		return insertOutbox(persistCtx, tx, "order", order.ID, eventType, res)
	})
	if err != nil {
		res = summarize(order, steps, states)
		return res, errors.Wrap(err, "record settlement status")
	}

	log.WithField("settlement_status", res.Status).Info("settlement pass finished")
	return res, nil
}

func (e *Engine) execute(ctx context.Context, log observability.Logger, cur domain.SettlementStep, s step, refs map[string]string) domain.SettlementStep {
	persistCtx := context.WithoutCancel(ctx)
	log = log.WithField("step", s.name)

	prev := cur
	cur.Status = domain.StepStarted
	cur.Attempts++
	cur.LastError = ""
	cur.UpdatedAt = e.now().UTC()
	if err := e.claimStep(persistCtx, prev, cur); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			log.Info("settlement step claimed by a concurrent run")
			return cur
		}
		log.WithError(err).Error("could not record settlement step start")
		prev.LastError = err.Error()
		return prev
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
	callCtx, span := observability.StartSpan(callCtx, "settlement."+s.name,
		attribute.String("order_id", cur.OrderID.String()),
		attribute.Int("attempt", cur.Attempts),
	)
	ref, err := s.run(callCtx, cur.IdempotencyKey, refs)
	span.End()
	cancel()

	cur.UpdatedAt = e.now().UTC()
	switch {
	case err == nil:
		cur.Status = domain.StepCompleted
		cur.Ref = ref
	case indeterminate(err):
		cur.Status = domain.StepUnknown
		cur.LastError = err.Error()
	default:
		cur.Status = domain.StepFailed
		cur.LastError = err.Error()
	}

	var onComplete func(tx domain.Tx) error
	if cur.Status == domain.StepCompleted && s.onComplete != nil {
		onComplete = func(tx domain.Tx) error { return s.onComplete(persistCtx, tx, ref) }
	}
	if err := e.saveStep(persistCtx, cur, onComplete); err != nil {
		log.WithError(err).Error("could not record settlement step outcome")
		if cur.Status == domain.StepCompleted {
			cur.Status = domain.StepUnknown
			cur.LastError = "outcome not recorded: " + err.Error()
		}
	}

	observability.SettlementSteps.WithLabelValues(s.name, string(cur.Status)).Inc()
	entry := log.WithField("status", cur.Status).WithField("attempt", cur.Attempts).WithField("ref", cur.Ref)
	if err != nil {
		entry.WithError(err).Warn("settlement step did not complete")
	} else {
		entry.Info("settlement step completed")
	}
	return cur
}

// claimStep records STARTED only if the stored step still matches what this run read,
// so two concurrent runs never both start the same step.
func (e *Engine) claimStep(ctx context.Context, prev, next domain.SettlementStep) error {
	return e.store.WithTx(ctx, func(tx domain.Tx) error {
		steps, err := tx.GetSteps(ctx, next.OrderID)
		if err != nil {
			return err
		}
		for _, s := range steps {
			if s.Name == next.Name && (s.Status != prev.Status || s.Attempts != prev.Attempts) {
				return domain.Conflictf("step %s moved to %s", s.Name, s.Status)
			}
		}
		return tx.UpsertStep(ctx, next)
	})
}

func (e *Engine) saveStep(ctx context.Context, s domain.SettlementStep, also func(tx domain.Tx) error) error {
	return e.store.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.UpsertStep(ctx, s); err != nil {
			return err
		}
		if also != nil {
			return also(tx)
		}
		return nil
	})
}

func (e *Engine) routeFee(ctx context.Context, key string, amount int64, note string) (string, error) {
	if amount == 0 {
		return "none", nil
	}
	if e.cfg.PlatformTransfer == config.TransferHeld {
		return "held:" + key, nil
	}
	return e.payouts.Transfer(ctx, payout.Transfer{
		Reference: key,
		Amount:    amount,
		Account:   e.cfg.PlatformAccount,
		Note:      note,
	})
}

// attachAsset records the asset token on the ticket and on any successor it was resold to.
func attachAsset(ctx context.Context, tx domain.Tx, ticketID uuid.UUID, assetToken string) error {
	for id := ticketID; id != uuid.Nil; {
		if err := tx.SetTicketAsset(ctx, id, assetToken); err != nil {
			return err
		}
		t, err := tx.GetTicket(ctx, id)
		if err != nil {
			return err
		}
		id = t.SupersededBy
	}
	return nil
}

func summarize(order domain.Order, plan []step, stored []domain.SettlementStep) Result {
	byName := make(map[string]domain.SettlementStep, len(stored))
	for _, s := range stored {
		byName[s.Name] = s
	}
	res := Result{OrderID: order.ID, Status: domain.SettlementCompleted}
	for _, p := range plan {
		s, ok := byName[p.name]
		if !ok {
			s = domain.SettlementStep{OrderID: order.ID, Name: p.name, Status: domain.StepPending, IdempotencyKey: stepKey(order.ID, p.name)}
		}
		if s.Status != domain.StepCompleted {
			res.Status = domain.SettlementIncomplete
		}
		if p.name == StepEscrow && s.Status == domain.StepCompleted {
			res.AssetToken = s.Ref
		}
		res.Steps = append(res.Steps, s)
	}
	return res
}

// refreshRefs picks up dependencies completed by a concurrent run.
func (e *Engine) refreshRefs(ctx context.Context, orderID uuid.UUID, deps []string, refs map[string]string) bool {
	var stored []domain.SettlementStep
	if err := e.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		stored, err = tx.GetSteps(ctx, orderID)
		return err
	}); err != nil {
		return false
	}
	for _, s := range stored {
		if s.Status == domain.StepCompleted {
			refs[s.Name] = s.Ref
		}
	}
	return depsCompleted(deps, refs)
}

func depsCompleted(deps []string, refs map[string]string) bool {
	for _, d := range deps {
		if _, ok := refs[d]; !ok {
			return false
		}
	}
	return true
}

func stepKey(orderID uuid.UUID, name string) string {
	return "order:" + orderID.String() + ":" + name
}

// indeterminate reports errors after which the external side effect may or may not
// have happened.
func indeterminate(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func insertOutbox(ctx context.Context, tx domain.Tx, aggregate string, id uuid.UUID, eventType string, payload interface{}) error {
	rec, err := domain.NewOutboxRecord(aggregate, id, eventType, payload)
	if err != nil {
		return err
	}
	return tx.InsertOutbox(ctx, rec)
}
