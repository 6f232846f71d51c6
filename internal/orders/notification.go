package orders

import (
	"context"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/payment"
	"github.com/robertarktes/ticket-settlement/internal/settlement"
	"github.com/robertarktes/ticket-settlement/internal/tickets"
	"github.com/shopspring/decimal"
)

// Outcome describes what a notification did. Applied is false for redeliveries and
// for PENDING notifications.
type Outcome struct {
	OrderID       uuid.UUID            `json:"order_id"`
	Kind          domain.OrderKind     `json:"kind"`
	Status        domain.PaymentStatus `json:"payment_status"`
	Applied       bool                 `json:"applied"`
	FailureReason string               `json:"failure_reason,omitempty"`
	TicketID      uuid.UUID            `json:"ticket_id,omitempty"`
	Settlement    *settlement.Result   `json:"settlement,omitempty"`
}

// SettlementIncomplete reports whether money or asset movement is still unresolved.
func (o Outcome) SettlementIncomplete() bool {
	return o.Settlement != nil && o.Settlement.Status != domain.SettlementCompleted
}

// OnNotification authenticates a processor callback and applies it. kind restricts the
// orders the endpoint accepts; an empty kind accepts both.
//
// The PENDING to terminal transition is a conditional write inside one unit of work,
// so concurrent or repeated deliveries apply at most once. Redeliveries for a paid
// order whose settlement is unfinished resume the saga, which only retries FAILED steps.
func (s *Service) OnNotification(ctx context.Context, raw []byte, kind domain.OrderKind) (Outcome, error) {
	n, err := s.processor.VerifyNotification(ctx, raw)
	if err != nil {
		return Outcome{}, err
	}
	log := observability.FromContext(ctx, s.logger).WithField("order_id", n.OrderID).WithField("processor_status", n.TransactionStatus)

	if s.locker != nil {
		unlock, ok, err := s.locker.TryLock(ctx, "webhook:"+n.OrderID.String(), s.cfg.LockTTL)
		switch {
		case err != nil:
			log.WithError(err).Warn("webhook lock unavailable, continuing without it")
		case !ok:
			log.Debug("another delivery holds the webhook lock, relying on the conditional write")
		default:
			defer unlock()
		}
	}

	var order domain.Order
	if err := s.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		order, err = tx.GetOrder(ctx, n.OrderID)
		return err
	}); err != nil {
		return Outcome{}, errors.Wrapf(err, "notification for order %s", n.OrderID)
	}
	if kind != "" && order.Kind != kind {
		return Outcome{}, domain.Validationf("order %s is a %s order", order.ID, order.Kind)
	}
	if err := matchAmount(n.GrossAmount, order.Amount); err != nil {
		return Outcome{}, err
	}

	out := Outcome{OrderID: order.ID, Kind: order.Kind, Status: order.PaymentStatus, FailureReason: order.FailureReason, TicketID: order.TicketID}
	if !order.PaymentStatus.Terminal() {
		switch n.Status {
		case payment.StatusPaid:
			if order.Kind == domain.OrderKindResale {
				out, err = s.applyResalePaid(ctx, order)
			} else {
				out, err = s.applyPurchasePaid(ctx, order)
			}
		case payment.StatusFailed:
			out, err = s.applyFailed(ctx, order, domain.ReasonPaymentFailed)
		}
		if err != nil {
			return Outcome{}, err
		}
	}

	observability.PaymentNotifications.WithLabelValues(string(order.Kind), n.Status.String(), strconv.FormatBool(out.Applied)).Inc()
	_ = s.audit.LogEvent(ctx, "payment_notification", order.Buyer, map[string]interface{}{
		"order_id":           order.ID.String(),
		"transaction_id":     n.TransactionID,
		"transaction_status": n.TransactionStatus,
		"mapped_status":      n.Status.String(),
		"applied":            out.Applied,
	})

	if out.Status == domain.PaymentPaid && out.FailureReason == "" {
		res, err := s.settlementFor(ctx, order.ID, out.Applied)
		if err != nil {
			log.WithError(err).Error("settlement could not run")
			res = settlement.Result{OrderID: order.ID, Status: domain.SettlementIncomplete}
		}
		out.Settlement = &res
		if res.Status != domain.SettlementCompleted {
			log.WithField("needs_operator", res.NeedsOperator()).Warn("order paid but settlement incomplete")
		}
	}
	log.WithField("payment_status", out.Status).WithField("applied", out.Applied).Info("notification handled")
	return out, nil
}

// settlementFor runs the saga when this delivery paid the order, or resumes it when an
// earlier run left it INCOMPLETE. A PENDING settlement belongs to a run still in flight
// and is only reported.
func (s *Service) settlementFor(ctx context.Context, orderID uuid.UUID, applied bool) (settlement.Result, error) {
	if applied {
		return s.settler.Settle(ctx, orderID)
	}
	var (
		o     domain.Order
		steps []domain.SettlementStep
	)
	err := s.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		if o, err = tx.GetOrder(ctx, orderID); err != nil {
			return err
		}
		steps, err = tx.GetSteps(ctx, orderID)
		return err
	})
	if err != nil {
		return settlement.Result{}, err
	}
	if o.SettlementStatus == domain.SettlementIncomplete {
		return s.settler.Settle(ctx, orderID)
	}
	return settlement.Result{OrderID: o.ID, Status: o.SettlementStatus, AssetToken: o.AssetToken, Steps: steps}, nil
}

// errNotPending aborts a unit of work whose order left PENDING since it was read.
var errNotPending = errors.New("order is no longer pending")

func (s *Service) applyPurchasePaid(ctx context.Context, order domain.Order) (Outcome, error) {
	out := Outcome{OrderID: order.ID, Kind: order.Kind}
	now := s.now().UTC()
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		o, err := tx.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if o.PaymentStatus != domain.PaymentPending {
			return errNotPending
		}
		tt, err := tx.GetTicketType(ctx, o.TicketTypeID)
		if err != nil {
			return err
		}
		err = tx.IncrementSold(ctx, tt.ID)
		if errors.Is(err, domain.ErrSoldOut) {
			out.Status, out.FailureReason, out.Applied = domain.PaymentFailed, domain.ReasonSoldOut, true
			if err := tx.MarkOrderFailed(ctx, o.ID, domain.ReasonSoldOut); err != nil {
				return err
			}
			return insertOutbox(ctx, tx, o.ID, "order.failed", map[string]interface{}{
				"order_id": o.ID,
				"reason":   domain.ReasonSoldOut,
				"amount":   o.Amount,
			})
		}
		if err != nil {
			return err
		}
		if err := tx.MarkOrderPaid(ctx, o.ID, now); err != nil {
			return err
		}
		ticket, err := s.issuer.Issue(ctx, tx, tickets.IssueRequest{
			TicketType:    tt,
			OrderID:       o.ID,
			Owner:         o.Buyer,
			OwnerName:     o.BuyerName,
			PurchasePrice: o.Amount,
		})
		if err != nil {
			return err
		}
		if err := tx.AttachTicket(ctx, o.ID, ticket.ID); err != nil {
			return err
		}
		if err := tx.SetOrderSettlement(ctx, o.ID, domain.SettlementPending, ""); err != nil {
			return err
		}
		out.Status, out.TicketID, out.Applied = domain.PaymentPaid, ticket.ID, true
		return insertOutbox(ctx, tx, o.ID, "ticket.issued", map[string]interface{}{
			"order_id":  o.ID,
			"ticket_id": ticket.ID,
			"event_id":  ticket.EventID,
			"owner":     ticket.Owner,
		})
	})
	return s.settleOutcome(ctx, order.ID, out, err)
}

func (s *Service) applyResalePaid(ctx context.Context, order domain.Order) (Outcome, error) {
	out := Outcome{OrderID: order.ID, Kind: order.Kind}
	now := s.now().UTC()
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		o, err := tx.GetOrder(ctx, order.ID)
		if err != nil {
			return err
		}
		if o.PaymentStatus != domain.PaymentPending {
			return errNotPending
		}
		listing, err := tx.GetListing(ctx, o.ListingID)
		if err != nil {
			return err
		}
		ticket, err := tx.GetTicket(ctx, listing.TicketID)
		if err != nil {
			return err
		}
		if listing.Status != domain.ListingActive || ticket.Superseded() || ticket.IsUsed || ticket.ClaimedBy != "" {
			out.Status, out.FailureReason, out.Applied = domain.PaymentFailed, domain.ReasonListingUnavailable, true
			if err := tx.MarkOrderFailed(ctx, o.ID, domain.ReasonListingUnavailable); err != nil {
				return err
			}
			return insertOutbox(ctx, tx, o.ID, "order.failed", map[string]interface{}{
				"order_id":   o.ID,
				"listing_id": listing.ID,
				"reason":     domain.ReasonListingUnavailable,
				"amount":     o.Amount,
			})
		}

		if err := tx.UpdateListingStatus(ctx, listing.ID, domain.ListingActive, domain.ListingSold, now); err != nil {
			return err
		}
		if err := tx.MarkOrderPaid(ctx, o.ID, now); err != nil {
			return err
		}
		next, err := s.issuer.ReissueOnResale(ctx, tx, tickets.ReissueRequest{
			Ticket:        ticket,
			OrderID:       o.ID,
			NewOwner:      o.Buyer,
			NewOwnerName:  o.BuyerName,
			PurchasePrice: o.Amount,
		})
		if err != nil {
			return err
		}
		if err := tx.AttachTicket(ctx, o.ID, next.ID); err != nil {
			return err
		}
		if err := tx.SetOrderSettlement(ctx, o.ID, domain.SettlementPending, ""); err != nil {
			return err
		}
		out.Status, out.TicketID, out.Applied = domain.PaymentPaid, next.ID, true
		return insertOutbox(ctx, tx, o.ID, "ticket.reissued", map[string]interface{}{
			"order_id":        o.ID,
			"listing_id":      listing.ID,
			"ticket_id":       next.ID,
			"previous_ticket": ticket.ID,
			"owner":           next.Owner,
			"pdf_version":     next.PDFVersion,
		})
	})
	return s.settleOutcome(ctx, order.ID, out, err)
}

func (s *Service) applyFailed(ctx context.Context, order domain.Order, reason string) (Outcome, error) {
	out := Outcome{OrderID: order.ID, Kind: order.Kind, Status: domain.PaymentFailed, FailureReason: reason, Applied: true}
	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.MarkOrderFailed(ctx, order.ID, reason); err != nil {
			if errors.Is(err, domain.ErrConflict) {
				return errNotPending
			}
			return err
		}
		return insertOutbox(ctx, tx, order.ID, "order.failed", map[string]interface{}{
			"order_id": order.ID,
			"reason":   reason,
		})
	})
	return s.settleOutcome(ctx, order.ID, out, err)
}

// settleOutcome turns a lost race into the state the winner left behind.
func (s *Service) settleOutcome(ctx context.Context, orderID uuid.UUID, out Outcome, err error) (Outcome, error) {
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, errNotPending) && !errors.Is(err, domain.ErrConflict) {
		return Outcome{}, errors.Wrapf(err, "apply notification to order %s", orderID)
	}
	var o domain.Order
	if err := s.store.WithTx(ctx, func(tx domain.Tx) (err error) {
		o, err = tx.GetOrder(ctx, orderID)
		return err
	}); err != nil {
		return Outcome{}, err
	}
	if o.PaymentStatus == domain.PaymentPending {
		return Outcome{}, domain.Conflictf("order %s changed while applying notification, retry", orderID)
	}
	return Outcome{OrderID: o.ID, Kind: o.Kind, Status: o.PaymentStatus, FailureReason: o.FailureReason, TicketID: o.TicketID}, nil
}

// matchAmount rejects notifications whose gross amount differs from the order's.
func matchAmount(gross string, amount int64) error {
	if gross == "" {
		return nil
	}
	d, err := decimal.NewFromString(gross)
	if err != nil {
		return domain.Validationf("notification gross amount %q is not a number", gross)
	}
	if !d.Equal(decimal.NewFromInt(amount)) {
		return domain.Validationf("notification gross amount %s does not match order amount %d", gross, amount)
	}
	return nil
}
