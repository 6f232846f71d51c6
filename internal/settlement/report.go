package settlement

import (
	"context"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/shopspring/decimal"
)

type ReceiverShare struct {
	ReceiverID     uuid.UUID             `json:"receiver_id"`
	Email          string                `json:"email"`
	Percentage     string                `json:"percentage"`
	ApprovalStatus domain.ApprovalStatus `json:"approval_status"`
	ExpectedShare  int64                 `json:"expected_share"`
	Withdrawn      int64                 `json:"withdrawn"`
	Withdrawal     string                `json:"withdrawal_status,omitempty"`
}

type RevenueReport struct {
	EventID          uuid.UUID       `json:"event_id"`
	PaidOrders       int             `json:"paid_orders"`
	Gross            int64           `json:"gross"`
	PlatformFees     int64           `json:"platform_fees"`
	ResaleFees       int64           `json:"resale_fees"`
	EscrowedNet      int64           `json:"escrowed_net"`
	SellerCredits    int64           `json:"seller_credits"`
	IncompleteOrders int             `json:"incomplete_orders"`
	Receivers        []ReceiverShare `json:"receivers"`
}

// RevenueReport totals paid orders of one event. Primary-sale net amounts are escrowed
// for the receivers; resale net amounts belong to sellers and are reported separately.
func (e *Engine) RevenueReport(ctx context.Context, eventID uuid.UUID) (RevenueReport, error) {
	rep := RevenueReport{EventID: eventID}
	err := e.store.WithTx(ctx, func(tx domain.Tx) error {
		if _, err := tx.GetEvent(ctx, eventID); err != nil {
			return err
		}
		orders, err := tx.ListPaidOrdersByEvent(ctx, eventID)
		if err != nil {
			return err
		}
		for _, o := range orders {
			rep.PaidOrders++
			rep.Gross += o.Fees.Gross
			rep.PlatformFees += o.Fees.PlatformFee
			rep.ResaleFees += o.Fees.ResaleFee
			if o.Kind == domain.OrderKindResale {
				rep.SellerCredits += o.Fees.NetAmount
			} else {
				rep.EscrowedNet += o.Fees.NetAmount
			}
			if o.SettlementStatus != domain.SettlementCompleted {
				rep.IncompleteOrders++
			}
		}

		receivers, err := tx.ListReceivers(ctx, eventID)
		if err != nil {
			return err
		}
		withdrawals, err := tx.ListWithdrawals(ctx, eventID)
		if err != nil {
			return err
		}
		latest := map[uuid.UUID]domain.Withdrawal{}
		for _, w := range withdrawals {
			latest[w.ReceiverID] = w
		}
		net := decimal.NewFromInt(rep.EscrowedNet)
		for _, r := range receivers {
			share := ReceiverShare{
				ReceiverID:     r.ID,
				Email:          r.Email,
				Percentage:     r.Percentage.String(),
				ApprovalStatus: r.ApprovalStatus,
				ExpectedShare:  percentOf(net, r.Percentage),
			}
			if w, ok := latest[r.ID]; ok {
				share.Withdrawal = string(w.Status)
				if w.Status == domain.WithdrawalCompleted {
					share.Withdrawn = w.Amount
				}
			}
			rep.Receivers = append(rep.Receivers, share)
		}
		return nil
	})
	return rep, err
}
