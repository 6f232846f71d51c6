package http

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/events"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/orders"
	"github.com/robertarktes/ticket-settlement/internal/scan"
	"github.com/robertarktes/ticket-settlement/internal/settlement"
	"golang.org/x/sync/errgroup"
)

// Pinger is a dependency checked by /v1/readyz.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Handlers struct {
	orders     *orders.Service
	events     *events.Service
	scan       *scan.Service
	settlement *settlement.Engine
	ready      map[string]Pinger
	logger     observability.Logger
}

type Deps struct {
	Orders     *orders.Service
	Events     *events.Service
	Scan       *scan.Service
	Settlement *settlement.Engine
	Ready      map[string]Pinger
	Logger     observability.Logger
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{
		orders:     d.Orders,
		events:     d.Events,
		scan:       d.Scan,
		settlement: d.Settlement,
		ready:      d.Ready,
		logger:     d.Logger,
	}
}

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, domain.Validationf("invalid %s", name)
	}
	return id, nil
}

func (h *Handlers) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// Readyz pings every dependency concurrently and reports the ones that failed.
func (h *Handlers) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failures := make(map[string]string, len(h.ready))
	results := make(chan [2]string, len(h.ready))
	g, gctx := errgroup.WithContext(ctx)
	for name, p := range h.ready {
		g.Go(func() error {
			if err := p.Ping(gctx); err != nil {
				results <- [2]string{name, err.Error()}
			}
			return nil
		})
	}
	_ = g.Wait()
	close(results)
	for res := range results {
		failures[res[0]] = res[1]
	}

	if len(failures) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, envelope{Result: "NOT_READY", Message: "dependencies unavailable", Data: failures})
		return
	}
	ok(w, http.StatusOK, "ready", nil)
}

func orderView(o domain.Order) map[string]interface{} {
	v := map[string]interface{}{
		"id":                o.ID,
		"kind":              o.Kind,
		"buyer":             o.Buyer,
		"event_id":          o.EventID,
		"ticket_type_id":    o.TicketTypeID,
		"amount":            o.Amount,
		"payment_method":    o.PaymentMethod,
		"payment_status":    o.PaymentStatus,
		"settlement_status": o.SettlementStatus,
		"fees":              o.Fees,
		"created_at":        o.CreatedAt,
	}
	if o.RedirectURL != "" {
		v["redirect_url"] = o.RedirectURL
		v["processor_token"] = o.ProcessorToken
	}
	if o.FailureReason != "" {
		v["failure_reason"] = o.FailureReason
	}
	if o.ListingID != uuid.Nil {
		v["listing_id"] = o.ListingID
	}
	if o.TicketID != uuid.Nil {
		v["ticket_id"] = o.TicketID
	}
	if o.AssetToken != "" {
		v["asset_token"] = o.AssetToken
	}
	if o.PaidAt != nil {
		v["paid_at"] = o.PaidAt
	}
	return v
}

func ticketView(t domain.Ticket) map[string]interface{} {
	v := map[string]interface{}{
		"id":             t.ID,
		"event_id":       t.EventID,
		"ticket_type_id": t.TicketTypeID,
		"owner":          t.Owner,
		"pdf_version":    t.PDFVersion,
		"is_used":        t.IsUsed,
		"issued_at":      t.IssuedAt,
	}
	if t.AssetToken != "" {
		v["asset_token"] = t.AssetToken
	}
	if t.ClaimedBy != "" {
		v["claimed_by"] = t.ClaimedBy
	}
	return v
}

func listingView(l domain.ResaleListing) map[string]interface{} {
	return map[string]interface{}{
		"id":         l.ID,
		"ticket_id":  l.TicketID,
		"event_id":   l.EventID,
		"seller":     l.Seller,
		"price":      l.Price,
		"status":     l.Status,
		"created_at": l.CreatedAt,
	}
}

func eventView(e domain.Event) map[string]interface{} {
	return map[string]interface{}{
		"id":         e.ID,
		"creator":    e.Creator,
		"name":       e.Name,
		"venue":      e.Venue,
		"starts_at":  e.StartsAt,
		"ends_at":    e.EndsAt,
		"status":     e.Status,
		"created_at": e.CreatedAt,
	}
}

func receiverView(r domain.RevenueReceiver) map[string]interface{} {
	return map[string]interface{}{
		"id":              r.ID,
		"email":           r.Email,
		"percentage":      r.Percentage.StringFixed(2),
		"approval_status": r.ApprovalStatus,
		"ledger_address":  r.LedgerAddress,
	}
}

func ticketTypeView(tt domain.TicketType) map[string]interface{} {
	return map[string]interface{}{
		"id":         tt.ID,
		"event_id":   tt.EventID,
		"name":       tt.Name,
		"price":      tt.Price,
		"stock":      tt.Stock,
		"sold":       tt.Sold,
		"sale_start": tt.SaleStart,
		"sale_end":   tt.SaleEnd,
	}
}

func withdrawalView(w domain.Withdrawal) map[string]interface{} {
	v := map[string]interface{}{
		"id":          w.ID,
		"receiver_id": w.ReceiverID,
		"event_id":    w.EventID,
		"amount":      w.Amount,
		"status":      w.Status,
		"created_at":  w.CreatedAt,
		"updated_at":  w.UpdatedAt,
	}
	if w.LedgerTxHash != "" {
		v["ledger_tx_hash"] = w.LedgerTxHash
	}
	if w.BurnTxHash != "" {
		v["burn_tx_hash"] = w.BurnTxHash
	}
	if w.PayoutRef != "" {
		v["payout_ref"] = w.PayoutRef
	}
	if w.FailureStep != "" {
		v["failure_step"] = w.FailureStep
		v["failure_reason"] = w.FailureReason
	}
	return v
}
