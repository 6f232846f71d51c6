package http

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/orders"
)

func (h *Handlers) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TicketTypeID  uuid.UUID `json:"ticket_type_id"`
		BuyerName     string    `json:"buyer_name"`
		PaymentMethod string    `json:"payment_method"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	p := principal(r)
	order, err := h.orders.Open(r.Context(), orders.OpenRequest{
		Buyer:        p.Email,
		BuyerName:    req.BuyerName,
		TicketTypeID: req.TicketTypeID,
		Method:       req.PaymentMethod,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "order created, complete the payment", orderView(order))
}

func (h *Handlers) GetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.orders.Get(r.Context(), principal(r).Email, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "order", map[string]interface{}{
		"order": orderView(v.Order),
		"steps": v.Steps,
	})
}

func (h *Handlers) PaymentWebhook(w http.ResponseWriter, r *http.Request) {
	h.notification(w, r, domain.OrderKindPurchase)
}

func (h *Handlers) ResaleWebhook(w http.ResponseWriter, r *http.Request) {
	h.notification(w, r, domain.OrderKindResale)
}

// notification answers 2xx whenever the payment outcome was recorded, so the processor
// stops redelivering. A paid order whose settlement did not finish answers 502 so the
// processor retries, and the retry resumes the settlement.
func (h *Handlers) notification(w http.ResponseWriter, r *http.Request, kind domain.OrderKind) {
	raw, err := readRaw(r)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	out, err := h.orders.OnNotification(r.Context(), raw, kind)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if out.SettlementIncomplete() {
		writeJSON(w, http.StatusBadGateway, envelope{
			Result:  "SETTLEMENT_INCOMPLETE",
			Message: "payment recorded, settlement will be retried",
			Data:    out,
		})
		return
	}
	result := string(out.Status)
	if out.FailureReason != "" {
		result = out.FailureReason
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Result: result, Message: "notification processed", Data: out})
}

func (h *Handlers) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TicketID uuid.UUID `json:"ticket_id"`
		Price    int64     `json:"price"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	l, err := h.orders.CreateListing(r.Context(), orders.ListingRequest{
		Seller:   principal(r).Email,
		TicketID: req.TicketID,
		Price:    req.Price,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "listing created", listingView(l))
}

func (h *Handlers) CancelListing(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	l, err := h.orders.CancelListing(r.Context(), principal(r).Email, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "listing cancelled", listingView(l))
}

func (h *Handlers) PurchaseListing(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		BuyerName     string `json:"buyer_name"`
		PaymentMethod string `json:"payment_method"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	order, err := h.orders.PurchaseResale(r.Context(), orders.PurchaseRequest{
		Buyer:     principal(r).Email,
		BuyerName: req.BuyerName,
		ListingID: id,
		Method:    req.PaymentMethod,
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusCreated, "resale order created, complete the payment", orderView(order))
}

func (h *Handlers) ClaimTicket(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		Wallet string `json:"wallet"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	t, err := h.orders.ClaimAsset(r.Context(), principal(r).Email, id, req.Wallet)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "asset claimed", ticketView(t))
}

// ResetSettlementStep lets an operator hand a reconciled STARTED or UNKNOWN step back to
// the retry loop.
func (h *Handlers) ResetSettlementStep(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	step := chiParam(r, "step")
	if err := h.settlement.ResetStep(r.Context(), id, step); err != nil {
		h.fail(w, r, err)
		return
	}
	steps, err := h.settlement.Steps(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "step reset", steps)
}
