package http

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/events"
	"github.com/robertarktes/ticket-settlement/internal/settlement"
)

func chiParam(r *http.Request, name string) string {
	return chi.URLParam(r, name)
}

func (h *Handlers) CreateEvent(w http.ResponseWriter, r *http.Request) {
	var req events.CreateRequest
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	req.Creator = principal(r).Email
	ev, receivers, err := h.events.Create(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]map[string]interface{}, 0, len(receivers))
	for _, rc := range receivers {
		views = append(views, receiverView(rc))
	}
	ok(w, http.StatusCreated, "event created, awaiting receiver approval", map[string]interface{}{
		"event":     eventView(ev),
		"receivers": views,
	})
}

func (h *Handlers) ConfigureTicketTypes(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		TicketTypes []events.TicketTypeInput `json:"ticket_types"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	types, err := h.events.ConfigureTicketTypes(r.Context(), principal(r).Email, id, req.TicketTypes)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	views := make([]map[string]interface{}, 0, len(types))
	for _, tt := range types {
		views = append(views, ticketTypeView(tt))
	}
	ok(w, http.StatusCreated, "ticket types configured", views)
}

func (h *Handlers) DecideReceiver(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var req struct {
		Decision string `json:"decision"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	decision := domain.ApprovalStatus(strings.ToUpper(strings.TrimSpace(req.Decision)))
	ev, err := h.events.DecideReceiver(r.Context(), principal(r).Email, id, chiParam(r, "email"), decision)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "decision recorded", eventView(ev))
}

func (h *Handlers) ActivateEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ev, err := h.events.Activate(r.Context(), principal(r).Email, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "event activated", eventView(ev))
}

func (h *Handlers) CompleteEvent(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ev, err := h.events.Complete(r.Context(), principal(r).Email, id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "event completed", eventView(ev))
}

// creatorOrAdmin loads the event and checks the caller may see its back office data.
func (h *Handlers) creatorOrAdmin(r *http.Request, eventID uuid.UUID) (domain.Event, error) {
	ev, err := h.events.Get(r.Context(), eventID)
	if err != nil {
		return domain.Event{}, err
	}
	p := principal(r)
	if !p.IsAdmin() && ev.Creator != p.Email {
		return domain.Event{}, domain.Forbiddenf("event %s belongs to another creator", eventID)
	}
	return ev, nil
}

func (h *Handlers) RevenueReport(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.creatorOrAdmin(r, id); err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.settlement.RevenueReport(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "revenue report", report)
}

func (h *Handlers) OfflinePackage(w http.ResponseWriter, r *http.Request) {
	id, err := uuidParam(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if _, err := h.creatorOrAdmin(r, id); err != nil {
		h.fail(w, r, err)
		return
	}
	snap, err := h.scan.ExportSnapshot(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "offline package", snap)
}

func (h *Handlers) RequestWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		EventID    uuid.UUID `json:"event_id"`
		ReceiverID uuid.UUID `json:"receiver_id"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	wd, err := h.settlement.ProcessWithdrawal(r.Context(), settlement.WithdrawalRequest{EventID: req.EventID, ReceiverID: req.ReceiverID})
	if err != nil {
		if wd.ID == uuid.Nil {
			h.fail(w, r, err)
			return
		}
		status, _ := statusFor(err)
		writeJSON(w, status, envelope{Result: "WITHDRAWAL_FAILED", Message: err.Error(), Data: withdrawalView(wd)})
		return
	}
	ok(w, http.StatusOK, "withdrawal completed", withdrawalView(wd))
}
