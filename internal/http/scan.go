package http

import (
	"net/http"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/scan"
	"github.com/robertarktes/ticket-settlement/internal/signature"
)

// Scan decides one entry. Every decided attempt answers 200 with the result code;
// success is only true when the holder may enter.
func (h *Handlers) Scan(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Payload     string    `json:"payload"`
		TicketID    uuid.UUID `json:"ticket_id"`
		EventID     uuid.UUID `json:"event_id"`
		Signature   string    `json:"signature"`
		Device      string    `json:"device"`
		GateEventID uuid.UUID `json:"gate_event_id"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}

	a := scan.Attempt{
		TicketID:    req.TicketID,
		EventID:     req.EventID,
		Signature:   req.Signature,
		Device:      req.Device,
		GateEventID: req.GateEventID,
	}
	if req.Payload != "" {
		p, err := signature.ParsePayload([]byte(req.Payload))
		if err != nil {
			h.fail(w, r, domain.Validationf("%v", err))
			return
		}
		a.TicketID, a.EventID, a.Signature = p.TicketID, p.EventID, p.Signature
	}

	res, err := h.scan.Scan(r.Context(), a)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{
		Success: res.Code == domain.ScanSuccess,
		Result:  string(res.Code),
		Message: res.Message,
		Data:    res,
	})
}

func (h *Handlers) UploadScanLogs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Logs []scan.OfflineLog `json:"logs"`
	}
	if err := decode(r, &req); err != nil {
		h.fail(w, r, err)
		return
	}
	if len(req.Logs) == 0 {
		h.fail(w, r, domain.Validationf("logs are required"))
		return
	}
	summary, err := h.scan.ImportLogs(r.Context(), req.Logs)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	ok(w, http.StatusOK, "scan logs imported", summary)
}
