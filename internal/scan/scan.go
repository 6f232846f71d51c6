// Package scan decides venue-entry scans and reconciles offline scan logs.
package scan

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/signature"
)

type Service struct {
	store  domain.Store
	sig    *signature.Authority
	audit  domain.Auditor
	logger observability.Logger
	now    func() time.Time
}

func NewService(store domain.Store, sig *signature.Authority, audit domain.Auditor, logger observability.Logger) *Service {
	if audit == nil {
		audit = domain.NopAuditor{}
	}
	return &Service{store: store, sig: sig, audit: audit, logger: logger, now: time.Now}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Attempt is one presented QR payload. GateEventID is the event the scanning device is
// admitting to; when set, a ticket for any other event is WRONG_EVENT.
type Attempt struct {
	TicketID    uuid.UUID `json:"ticket_id"`
	EventID     uuid.UUID `json:"event_id"`
	Signature   string    `json:"signature"`
	Device      string    `json:"device"`
	GateEventID uuid.UUID `json:"gate_event_id,omitempty"`
}

type Result struct {
	Code       domain.ScanResult `json:"result"`
	Message    string            `json:"message"`
	TicketID   uuid.UUID         `json:"ticket_id"`
	Holder     string            `json:"holder,omitempty"`
	PDFVersion int               `json:"pdf_version,omitempty"`
	UsedAt     *time.Time        `json:"used_at,omitempty"`
}

var messages = map[domain.ScanResult]string{
	domain.ScanSuccess:          "admitted",
	domain.ScanInvalidSignature: "ticket could not be verified",
	domain.ScanBlacklisted:      "ticket has been revoked",
	domain.ScanNotFound:         "ticket not found",
	domain.ScanWrongEvent:       "ticket is for a different event",
	domain.ScanAlreadyUsed:      "ticket was already used",
}

// Scan runs the checks in order and stops at the first failing one. The decision and
// its scan log are written in one unit of work, and the use commit is a conditional
// write, so of several concurrent scans of one ticket exactly one succeeds.
func (s *Service) Scan(ctx context.Context, a Attempt) (Result, error) {
	now := s.now().UTC()
	res := Result{TicketID: a.TicketID}

	err := s.store.WithTx(ctx, func(tx domain.Tx) error {
		res = Result{TicketID: a.TicketID}
		code, err := s.decide(ctx, tx, a, now, &res)
		if err != nil {
			return err
		}
		res.Code = code
		res.Message = messages[code]
		_, err = tx.AppendScanLog(ctx, domain.ScanLog{
			ID:        uuid.New(),
			TicketID:  a.TicketID,
			EventID:   a.EventID,
			Result:    code,
			Device:    a.Device,
			Source:    domain.ScanOnline,
			ScannedAt: now,
		})
		return err
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "scan")
	}

	observability.ScanResults.WithLabelValues(string(res.Code), string(domain.ScanOnline)).Inc()
	log := observability.FromContext(ctx, s.logger).WithField("ticket_id", a.TicketID).WithField("device", a.Device).WithField("result", res.Code)
	if res.Code == domain.ScanSuccess {
		log.Info("ticket admitted")
	} else {
		log.Warn("scan rejected")
	}
	_ = s.audit.LogEvent(ctx, "ticket_scan", a.Device, map[string]interface{}{
		"ticket_id": a.TicketID.String(),
		"event_id":  a.EventID.String(),
		"result":    string(res.Code),
	})
	return res, nil
}

func (s *Service) decide(ctx context.Context, tx domain.Tx, a Attempt, now time.Time, res *Result) (domain.ScanResult, error) {
	// The signature check runs first so a forged payload learns nothing about which
	// ticket ids exist.
	if !s.sig.Verify(a.TicketID, a.EventID, a.Signature) {
		return domain.ScanInvalidSignature, nil
	}
	blacklisted, err := tx.IsBlacklisted(ctx, a.TicketID)
	if err != nil {
		return "", err
	}
	if blacklisted {
		return domain.ScanBlacklisted, nil
	}

	t, err := tx.GetTicket(ctx, a.TicketID)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.ScanNotFound, nil
	}
	if err != nil {
		return "", err
	}
	if t.EventID != a.EventID || (a.GateEventID != uuid.Nil && a.GateEventID != t.EventID) {
		return domain.ScanWrongEvent, nil
	}
	if t.Superseded() {
		return domain.ScanBlacklisted, nil
	}
	res.Holder, res.PDFVersion = t.OwnerName, t.PDFVersion
	if t.IsUsed {
		res.UsedAt = t.UsedAt
		return domain.ScanAlreadyUsed, nil
	}

	ok, err := tx.MarkTicketUsed(ctx, t.ID, now)
	if err != nil {
		return "", err
	}
	if !ok {
		if fresh, err := tx.GetTicket(ctx, t.ID); err == nil {
			res.UsedAt = fresh.UsedAt
		}
		return domain.ScanAlreadyUsed, nil
	}
	res.UsedAt = &now
	return domain.ScanSuccess, nil
}
