package scan

import (
	"context"
	"crypto/subtle"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"golang.org/x/sync/errgroup"
)

const (
	TicketValid      = "valid"
	TicketUsed       = "used"
	TicketSuperseded = "superseded"
)

type SnapshotTicket struct {
	TicketID   uuid.UUID `json:"ticket_id"`
	Signature  string    `json:"signature"`
	Status     string    `json:"status"`
	OwnerName  string    `json:"owner_name"`
	PDFVersion int       `json:"pdf_version"`
}

// Snapshot is what an offline scanner carries to the venue.
type Snapshot struct {
	EventID     uuid.UUID        `json:"event_id"`
	EventName   string           `json:"event_name"`
	EventDate   time.Time        `json:"event_date"`
	Tickets     []SnapshotTicket `json:"tickets"`
	Blacklisted []uuid.UUID      `json:"blacklisted"`
	GeneratedAt time.Time        `json:"generated_at"`
}

func (s *Service) ExportSnapshot(ctx context.Context, eventID uuid.UUID) (Snapshot, error) {
	var (
		ev        domain.Event
		tickets   []domain.Ticket
		blacklist []domain.BlacklistEntry
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.store.WithTx(gctx, func(tx domain.Tx) (err error) {
			ev, err = tx.GetEvent(gctx, eventID)
			return err
		})
	})
	g.Go(func() error {
		return s.store.WithTx(gctx, func(tx domain.Tx) (err error) {
			tickets, err = tx.ListTicketsByEvent(gctx, eventID)
			return err
		})
	})
	g.Go(func() error {
		return s.store.WithTx(gctx, func(tx domain.Tx) (err error) {
			blacklist, err = tx.ListBlacklist(gctx, eventID)
			return err
		})
	})
	if err := g.Wait(); err != nil {
		return Snapshot{}, errors.Wrapf(err, "export event %s", eventID)
	}

	snap := Snapshot{
		EventID:     ev.ID,
		EventName:   ev.Name,
		EventDate:   ev.StartsAt,
		Tickets:     make([]SnapshotTicket, 0, len(tickets)),
		Blacklisted: make([]uuid.UUID, 0, len(blacklist)),
		GeneratedAt: s.now().UTC(),
	}
	for _, t := range tickets {
		status := TicketValid
		switch {
		case t.Superseded():
			status = TicketSuperseded
		case t.IsUsed:
			status = TicketUsed
		}
		snap.Tickets = append(snap.Tickets, SnapshotTicket{
			TicketID:   t.ID,
			Signature:  t.Signature,
			Status:     status,
			OwnerName:  t.OwnerName,
			PDFVersion: t.PDFVersion,
		})
	}
	for _, b := range blacklist {
		snap.Blacklisted = append(snap.Blacklisted, b.TicketID)
	}
	return snap, nil
}

// VerifyOffline mirrors Scan against a snapshot. The presented signature is compared
// with the exported one, so the device never needs the signing secret. Devices must
// track their own admissions; a snapshot only knows usage at export time.
func VerifyOffline(snap Snapshot, a Attempt) domain.ScanResult {
	var found *SnapshotTicket
	for i := range snap.Tickets {
		if snap.Tickets[i].TicketID == a.TicketID {
			found = &snap.Tickets[i]
			break
		}
	}
	if found == nil {
		// Without the ticket there is nothing to verify the signature against.
		if a.EventID == snap.EventID {
			return domain.ScanNotFound
		}
		return domain.ScanWrongEvent
	}
	// The exported signature binds the ticket to the snapshot's event, so a payload
	// naming another event cannot carry a valid signature.
	if subtle.ConstantTimeCompare([]byte(found.Signature), []byte(a.Signature)) != 1 || a.EventID != snap.EventID {
		return domain.ScanInvalidSignature
	}
	if a.GateEventID != uuid.Nil && a.GateEventID != snap.EventID {
		return domain.ScanWrongEvent
	}
	for _, id := range snap.Blacklisted {
		if id == a.TicketID {
			return domain.ScanBlacklisted
		}
	}
	switch found.Status {
	case TicketSuperseded:
		return domain.ScanBlacklisted
	case TicketUsed:
		return domain.ScanAlreadyUsed
	}
	return domain.ScanSuccess
}

// OfflineLog is one scan decided on a device without connectivity.
type OfflineLog struct {
	TicketID  uuid.UUID `json:"ticket_id"`
	EventID   uuid.UUID `json:"event_id"`
	Result    string    `json:"scan_result"`
	Device    string    `json:"device"`
	ScannedAt time.Time `json:"scanned_at"`
}

type ImportSummary struct {
	Received   int `json:"received"`
	Inserted   int `json:"inserted"`
	Duplicates int `json:"duplicates"`
	Rejected   int `json:"rejected"`
	MarkedUsed int `json:"marked_used"`
}

const importBatch = 500

// ImportLogs appends offline scan logs. Entries are deduplicated by
// (ticket, device, scannedAt). The first upload of a SUCCESS marks the ticket used if
// it is not already; re-uploads never touch usage again.
func (s *Service) ImportLogs(ctx context.Context, logs []OfflineLog) (ImportSummary, error) {
	sum := ImportSummary{Received: len(logs)}
	for start := 0; start < len(logs); start += importBatch {
		end := start + importBatch
		if end > len(logs) {
			end = len(logs)
		}
		var batch ImportSummary
		err := s.store.WithTx(ctx, func(tx domain.Tx) error {
			batch = ImportSummary{}
			for _, l := range logs[start:end] {
				code, ok := domain.ParseScanResult(l.Result)
				if !ok || l.TicketID == uuid.Nil || l.Device == "" || l.ScannedAt.IsZero() {
					batch.Rejected++
					continue
				}
				inserted, err := tx.AppendScanLog(ctx, domain.ScanLog{
					ID:        uuid.New(),
					TicketID:  l.TicketID,
					EventID:   l.EventID,
					Result:    code,
					Device:    l.Device,
					Source:    domain.ScanOffline,
					ScannedAt: l.ScannedAt.UTC(),
				})
				if err != nil {
					return err
				}
				if !inserted {
					batch.Duplicates++
					continue
				}
				batch.Inserted++
				if code != domain.ScanSuccess {
					continue
				}
				used, err := tx.MarkTicketUsed(ctx, l.TicketID, l.ScannedAt.UTC())
				if errors.Is(err, domain.ErrNotFound) {
					continue
				}
				if err != nil {
					return err
				}
				if used {
					batch.MarkedUsed++
				}
			}
			return nil
		})
		if err != nil {
			return sum, errors.Wrap(err, "import offline scan logs")
		}
		sum.Inserted += batch.Inserted
		sum.Duplicates += batch.Duplicates
		sum.Rejected += batch.Rejected
		sum.MarkedUsed += batch.MarkedUsed
	}
	for i := 0; i < sum.Inserted; i++ {
		observability.ScanResults.WithLabelValues("IMPORTED", string(domain.ScanOffline)).Inc()
	}
	observability.FromContext(ctx, s.logger).
		WithField("received", sum.Received).
		WithField("inserted", sum.Inserted).
		WithField("duplicates", sum.Duplicates).
		WithField("rejected", sum.Rejected).
		Info("offline scan logs imported")
	return sum, nil
}
