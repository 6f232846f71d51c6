// Package tickets creates tickets and rotates their proof of ownership on resale.
package tickets

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/signature"
)

type Issuer struct {
	sig *signature.Authority
	now func() time.Time
}

func NewIssuer(sig *signature.Authority, now func() time.Time) *Issuer {
	if now == nil {
		now = time.Now
	}
	return &Issuer{sig: sig, now: now}
}

type IssueRequest struct {
	TicketType    domain.TicketType
	OrderID       uuid.UUID
	Owner         string
	OwnerName     string
	PurchasePrice int64
}

// Issue inserts a fresh ticket. It must run in the same unit of work as the sold
// increment and the order's PAID transition.
func (i *Issuer) Issue(ctx context.Context, tx domain.Tx, req IssueRequest) (domain.Ticket, error) {
	t := domain.Ticket{
		ID:                uuid.New(),
		TicketTypeID:      req.TicketType.ID,
		EventID:           req.TicketType.EventID,
		OrderID:           req.OrderID,
		Owner:             req.Owner,
		OwnerName:         req.OwnerName,
		PurchasePrice:     req.PurchasePrice,
		PDFVersion:        1,
		EligibleForResale: true,
		IssuedAt:          i.now().UTC(),
	}
	t.Signature = i.sig.Sign(t.ID, t.EventID)
	if err := tx.InsertTicket(ctx, t); err != nil {
		return domain.Ticket{}, errors.Wrap(err, "insert ticket")
	}
	return t, nil
}

type ReissueRequest struct {
	Ticket        domain.Ticket
	OrderID       uuid.UUID
	NewOwner      string
	NewOwnerName  string
	PurchasePrice int64
}

// ReissueOnResale hands the seat to a new owner under a new ticket identity. The
// signature depends only on (ticketID, eventID), so rotating it requires a new ID;
// the old ID is superseded and blacklisted in the same unit of work, so a previously
// downloaded QR can never pass verification again.
func (i *Issuer) ReissueOnResale(ctx context.Context, tx domain.Tx, req ReissueRequest) (domain.Ticket, error) {
	old := req.Ticket
	now := i.now().UTC()
	next := domain.Ticket{
		ID:                uuid.New(),
		TicketTypeID:      old.TicketTypeID,
		EventID:           old.EventID,
		OrderID:           req.OrderID,
		Owner:             req.NewOwner,
		OwnerName:         req.NewOwnerName,
		PurchasePrice:     req.PurchasePrice,
		PDFVersion:        old.PDFVersion + 1,
		EligibleForResale: false,
		AssetToken:        old.AssetToken,
		PreviousTicketID:  old.ID,
		IssuedAt:          now,
	}
	next.Signature = i.sig.Sign(next.ID, next.EventID)

	if err := tx.SupersedeTicket(ctx, old.ID, next.ID); err != nil {
		return domain.Ticket{}, errors.Wrapf(err, "supersede ticket %s", old.ID)
	}
	if err := tx.InsertTicket(ctx, next); err != nil {
		return domain.Ticket{}, errors.Wrap(err, "insert reissued ticket")
	}
	err := tx.InsertBlacklist(ctx, domain.BlacklistEntry{
		TicketID:  old.ID,
		EventID:   old.EventID,
		Reason:    "superseded by resale to ticket " + next.ID.String(),
		CreatedAt: now,
	})
	if err != nil {
		return domain.Ticket{}, errors.Wrap(err, "blacklist superseded ticket")
	}
	return next, nil
}
