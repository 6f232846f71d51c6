package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Store runs units of work. Implementations commit fn's writes atomically or not at all
// and must never be held across a call to an external service.
type Store interface {
	WithTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
}

// Tx is the set of short conditional reads and writes available inside a unit of work.
// Conditional writes report a lost race as ErrConflict (or ErrSoldOut for stock).
type Tx interface {
	InsertOrder(ctx context.Context, o Order) error
	GetOrder(ctx context.Context, id uuid.UUID) (Order, error)
	SetOrderProcessorRef(ctx context.Context, id uuid.UUID, token, redirectURL string) error
	MarkOrderPaid(ctx context.Context, id uuid.UUID, at time.Time) error
	MarkOrderFailed(ctx context.Context, id uuid.UUID, reason string) error
	AttachTicket(ctx context.Context, orderID, ticketID uuid.UUID) error
	SetOrderSettlement(ctx context.Context, id uuid.UUID, status SettlementStatus, assetToken string) error
	ListOrdersBySettlement(ctx context.Context, status SettlementStatus, limit int) ([]Order, error)
	ListPaidOrdersByEvent(ctx context.Context, eventID uuid.UUID) ([]Order, error)

	InsertEvent(ctx context.Context, e Event) error
	GetEvent(ctx context.Context, id uuid.UUID) (Event, error)
	UpdateEventStatus(ctx context.Context, id uuid.UUID, from, to EventStatus) error
	InsertTicketType(ctx context.Context, tt TicketType) error
	GetTicketType(ctx context.Context, id uuid.UUID) (TicketType, error)
	IncrementSold(ctx context.Context, ticketTypeID uuid.UUID) error

	InsertTicket(ctx context.Context, t Ticket) error
	GetTicket(ctx context.Context, id uuid.UUID) (Ticket, error)
	ListTicketsByEvent(ctx context.Context, eventID uuid.UUID) ([]Ticket, error)
	SupersedeTicket(ctx context.Context, id, successor uuid.UUID) error
	MarkTicketUsed(ctx context.Context, id uuid.UUID, at time.Time) (bool, error)
	SetTicketAsset(ctx context.Context, id uuid.UUID, assetToken string) error
	SetTicketClaimed(ctx context.Context, id uuid.UUID, wallet string) error

	InsertBlacklist(ctx context.Context, e BlacklistEntry) error
	IsBlacklisted(ctx context.Context, ticketID uuid.UUID) (bool, error)
	ListBlacklist(ctx context.Context, eventID uuid.UUID) ([]BlacklistEntry, error)

	// AppendScanLog reports false when an offline entry with the same
	// (ticket, device, scannedAt) was already recorded.
	AppendScanLog(ctx context.Context, l ScanLog) (bool, error)
	ListScanLogs(ctx context.Context, ticketID uuid.UUID) ([]ScanLog, error)

	InsertListing(ctx context.Context, l ResaleListing) error
	GetListing(ctx context.Context, id uuid.UUID) (ResaleListing, error)
	UpdateListingStatus(ctx context.Context, id uuid.UUID, from, to ListingStatus, at time.Time) error

	InsertReceiver(ctx context.Context, r RevenueReceiver) error
	GetReceiver(ctx context.Context, id uuid.UUID) (RevenueReceiver, error)
	ListReceivers(ctx context.Context, eventID uuid.UUID) ([]RevenueReceiver, error)
	DecideReceiver(ctx context.Context, id uuid.UUID, status ApprovalStatus, at time.Time) error
	SetReceiverAddress(ctx context.Context, id uuid.UUID, address string) error

	InsertWithdrawal(ctx context.Context, w Withdrawal) error
	// ReopenWithdrawal moves a FAILED withdrawal back to PROCESSING so it can resume.
	ReopenWithdrawal(ctx context.Context, id uuid.UUID, at time.Time) error
	FinishWithdrawal(ctx context.Context, w Withdrawal) error
	ListWithdrawals(ctx context.Context, eventID uuid.UUID) ([]Withdrawal, error)

	GetSteps(ctx context.Context, orderID uuid.UUID) ([]SettlementStep, error)
	UpsertStep(ctx context.Context, s SettlementStep) error

	InsertOutbox(ctx context.Context, rec OutboxRecord) error
}
