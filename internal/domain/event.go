package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type EventStatus string

const (
	EventDraft           EventStatus = "DRAFT"
	EventPendingApproval EventStatus = "PENDING_APPROVAL"
	EventAccepted        EventStatus = "ACCEPTED"
	EventRejected        EventStatus = "REJECTED"
	EventCompleted       EventStatus = "COMPLETED"
)

type Event struct {
	ID        uuid.UUID
	Creator   string
	Name      string
	Venue     string
	StartsAt  time.Time
	EndsAt    time.Time
	Status    EventStatus
	CreatedAt time.Time
}

type TicketType struct {
	ID        uuid.UUID
	EventID   uuid.UUID
	Name      string
	Price     int64
	Stock     int
	Sold      int
	SaleStart time.Time
	SaleEnd   time.Time
}

func (tt TicketType) Remaining() int {
	if tt.Sold >= tt.Stock {
		return 0
	}
	return tt.Stock - tt.Sold
}

// OnSale reports whether now falls inside [SaleStart, SaleEnd].
func (tt TicketType) OnSale(now time.Time) bool {
	return !now.Before(tt.SaleStart) && !now.After(tt.SaleEnd)
}

type ApprovalStatus string

const (
	ApprovalPending  ApprovalStatus = "PENDING"
	ApprovalApproved ApprovalStatus = "APPROVED"
	ApprovalRejected ApprovalStatus = "REJECTED"
)

type RevenueReceiver struct {
	ID             uuid.UUID
	EventID        uuid.UUID
	Email          string
	Percentage     decimal.Decimal
	ApprovalStatus ApprovalStatus
	BankAccount    string
	BankName       string
	AccountHolder  string
	LedgerAddress  string
	DecidedAt      *time.Time
}

func (r RevenueReceiver) HasBankDetails() bool {
	return r.BankAccount != "" && r.BankName != "" && r.AccountHolder != ""
}

type WithdrawalStatus string

const (
	WithdrawalPending    WithdrawalStatus = "PENDING"
	WithdrawalProcessing WithdrawalStatus = "PROCESSING"
	WithdrawalCompleted  WithdrawalStatus = "COMPLETED"
	WithdrawalFailed     WithdrawalStatus = "FAILED"
)

type Withdrawal struct {
	ID            uuid.UUID
	ReceiverID    uuid.UUID
	EventID       uuid.UUID
	Amount        int64
	Status        WithdrawalStatus
	LedgerTxHash  string
	BurnTxHash    string
	PayoutRef     string
	FailureStep   string
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}
