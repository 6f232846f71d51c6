package domain

import (
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

type OrderKind string

const (
	OrderKindPurchase OrderKind = "PURCHASE"
	OrderKindResale   OrderKind = "RESALE"
)

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "PENDING"
	PaymentPaid    PaymentStatus = "PAID"
	PaymentFailed  PaymentStatus = "FAILED"
)

func (s PaymentStatus) Terminal() bool {
	return s == PaymentPaid || s == PaymentFailed
}

type SettlementStatus string

const (
	SettlementNone       SettlementStatus = "NONE"
	SettlementPending    SettlementStatus = "PENDING"
	SettlementCompleted  SettlementStatus = "COMPLETED"
	SettlementIncomplete SettlementStatus = "INCOMPLETE"
)

// Failure reasons recorded on orders that never reach PAID.
const (
	ReasonPaymentFailed      = "PAYMENT_FAILED"
	ReasonProcessorError     = "PROCESSOR_ERROR"
	ReasonSoldOut            = "SOLD_OUT_REFUND_REQUIRED"
	ReasonListingUnavailable = "LISTING_UNAVAILABLE_REFUND_REQUIRED"
)

// FeeBreakdown is owned by its order. Amounts are in the smallest currency unit.
type FeeBreakdown struct {
	Gross       int64 `json:"gross"`
	PlatformFee int64 `json:"platform_fee"`
	ResaleFee   int64 `json:"resale_fee"`
	NetAmount   int64 `json:"net_amount"`
}

type Order struct {
	ID               uuid.UUID
	Kind             OrderKind
	Buyer            string
	BuyerName        string
	EventID          uuid.UUID
	TicketTypeID     uuid.UUID
	ListingID        uuid.UUID
	Seller           string
	Amount           int64
	PaymentMethod    string
	PaymentStatus    PaymentStatus
	SettlementStatus SettlementStatus
	FailureReason    string
	ProcessorToken   string
	RedirectURL      string
	TicketID         uuid.UUID
	AssetToken       string
	Fees             FeeBreakdown
	CreatedAt        time.Time
	PaidAt           *time.Time
}

type OutboxRecord struct {
	ID            uuid.UUID
	AggregateType string
	AggregateID   uuid.UUID
	EventType     string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Status        string // NEW, PUBLISHED
	DedupeKey     string
}

const (
	OutboxNew       = "NEW"
	OutboxPublished = "PUBLISHED"
)

// NewOutboxRecord encodes payload as the body of a NEW outbox record. The dedupe key
// travels as the AMQP message id so consumers can drop redeliveries.
func NewOutboxRecord(aggregate string, id uuid.UUID, eventType string, payload interface{}) (OutboxRecord, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return OutboxRecord{}, errors.Wrap(err, "encode outbox payload")
	}
	return OutboxRecord{
		ID:            uuid.New(),
		AggregateType: aggregate,
		AggregateID:   id,
		EventType:     eventType,
		Payload:       body,
		CreatedAt:     time.Now().UTC(),
		Status:        OutboxNew,
		DedupeKey:     uuid.NewString(),
	}, nil
}
