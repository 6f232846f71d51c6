package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Auditor mirrors security- and money-relevant outcomes to the audit trail.
type Auditor interface {
	LogEvent(ctx context.Context, action, actor string, data map[string]interface{}) error
}

type NopAuditor struct{}

func (NopAuditor) LogEvent(context.Context, string, string, map[string]interface{}) error {
	return nil
}

// AssetMetadata describes the ledger asset minted for a ticket.
type AssetMetadata struct {
	OrderID    uuid.UUID
	TicketID   uuid.UUID
	EventID    uuid.UUID
	EventName  string
	Venue      string
	StartsAt   time.Time
	Owner      string
	PDFVersion int
	Price      int64
}

// MetadataStore persists asset metadata and returns a stable reference to it.
// Storing the same order twice returns the same reference.
type MetadataStore interface {
	PutAssetMetadata(ctx context.Context, m AssetMetadata) (string, error)
}
