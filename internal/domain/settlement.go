package domain

import (
	"time"

	"github.com/google/uuid"
)

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepStarted   StepStatus = "STARTED"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepUnknown   StepStatus = "UNKNOWN"
)

// SettlementStep is one named unit of a settlement saga, keyed by (OrderID, Name).
type SettlementStep struct {
	OrderID        uuid.UUID  `json:"order_id"`
	Name           string     `json:"name"`
	Status         StepStatus `json:"status"`
	IdempotencyKey string     `json:"idempotency_key"`
	Ref            string     `json:"ref,omitempty"`
	Attempts       int        `json:"attempts"`
	LastError      string     `json:"last_error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
