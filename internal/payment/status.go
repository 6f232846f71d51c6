package payment

import "strings"

// Status is the processor outcome as the order state machine understands it.
type Status int

const (
	StatusPending Status = iota
	StatusPaid
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPaid:
		return "PAID"
	case StatusFailed:
		return "FAILED"
	default:
		return "PENDING"
	}
}

// MapStatus translates the processor's transaction_status/fraud_status pair.
// Anything it does not recognise stays PENDING, so an unknown status never settles or fails an order.
func MapStatus(transactionStatus, fraudStatus string) Status {
	switch strings.ToLower(strings.TrimSpace(transactionStatus)) {
	case "capture":
		if strings.EqualFold(strings.TrimSpace(fraudStatus), "accept") {
			return StatusPaid
		}
		return StatusPending
	case "settlement":
		return StatusPaid
	case "cancel", "deny", "expire", "failure":
		return StatusFailed
	default:
		return StatusPending
	}
}
