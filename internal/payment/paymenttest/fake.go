// Package paymenttest fakes the hosted-payment session while keeping real notification checks.
package paymenttest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/payment"
)

const ServerKey = "test-server-key"

type Fake struct {
	*payment.MidtransClient

	mu      sync.Mutex
	charges []payment.Charge
	Err     error
}

func New() *Fake {
	return &Fake{MidtransClient: payment.NewMidtransClient("http://processor.invalid", ServerKey, nil)}
}

func (f *Fake) CreateTransaction(_ context.Context, c payment.Charge) (payment.Redirect, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return payment.Redirect{}, f.Err
	}
	f.charges = append(f.charges, c)
	token := "snap-" + c.OrderID.String()
	return payment.Redirect{Token: token, RedirectURL: "https://processor.invalid/" + token}, nil
}

func (f *Fake) Charges() []payment.Charge {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payment.Charge(nil), f.charges...)
}

// Notification builds a correctly signed processor callback body.
func Notification(orderID uuid.UUID, transactionStatus, fraudStatus string, amount int64) []byte {
	gross := fmt.Sprintf("%d.00", amount)
	body := map[string]string{
		"order_id":           orderID.String(),
		"status_code":        "200",
		"gross_amount":       gross,
		"transaction_id":     "tx-" + orderID.String(),
		"transaction_status": transactionStatus,
		"fraud_status":       fraudStatus,
		"signature_key":      payment.NotificationSignature(orderID.String(), "200", gross, ServerKey),
	}
	raw, _ := json.Marshal(body)
	return raw
}
