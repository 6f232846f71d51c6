// Package payouttest records bank transfers instead of sending them.
package payouttest

import (
	"context"
	"sync"

	"github.com/robertarktes/ticket-settlement/internal/payout"
)

type Fake struct {
	mu        sync.Mutex
	transfers []payout.Transfer
	Err       error
}

func New() *Fake {
	return &Fake{}
}

func (f *Fake) Transfer(_ context.Context, t payout.Transfer) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return "", f.Err
	}
	f.transfers = append(f.transfers, t)
	return "payout-" + t.Reference, nil
}

func (f *Fake) Transfers() []payout.Transfer {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]payout.Transfer(nil), f.transfers...)
}
