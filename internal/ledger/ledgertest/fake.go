// Package ledgertest provides an in-memory Ledger for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/custodial"
	"github.com/robertarktes/ticket-settlement/internal/ledger"
)

const (
	OpMint          = "mint"
	OpBurn          = "burn"
	OpEscrow        = "escrowTransfer"
	OpWithdraw      = "withdraw"
	OpBalanceOf     = "balanceOf"
	OpCompleteEvent = "completeEvent"
	OpActivateEvent = "activateEvent"
	OpClaimAsset    = "claimAsset"
)

type Call struct {
	Op      string
	Key     string
	Address string
	Amount  int64
	EventID uuid.UUID
	Args    []string
	Shares  []int64
}

// Fake records every call. Errors set in Fail are returned (once if FailOnce is set)
// for the named operation.
type Fake struct {
	mu       sync.Mutex
	calls    []Call
	Fail     map[string]error
	FailOnce bool
	Balances map[string]ledger.Balance
}

func New() *Fake {
	return &Fake{Fail: map[string]error{}, Balances: map[string]ledger.Balance{}}
}

func (f *Fake) SetFailure(op string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Fail[op] = err
}

func (f *Fake) record(c Call) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.Fail[c.Op]; ok && err != nil {
		if f.FailOnce {
			delete(f.Fail, c.Op)
		}
		return err
	}
	f.calls = append(f.calls, c)
	return nil
}

func (f *Fake) Calls(op string) []Call {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Call
	for _, c := range f.calls {
		if op == "" || c.Op == op {
			out = append(out, c)
		}
	}
	return out
}

func (f *Fake) Mint(_ context.Context, to string, amount int64, key string) (ledger.Receipt, error) {
	if err := f.record(Call{Op: OpMint, Key: key, Address: to, Amount: amount}); err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{TxHash: "0xmint-" + key}, nil
}

func (f *Fake) Burn(_ context.Context, amount int64, key string) (ledger.Receipt, error) {
	if err := f.record(Call{Op: OpBurn, Key: key, Amount: amount}); err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{TxHash: "0xburn-" + key}, nil
}

func (f *Fake) EscrowTransfer(_ context.Context, eventID uuid.UUID, owner string, amount int64, assetRef, key string) (ledger.Receipt, error) {
	if err := f.record(Call{Op: OpEscrow, Key: key, Address: owner, Amount: amount, EventID: eventID, Args: []string{assetRef}}); err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{TxHash: "0xescrow-" + key, AssetToken: "asset-" + assetRef}, nil
}

func (f *Fake) Withdraw(_ context.Context, eventID uuid.UUID, id custodial.Identity, payoutTarget, key string) (ledger.Receipt, error) {
	if err := f.record(Call{Op: OpWithdraw, Key: key, Address: id.Address, EventID: eventID, Args: []string{payoutTarget}}); err != nil {
		return ledger.Receipt{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	b := f.Balances[balanceKey(eventID, id.Address)]
	b.Withdrawn = true
	f.Balances[balanceKey(eventID, id.Address)] = b
	return ledger.Receipt{TxHash: "0xwithdraw-" + key}, nil
}

func (f *Fake) BalanceOf(_ context.Context, eventID uuid.UUID, address string) (ledger.Balance, error) {
	if err := f.record(Call{Op: OpBalanceOf, Address: address, EventID: eventID}); err != nil {
		return ledger.Balance{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Balances[balanceKey(eventID, address)], nil
}

func (f *Fake) SetBalance(eventID uuid.UUID, address string, b ledger.Balance) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Balances[balanceKey(eventID, address)] = b
}

func (f *Fake) CompleteEvent(_ context.Context, eventID uuid.UUID) (ledger.Receipt, error) {
	if err := f.record(Call{Op: OpCompleteEvent, EventID: eventID}); err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{TxHash: "0xcomplete"}, nil
}

func (f *Fake) ActivateEvent(_ context.Context, eventID uuid.UUID, addresses []string, basisPoints []int64) (ledger.Receipt, error) {
	if err := f.record(Call{Op: OpActivateEvent, EventID: eventID, Args: addresses, Shares: basisPoints}); err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{TxHash: "0xactivate"}, nil
}

func (f *Fake) ClaimAsset(_ context.Context, assetToken, owner, wallet string) (ledger.Receipt, error) {
	if err := f.record(Call{Op: OpClaimAsset, Address: owner, Args: []string{assetToken, wallet}}); err != nil {
		return ledger.Receipt{}, err
	}
	return ledger.Receipt{TxHash: "0xclaim"}, nil
}

func balanceKey(eventID uuid.UUID, address string) string {
	return fmt.Sprintf("%s/%s", eventID, address)
}
