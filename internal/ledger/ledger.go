// Package ledger is the client side of the external value-transfer ledger.
package ledger

import (
	"context"
	"math/big"

	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/custodial"
	"github.com/shopspring/decimal"
)

// Receipt identifies an accepted ledger operation.
type Receipt struct {
	TxHash     string `json:"txHash"`
	AssetToken string `json:"assetToken,omitempty"`
}

type Balance struct {
	Amount    int64
	Withdrawn bool
}

// Ledger is the fixed operation set the settlement engine relies on. Every mutating
// call carries an idempotency key so that retries of the same step are deduplicated.
type Ledger interface {
	Mint(ctx context.Context, to string, amount int64, key string) (Receipt, error)
	Burn(ctx context.Context, amount int64, key string) (Receipt, error)
	EscrowTransfer(ctx context.Context, eventID uuid.UUID, owner string, amount int64, assetRef, key string) (Receipt, error)
	Withdraw(ctx context.Context, eventID uuid.UUID, id custodial.Identity, payoutTarget, key string) (Receipt, error)
	BalanceOf(ctx context.Context, eventID uuid.UUID, address string) (Balance, error)
	CompleteEvent(ctx context.Context, eventID uuid.UUID) (Receipt, error)
	ActivateEvent(ctx context.Context, eventID uuid.UUID, addresses []string, basisPoints []int64) (Receipt, error)
	ClaimAsset(ctx context.Context, assetToken, owner, wallet string) (Receipt, error)
}

// BasisPoints converts a percentage to integer basis points, flooring any remainder.
func BasisPoints(percent decimal.Decimal) int64 {
	return percent.Mul(decimal.NewFromInt(100)).Floor().IntPart()
}

var weiPerUnit = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// ToBaseUnits scales a currency amount to the ledger's 18-decimal representation.
func ToBaseUnits(amount int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(amount), weiPerUnit)
}

// FromBaseUnits truncates an 18-decimal ledger amount back to currency units.
func FromBaseUnits(v *big.Int) int64 {
	if v == nil {
		return 0
	}
	return new(big.Int).Quo(v, weiPerUnit).Int64()
}
