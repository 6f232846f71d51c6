package settlement

import (
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FeeSchedule holds the configured fee percentages.
type FeeSchedule struct {
	PlatformPercent decimal.Decimal
	ResalePercent   decimal.Decimal
}

// Split floors every fee to the smallest currency unit; the net amount absorbs the
// remainder, so the parts always sum to gross exactly.
func (f FeeSchedule) Split(gross int64, kind domain.OrderKind) (domain.FeeBreakdown, error) {
	if gross < 0 {
		return domain.FeeBreakdown{}, domain.Validationf("gross amount %d is negative", gross)
	}
	g := decimal.NewFromInt(gross)
	out := domain.FeeBreakdown{
		Gross:       gross,
		PlatformFee: percentOf(g, f.PlatformPercent),
	}
	switch kind {
	case domain.OrderKindPurchase:
	case domain.OrderKindResale:
		out.ResaleFee = percentOf(g, f.ResalePercent)
	default:
		return domain.FeeBreakdown{}, domain.Validationf("unknown order kind %q", kind)
	}
	out.NetAmount = gross - out.PlatformFee - out.ResaleFee
	if out.NetAmount < 0 {
		return domain.FeeBreakdown{}, domain.Validationf("fees exceed gross amount %d", gross)
	}
	return out, nil
}

func percentOf(amount, percent decimal.Decimal) int64 {
	return amount.Mul(percent).Div(hundred).Floor().IntPart()
}
