package settlement

import (
	"math/rand"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/shopspring/decimal"
)

func testFees() FeeSchedule {
	return FeeSchedule{
		PlatformPercent: decimal.RequireFromString("2.5"),
		ResalePercent:   decimal.RequireFromString("7.5"),
	}
}

func TestSplit_Examples(t *testing.T) {
	tests := []struct {
		gross int64
		kind  domain.OrderKind
		want  domain.FeeBreakdown
	}{
		{100000, domain.OrderKindPurchase, domain.FeeBreakdown{Gross: 100000, PlatformFee: 2500, NetAmount: 97500}},
		{100000, domain.OrderKindResale, domain.FeeBreakdown{Gross: 100000, PlatformFee: 2500, ResaleFee: 7500, NetAmount: 90000}},
		{99, domain.OrderKindPurchase, domain.FeeBreakdown{Gross: 99, PlatformFee: 2, NetAmount: 97}},
		{99, domain.OrderKindResale, domain.FeeBreakdown{Gross: 99, PlatformFee: 2, ResaleFee: 7, NetAmount: 90}},
		{0, domain.OrderKindResale, domain.FeeBreakdown{}},
		{1, domain.OrderKindPurchase, domain.FeeBreakdown{Gross: 1, NetAmount: 1}},
	}
	for _, tt := range tests {
		got, err := testFees().Split(tt.gross, tt.kind)
		if err != nil {
			t.Fatalf("Split(%d, %s): %v", tt.gross, tt.kind, err)
		}
		if got != tt.want {
			t.Errorf("Split(%d, %s) = %+v, want %+v", tt.gross, tt.kind, got, tt.want)
		}
	}
}

func TestSplit_PartsSumToGross(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	schedules := []FeeSchedule{
		testFees(),
		{PlatformPercent: decimal.RequireFromString("3.333"), ResalePercent: decimal.RequireFromString("11.11")},
		{PlatformPercent: decimal.Zero, ResalePercent: decimal.Zero},
	}
	for _, f := range schedules {
		for i := 0; i < 2000; i++ {
			gross := r.Int63n(1_000_000_000)
			p, err := f.Split(gross, domain.OrderKindPurchase)
			if err != nil {
				t.Fatal(err)
			}
			if p.PlatformFee+p.NetAmount != gross || p.ResaleFee != 0 || p.PlatformFee < 0 {
				t.Fatalf("purchase split of %d does not add up: %+v", gross, p)
			}
			rs, err := f.Split(gross, domain.OrderKindResale)
			if err != nil {
				t.Fatal(err)
			}
			if rs.ResaleFee+rs.PlatformFee+rs.NetAmount != gross || rs.NetAmount < 0 {
				t.Fatalf("resale split of %d does not add up: %+v", gross, rs)
			}
		}
	}
}

func TestSplit_Rejects(t *testing.T) {
	if _, err := testFees().Split(-1, domain.OrderKindPurchase); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error for negative gross, got %v", err)
	}
	if _, err := testFees().Split(10, "GIFT"); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("expected validation error for unknown kind, got %v", err)
	}
}
