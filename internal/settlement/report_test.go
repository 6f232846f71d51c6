package settlement

import (
	"context"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRevenueReport(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := h.seedEvent(t, domain.EventAccepted)
	a := h.seedReceiver(t, ev, "a@example.com", "60", domain.ApprovalApproved)
	h.seedReceiver(t, ev, "b@example.com", "40", domain.ApprovalApproved)

	first := h.seedPaidPurchase(t, ev, 100000)
	h.seedPaidPurchase(t, ev, 50001)
	_, err := h.engine.Settle(ctx, first.ID)
	require.NoError(t, err)

	rep, err := h.engine.RevenueReport(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.PaidOrders)
	assert.Equal(t, int64(150001), rep.Gross)
	// 2.5% of 50001 floors to 1250.
	assert.Equal(t, int64(3750), rep.PlatformFees)
	assert.Equal(t, int64(146251), rep.EscrowedNet)
	assert.Equal(t, 1, rep.IncompleteOrders)

	require.Len(t, rep.Receivers, 2)
	assert.Equal(t, a.ID, rep.Receivers[0].ReceiverID)
	assert.Equal(t, int64(87750), rep.Receivers[0].ExpectedShare)
	assert.Equal(t, int64(58500), rep.Receivers[1].ExpectedShare)
	assert.LessOrEqual(t, rep.Receivers[0].ExpectedShare+rep.Receivers[1].ExpectedShare, rep.EscrowedNet)
}

func TestRevenueReport_UnknownEvent(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.RevenueReport(context.Background(), uuid.New())
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
