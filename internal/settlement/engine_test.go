package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/adapters/memory"
	"github.com/robertarktes/ticket-settlement/internal/config"
	"github.com/robertarktes/ticket-settlement/internal/custodial"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/ledger"
	"github.com/robertarktes/ticket-settlement/internal/ledger/ledgertest"
	"github.com/robertarktes/ticket-settlement/internal/observability"
	"github.com/robertarktes/ticket-settlement/internal/payout"
	"github.com/robertarktes/ticket-settlement/internal/payout/payouttest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const treasury = "0x00000000000000000000000000000000000000aa"

type harness struct {
	store    *memory.Store
	ledger   *ledgertest.Fake
	payouts  *payouttest.Fake
	meta     *memory.MetadataStore
	resolver *custodial.Resolver
	engine   *Engine
}

func newHarness(t *testing.T, mutate ...func(*Config)) *harness {
	t.Helper()
	resolver, err := custodial.NewResolver("custodial-test-secret")
	require.NoError(t, err)
	h := &harness{
		store:    memory.New(),
		ledger:   ledgertest.New(),
		payouts:  payouttest.New(),
		meta:     memory.NewMetadataStore(),
		resolver: resolver,
	}
	cfg := Config{
		Fees:             testFees(),
		TreasuryAddress:  treasury,
		PlatformTransfer: config.TransferDirect,
		PlatformAccount:  payout.BankAccount{Number: "0001", Bank: "BCA", Holder: "Platform"},
		StepTimeout:      time.Second,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h.engine = NewEngine(h.store, h.ledger, h.payouts, resolver, h.meta, observability.NewNopLogger(), cfg)
	return h
}

func (h *harness) seedEvent(t *testing.T, status domain.EventStatus) domain.Event {
	t.Helper()
	ev := domain.Event{
		ID:       uuid.New(),
		Creator:  "creator@example.com",
		Name:     "Jazz Night",
		Venue:    "Hall A",
		StartsAt: time.Now().Add(48 * time.Hour),
		EndsAt:   time.Now().Add(52 * time.Hour),
		Status:   status,
	}
	require.NoError(t, h.store.WithTx(context.Background(), func(tx domain.Tx) error {
		return tx.InsertEvent(context.Background(), ev)
	}))
	return ev
}

// seedPaidPurchase stores a paid purchase with its issued ticket, as the payment
// notification path leaves it.
func (h *harness) seedPaidPurchase(t *testing.T, ev domain.Event, gross int64) domain.Order {
	t.Helper()
	ctx := context.Background()
	fees, err := testFees().Split(gross, domain.OrderKindPurchase)
	require.NoError(t, err)
	paidAt := time.Now()
	order := domain.Order{
		ID:               uuid.New(),
		Kind:             domain.OrderKindPurchase,
		Buyer:            "buyer@example.com",
		EventID:          ev.ID,
		TicketTypeID:     uuid.New(),
		Amount:           gross,
		PaymentStatus:    domain.PaymentPaid,
		SettlementStatus: domain.SettlementPending,
		Fees:             fees,
		CreatedAt:        paidAt,
		PaidAt:           &paidAt,
	}
	ticket := domain.Ticket{
		ID:                uuid.New(),
		TicketTypeID:      order.TicketTypeID,
		EventID:           ev.ID,
		OrderID:           order.ID,
		Owner:             order.Buyer,
		PurchasePrice:     gross,
		PDFVersion:        1,
		EligibleForResale: true,
	}
	order.TicketID = ticket.ID
	require.NoError(t, h.store.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		return tx.InsertTicket(ctx, ticket)
	}))
	return order
}

func (h *harness) order(t *testing.T, id uuid.UUID) domain.Order {
	t.Helper()
	var o domain.Order
	require.NoError(t, h.store.WithTx(context.Background(), func(tx domain.Tx) (err error) {
		o, err = tx.GetOrder(context.Background(), id)
		return err
	}))
	return o
}

func (h *harness) ticket(t *testing.T, id uuid.UUID) domain.Ticket {
	t.Helper()
	var tk domain.Ticket
	require.NoError(t, h.store.WithTx(context.Background(), func(tx domain.Tx) (err error) {
		tk, err = tx.GetTicket(context.Background(), id)
		return err
	}))
	return tk
}

func stepStatus(res Result, name string) domain.StepStatus {
	for _, s := range res.Steps {
		if s.Name == name {
			return s.Status
		}
	}
	return ""
}

func TestSettlePurchase_Completes(t *testing.T) {
	h := newHarness(t)
	ev := h.seedEvent(t, domain.EventAccepted)
	order := h.seedPaidPurchase(t, ev, 100000)

	res, err := h.engine.Settle(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementCompleted, res.Status)
	assert.False(t, res.NeedsOperator())
	assert.Equal(t, "asset-meta-"+order.ID.String(), res.AssetToken)

	mints := h.ledger.Calls(ledgertest.OpMint)
	require.Len(t, mints, 1)
	assert.Equal(t, treasury, mints[0].Address)
	assert.Equal(t, int64(97500), mints[0].Amount)
	assert.Equal(t, "order:"+order.ID.String()+":treasury_mint", mints[0].Key)

	escrows := h.ledger.Calls(ledgertest.OpEscrow)
	require.Len(t, escrows, 1)
	assert.Equal(t, ev.ID, escrows[0].EventID)
	assert.Equal(t, []string{"meta-" + order.ID.String()}, escrows[0].Args)

	transfers := h.payouts.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, int64(2500), transfers[0].Amount)
	assert.Equal(t, "BCA:0001", transfers[0].Account.String())

	md, ok := h.meta.Get(order.ID)
	require.True(t, ok)
	assert.Equal(t, "Jazz Night", md.EventName)

	stored := h.order(t, order.ID)
	assert.Equal(t, domain.SettlementCompleted, stored.SettlementStatus)
	assert.Equal(t, res.AssetToken, stored.AssetToken)
	assert.Equal(t, res.AssetToken, h.ticket(t, order.TicketID).AssetToken)
}

func TestSettle_CompletedOrderIsNotSettledAgain(t *testing.T) {
	h := newHarness(t)
	order := h.seedPaidPurchase(t, h.seedEvent(t, domain.EventAccepted), 50000)

	_, err := h.engine.Settle(context.Background(), order.ID)
	require.NoError(t, err)
	res, err := h.engine.Settle(context.Background(), order.ID)
	require.NoError(t, err)

	assert.Equal(t, domain.SettlementCompleted, res.Status)
	assert.Len(t, res.Steps, 4)
	assert.Len(t, h.ledger.Calls(ledgertest.OpMint), 1)
	assert.Len(t, h.ledger.Calls(ledgertest.OpEscrow), 1)
	assert.Len(t, h.payouts.Transfers(), 1)
}

func TestSettle_RejectsUnpaidOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := domain.Order{ID: uuid.New(), Kind: domain.OrderKindPurchase, PaymentStatus: domain.PaymentPending, Amount: 100}
	require.NoError(t, h.store.WithTx(ctx, func(tx domain.Tx) error { return tx.InsertOrder(ctx, order) }))

	_, err := h.engine.Settle(ctx, order.ID)
	assert.True(t, errors.Is(err, domain.ErrValidation))
	assert.Empty(t, h.ledger.Calls(""))
}

func TestSettle_FailedStepIsRetriedAlone(t *testing.T) {
	h := newHarness(t)
	h.ledger.FailOnce = true
	h.ledger.SetFailure(ledgertest.OpEscrow, errors.New("execution reverted"))
	order := h.seedPaidPurchase(t, h.seedEvent(t, domain.EventAccepted), 100000)

	res, err := h.engine.Settle(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementIncomplete, res.Status)
	assert.Equal(t, domain.StepFailed, stepStatus(res, StepEscrow))
	assert.Equal(t, domain.StepCompleted, stepStatus(res, StepTreasuryMint))
	assert.False(t, res.NeedsOperator())
	assert.Equal(t, domain.SettlementIncomplete, h.order(t, order.ID).SettlementStatus)

	incomplete, err := h.engine.Incomplete(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, incomplete, 1)
	assert.Equal(t, order.ID, incomplete[0].ID)

	res, err = h.engine.Settle(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementCompleted, res.Status)
	assert.Len(t, h.ledger.Calls(ledgertest.OpMint), 1)
	assert.Len(t, h.ledger.Calls(ledgertest.OpEscrow), 1)
	assert.Len(t, h.payouts.Transfers(), 1)

	steps, err := h.engine.Steps(context.Background(), order.ID)
	require.NoError(t, err)
	for _, s := range steps {
		want := 1
		if s.Name == StepEscrow {
			want = 2
		}
		assert.Equal(t, want, s.Attempts, s.Name)
	}
}

func TestSettle_DependentStepWaitsForMetadata(t *testing.T) {
	h := newHarness(t)
	h.meta.Err = errors.New("mongo unavailable")
	order := h.seedPaidPurchase(t, h.seedEvent(t, domain.EventAccepted), 100000)

	res, err := h.engine.Settle(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepFailed, stepStatus(res, StepAssetMetadata))
	assert.Equal(t, domain.StepPending, stepStatus(res, StepEscrow))
	assert.Empty(t, h.ledger.Calls(ledgertest.OpEscrow))

	h.meta.Err = nil
	res, err = h.engine.Settle(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementCompleted, res.Status)
}

// stallingLedger blocks escrow transfers until the call deadline while stall is set.
type stallingLedger struct {
	*ledgertest.Fake
	stall atomic.Bool
	calls atomic.Int32
}

func (l *stallingLedger) EscrowTransfer(ctx context.Context, eventID uuid.UUID, owner string, amount int64, assetRef, key string) (ledger.Receipt, error) {
	l.calls.Add(1)
	if l.stall.Load() {
		<-ctx.Done()
		return ledger.Receipt{}, ctx.Err()
	}
	return l.Fake.EscrowTransfer(ctx, eventID, owner, amount, assetRef, key)
}

func TestSettle_TimeoutNeedsOperatorReset(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.StepTimeout = 20 * time.Millisecond })
	stalling := &stallingLedger{Fake: h.ledger}
	stalling.stall.Store(true)
	h.engine.ledger = stalling
	order := h.seedPaidPurchase(t, h.seedEvent(t, domain.EventAccepted), 100000)
	ctx := context.Background()

	res, err := h.engine.Settle(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepUnknown, stepStatus(res, StepEscrow))
	assert.True(t, res.NeedsOperator())
	assert.Equal(t, domain.SettlementIncomplete, res.Status)

	// Unknown outcomes are never retried automatically.
	res, err = h.engine.Settle(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StepUnknown, stepStatus(res, StepEscrow))
	assert.Equal(t, int32(1), stalling.calls.Load())

	err = h.engine.ResetStep(ctx, order.ID, StepTreasuryMint)
	assert.True(t, errors.Is(err, domain.ErrConflict))
	err = h.engine.ResetStep(ctx, order.ID, "no_such_step")
	assert.True(t, errors.Is(err, domain.ErrNotFound))

	stalling.stall.Store(false)
	require.NoError(t, h.engine.ResetStep(ctx, order.ID, StepEscrow))
	res, err = h.engine.Settle(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementCompleted, res.Status)
	assert.Equal(t, int32(2), stalling.calls.Load())
}

func TestSettleResale_RoutesFeesAndCreditsSeller(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	ev := h.seedEvent(t, domain.EventAccepted)
	fees, err := testFees().Split(100000, domain.OrderKindResale)
	require.NoError(t, err)
	order := domain.Order{
		ID:            uuid.New(),
		Kind:          domain.OrderKindResale,
		Buyer:         "second@example.com",
		Seller:        "seller@example.com",
		EventID:       ev.ID,
		ListingID:     uuid.New(),
		Amount:        100000,
		PaymentStatus: domain.PaymentPaid,
		Fees:          fees,
	}
	require.NoError(t, h.store.WithTx(ctx, func(tx domain.Tx) error { return tx.InsertOrder(ctx, order) }))

	res, err := h.engine.Settle(ctx, order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementCompleted, res.Status)

	seller, err := h.resolver.Resolve("seller@example.com")
	require.NoError(t, err)
	mints := h.ledger.Calls(ledgertest.OpMint)
	require.Len(t, mints, 1)
	assert.Equal(t, seller.Address, mints[0].Address)
	assert.Equal(t, int64(90000), mints[0].Amount)

	transfers := h.payouts.Transfers()
	require.Len(t, transfers, 1)
	assert.Equal(t, int64(10000), transfers[0].Amount)
}

func TestSettle_HeldPlatformFee(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PlatformTransfer = config.TransferHeld })
	order := h.seedPaidPurchase(t, h.seedEvent(t, domain.EventAccepted), 100000)

	res, err := h.engine.Settle(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.SettlementCompleted, res.Status)
	assert.Empty(t, h.payouts.Transfers())
	for _, s := range res.Steps {
		if s.Name == StepPlatformFee {
			assert.Equal(t, "held:"+s.IdempotencyKey, s.Ref)
		}
	}
}

func TestAttachAsset_FollowsResaleChain(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	first := domain.Ticket{ID: uuid.New()}
	second := domain.Ticket{ID: uuid.New(), PreviousTicketID: first.ID}
	first.SupersededBy = second.ID
	require.NoError(t, h.store.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.InsertTicket(ctx, first); err != nil {
			return err
		}
		if err := tx.InsertTicket(ctx, second); err != nil {
			return err
		}
		return attachAsset(ctx, tx, first.ID, "asset-1")
	}))
	assert.Equal(t, "asset-1", h.ticket(t, first.ID).AssetToken)
	assert.Equal(t, "asset-1", h.ticket(t, second.ID).AssetToken)
}

func TestSettle_ConcurrentRunsStartEachStepOnce(t *testing.T) {
	h := newHarness(t)
	order := h.seedPaidPurchase(t, h.seedEvent(t, domain.EventAccepted), 100000)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = h.engine.Settle(context.Background(), order.ID)
		}()
	}
	wg.Wait()

	assert.Len(t, h.ledger.Calls(ledgertest.OpMint), 1)
	assert.Len(t, h.ledger.Calls(ledgertest.OpEscrow), 1)
	assert.Len(t, h.payouts.Transfers(), 1)
	assert.Equal(t, domain.SettlementCompleted, h.order(t, order.ID).SettlementStatus)
}
