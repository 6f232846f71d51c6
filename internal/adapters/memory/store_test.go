package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithTx_RollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := uuid.New()

	boom := errors.New("boom")
	err := s.WithTx(ctx, func(tx domain.Tx) error {
		if err := tx.InsertOrder(ctx, domain.Order{ID: id, PaymentStatus: domain.PaymentPending}); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	err = s.WithTx(ctx, func(tx domain.Tx) error {
		_, err := tx.GetOrder(ctx, id)
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestIncrementSold_NeverExceedsStock(t *testing.T) {
	ctx := context.Background()
	s := New()
	ttID := uuid.New()
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error {
		return tx.InsertTicketType(ctx, domain.TicketType{ID: ttID, Stock: 3})
	}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	sold, soldOut := 0, 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithTx(ctx, func(tx domain.Tx) error { return tx.IncrementSold(ctx, ttID) })
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				sold++
			} else if errors.Is(err, domain.ErrSoldOut) {
				soldOut++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 3, sold)
	assert.Equal(t, 7, soldOut)
}

func TestMarkTicketUsed_CompareAndSet(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := uuid.New()
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error {
		return tx.InsertTicket(ctx, domain.Ticket{ID: id})
	}))

	var first, second bool
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) (err error) {
		first, err = tx.MarkTicketUsed(ctx, id, time.Now())
		return err
	}))
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) (err error) {
		second, err = tx.MarkTicketUsed(ctx, id, time.Now())
		return err
	}))
	assert.True(t, first)
	assert.False(t, second)
}

func TestAppendScanLog_DedupesOfflineOnly(t *testing.T) {
	ctx := context.Background()
	s := New()
	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	offline := domain.ScanLog{ID: uuid.New(), TicketID: uuid.New(), Device: "gate-1", Source: domain.ScanOffline, ScannedAt: at}

	var results []bool
	for i := 0; i < 2; i++ {
		require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error {
			ok, err := tx.AppendScanLog(ctx, offline)
			results = append(results, ok)
			return err
		}))
	}
	assert.Equal(t, []bool{true, false}, results)

	online := offline
	online.Source = domain.ScanOnline
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error {
		ok, err := tx.AppendScanLog(ctx, online)
		assert.True(t, ok)
		return err
	}))
}

func TestInsertWithdrawal_OneOpenPerReceiver(t *testing.T) {
	ctx := context.Background()
	s := New()
	receiverID := uuid.New()
	first := domain.Withdrawal{ID: uuid.New(), ReceiverID: receiverID, Status: domain.WithdrawalProcessing}

	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error { return tx.InsertWithdrawal(ctx, first) }))
	err := s.WithTx(ctx, func(tx domain.Tx) error {
		return tx.InsertWithdrawal(ctx, domain.Withdrawal{ID: uuid.New(), ReceiverID: receiverID, Status: domain.WithdrawalProcessing})
	})
	assert.True(t, errors.Is(err, domain.ErrConflict))

	first.Status = domain.WithdrawalFailed
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error { return tx.FinishWithdrawal(ctx, first) }))
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error {
		return tx.InsertWithdrawal(ctx, domain.Withdrawal{ID: uuid.New(), ReceiverID: receiverID, Status: domain.WithdrawalProcessing})
	}))
}

func TestReopenWithdrawal_OnlyFailedAndAlone(t *testing.T) {
	ctx := context.Background()
	s := New()
	receiverID := uuid.New()
	w := domain.Withdrawal{ID: uuid.New(), ReceiverID: receiverID, Status: domain.WithdrawalProcessing, Amount: 500}
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error { return tx.InsertWithdrawal(ctx, w) }))

	err := s.WithTx(ctx, func(tx domain.Tx) error { return tx.ReopenWithdrawal(ctx, w.ID, time.Now()) })
	assert.True(t, errors.Is(err, domain.ErrConflict), "still processing")

	w.Status, w.FailureStep, w.LedgerTxHash = domain.WithdrawalFailed, "bank_payout", "0xabc"
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error { return tx.FinishWithdrawal(ctx, w) }))
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error { return tx.ReopenWithdrawal(ctx, w.ID, time.Now()) }))

	var got []domain.Withdrawal
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) (err error) {
		got, err = tx.ListWithdrawals(ctx, uuid.Nil)
		return err
	}))
	require.Len(t, got, 1)
	assert.Equal(t, domain.WithdrawalProcessing, got[0].Status)
	assert.Empty(t, got[0].FailureStep)
	assert.Equal(t, "0xabc", got[0].LedgerTxHash)

	err = s.WithTx(ctx, func(tx domain.Tx) error { return tx.ReopenWithdrawal(ctx, uuid.New(), time.Now()) })
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestOutbox(t *testing.T) {
	ctx := context.Background()
	s := New()
	rec := domain.OutboxRecord{ID: uuid.New(), EventType: "ticket.issued"}
	require.NoError(t, s.WithTx(ctx, func(tx domain.Tx) error { return tx.InsertOutbox(ctx, rec) }))

	pending, err := s.GetUnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	require.NoError(t, s.MarkPublished(ctx, rec.ID, time.Now()))
	pending, err = s.GetUnpublishedOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
