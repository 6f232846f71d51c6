package tickets

import (
	"context"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-settlement/internal/adapters/memory"
	"github.com/robertarktes/ticket-settlement/internal/domain"
	"github.com/robertarktes/ticket-settlement/internal/signature"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIssuer(t *testing.T) (*Issuer, *signature.Authority) {
	t.Helper()
	sig, err := signature.New("ticket-secret")
	require.NoError(t, err)
	return NewIssuer(sig, func() time.Time { return time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC) }), sig
}

func TestIssue(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	issuer, sig := newIssuer(t)
	tt := domain.TicketType{ID: uuid.New(), EventID: uuid.New(), Price: 100000, Stock: 10}

	var issued domain.Ticket
	require.NoError(t, store.WithTx(ctx, func(tx domain.Tx) (err error) {
		issued, err = issuer.Issue(ctx, tx, IssueRequest{TicketType: tt, OrderID: uuid.New(), Owner: "buyer@example.com", PurchasePrice: 100000})
		return err
	}))

	assert.Equal(t, 1, issued.PDFVersion)
	assert.True(t, issued.EligibleForResale)
	assert.Equal(t, tt.EventID, issued.EventID)
	assert.True(t, sig.Verify(issued.ID, issued.EventID, issued.Signature))
}

func TestReissueOnResale(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	issuer, sig := newIssuer(t)
	tt := domain.TicketType{ID: uuid.New(), EventID: uuid.New(), Price: 100000, Stock: 10}

	var old, next domain.Ticket
	require.NoError(t, store.WithTx(ctx, func(tx domain.Tx) (err error) {
		old, err = issuer.Issue(ctx, tx, IssueRequest{TicketType: tt, Owner: "seller@example.com", PurchasePrice: 100000})
		return err
	}))
	require.NoError(t, store.WithTx(ctx, func(tx domain.Tx) (err error) {
		next, err = issuer.ReissueOnResale(ctx, tx, ReissueRequest{Ticket: old, OrderID: uuid.New(), NewOwner: "buyer@example.com", PurchasePrice: 110000})
		return err
	}))

	assert.NotEqual(t, old.ID, next.ID)
	assert.NotEqual(t, old.Signature, next.Signature)
	assert.Equal(t, 2, next.PDFVersion)
	assert.False(t, next.EligibleForResale)
	assert.Equal(t, old.ID, next.PreviousTicketID)
	assert.True(t, sig.Verify(next.ID, next.EventID, next.Signature))

	require.NoError(t, store.WithTx(ctx, func(tx domain.Tx) error {
		blacklisted, err := tx.IsBlacklisted(ctx, old.ID)
		require.NoError(t, err)
		assert.True(t, blacklisted)

		stored, err := tx.GetTicket(ctx, old.ID)
		require.NoError(t, err)
		assert.Equal(t, next.ID, stored.SupersededBy)
		return nil
	}))

	err := store.WithTx(ctx, func(tx domain.Tx) error {
		_, err := issuer.ReissueOnResale(ctx, tx, ReissueRequest{Ticket: old, NewOwner: "other@example.com"})
		return err
	})
	assert.True(t, errors.Is(err, domain.ErrConflict), "a superseded ticket cannot be reissued twice")
}
