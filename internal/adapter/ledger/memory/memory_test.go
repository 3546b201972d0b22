package memory

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zakuro-ai/mesh/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func seeded(t *testing.T, userID, balance string) *Ledger {
	t.Helper()
	l := New()
	_, err := l.Add(context.Background(), userID, dec(balance), "seed")
	require.NoError(t, err)
	return l
}

// sumDeltas checks the core ledger invariant: balance equals the sum of all
// deltas.
func sumDeltas(t *testing.T, l *Ledger, userID string) decimal.Decimal {
	t.Helper()
	entries, err := l.History(context.Background(), userID, 0)
	require.NoError(t, err)
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Delta)
	}
	return total
}

func TestGetUserLazyCreation(t *testing.T) {
	l := New()
	u, err := l.GetUser(context.Background(), "new-user")
	require.NoError(t, err)
	assert.Equal(t, "new-user", u.UserID)
	assert.True(t, u.Balance.IsZero())
}

func TestReserveDebitsEffectiveBalance(t *testing.T) {
	l := seeded(t, "u1", "10")
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "u1", dec("4"), "c1"))
	bal, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, bal.Equal(dec("6")), "got %s", bal)

	// A second reserve sees the held amount gone.
	err = l.Reserve(ctx, "u1", dec("7"), "c2")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
}

func TestReserveInsufficient(t *testing.T) {
	l := seeded(t, "u2", "0.001")
	err := l.Reserve(context.Background(), "u2", dec("0.01"), "c1")
	assert.ErrorIs(t, err, domain.ErrInsufficientCredits)
}

func TestReserveDuplicateCorrelation(t *testing.T) {
	l := seeded(t, "u1", "10")
	ctx := context.Background()
	require.NoError(t, l.Reserve(ctx, "u1", dec("1"), "c1"))
	err := l.Reserve(ctx, "u1", dec("1"), "c1")
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestReserveThenRefundLeavesBalanceUnchanged(t *testing.T) {
	l := seeded(t, "u1", "10")
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "u1", dec("3"), "c1"))
	require.NoError(t, l.Refund(ctx, "c1"))

	bal, _ := l.Balance(ctx, "u1")
	assert.True(t, bal.Equal(dec("10")), "got %s", bal)
	assert.True(t, sumDeltas(t, l, "u1").Equal(dec("10")))
}

func TestReserveThenSettleDebitsExactlyActual(t *testing.T) {
	l := seeded(t, "u1", "10")
	ctx := context.Background()

	require.NoError(t, l.Reserve(ctx, "u1", dec("0.008"), "c1"))
	remaining, err := l.Settle(ctx, "c1", dec("0.002"))
	require.NoError(t, err)
	assert.True(t, remaining.Equal(dec("9.998")), "got %s", remaining)

	u, _ := l.GetUser(ctx, "u1")
	assert.True(t, u.TotalSpent.Equal(dec("0.002")))
	assert.True(t, sumDeltas(t, l, "u1").Equal(dec("9.998")))
}

func TestSettleAboveReservedRejected(t *testing.T) {
	l := seeded(t, "u1", "10")
	ctx := context.Background()
	require.NoError(t, l.Reserve(ctx, "u1", dec("1"), "c1"))
	_, err := l.Settle(ctx, "c1", dec("2"))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSettleMissingReservation(t *testing.T) {
	l := New()
	_, err := l.Settle(context.Background(), "nope", dec("1"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSettleTwiceFails(t *testing.T) {
	l := seeded(t, "u1", "10")
	ctx := context.Background()
	require.NoError(t, l.Reserve(ctx, "u1", dec("1"), "c1"))
	_, err := l.Settle(ctx, "c1", dec("1"))
	require.NoError(t, err)
	_, err = l.Settle(ctx, "c1", dec("1"))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRefundAfterSettleFails(t *testing.T) {
	l := seeded(t, "u1", "10")
	ctx := context.Background()
	require.NoError(t, l.Reserve(ctx, "u1", dec("1"), "c1"))
	_, err := l.Settle(ctx, "c1", dec("1"))
	require.NoError(t, err)
	assert.ErrorIs(t, l.Refund(ctx, "c1"), domain.ErrConflict)
}

func TestHistoryNewestFirst(t *testing.T) {
	l := New()
	ctx := context.Background()
	_, err := l.Add(ctx, "u1", dec("1"), "first")
	require.NoError(t, err)
	_, err = l.Add(ctx, "u1", dec("2"), "second")
	require.NoError(t, err)

	entries, err := l.History(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "second", entries[0].Reason)
}

func TestExpireReservationsSweepsOnce(t *testing.T) {
	l := seeded(t, "u1", "10")
	ctx := context.Background()
	base := time.Now()
	l.now = func() time.Time { return base }

	require.NoError(t, l.Reserve(ctx, "u1", dec("2"), "stale"))

	l.now = func() time.Time { return base.Add(10 * time.Minute) }
	n, err := l.ExpireReservations(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	bal, _ := l.Balance(ctx, "u1")
	assert.True(t, bal.Equal(dec("10")))

	// Second sweep finds nothing; a late settle loses the race.
	n, err = l.ExpireReservations(ctx, base.Add(5*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	_, err = l.Settle(ctx, "stale", dec("1"))
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestExpireReservationsSkipsFresh(t *testing.T) {
	l := seeded(t, "u1", "10")
	ctx := context.Background()
	require.NoError(t, l.Reserve(ctx, "u1", dec("2"), "fresh"))
	n, err := l.ExpireReservations(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestAddNegativeRejected(t *testing.T) {
	l := New()
	_, err := l.Add(context.Background(), "u1", dec("-1"), "bad")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestSetRateLimit(t *testing.T) {
	l := New()
	ctx := context.Background()
	l.SetRateLimit(ctx, "u1", 5)
	u, err := l.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, u.RateLimitRPS)
}
