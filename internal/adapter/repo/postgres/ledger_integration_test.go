package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/zakuro-ai/mesh/internal/adapter/repo/postgres"
	"github.com/zakuro-ai/mesh/internal/domain"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// startPostgres spins up a throwaway Postgres and returns a ready LedgerRepo.
func startPostgres(t *testing.T) *postgres.LedgerRepo {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "zakuro"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/zakuro?sslmode=disable"
	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, postgres.EnsureSchema(ctx, pool))
	return postgres.NewLedgerRepo(pool)
}

func TestLedgerRepoEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	repo := startPostgres(t)
	ctx := context.Background()

	_, err := repo.Add(ctx, "u1", dec("10"), "seed")
	require.NoError(t, err)

	bal, err := repo.Balance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("10")), "got %s", bal)

	// Reserve debits the effective balance.
	require.NoError(t, repo.Reserve(ctx, "u1", dec("0.008"), "c1"))
	bal, err = repo.Balance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("9.992")), "got %s", bal)

	// Duplicate correlation ids are rejected by the partial unique index.
	require.ErrorIs(t, repo.Reserve(ctx, "u1", dec("0.001"), "c1"), domain.ErrConflict)

	// Settle returns the unused difference and tracks total spent.
	remaining, err := repo.Settle(ctx, "c1", dec("0.002"))
	require.NoError(t, err)
	require.True(t, remaining.Equal(dec("9.998")), "got %s", remaining)

	u, err := repo.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.True(t, u.TotalSpent.Equal(dec("0.002")), "got %s", u.TotalSpent)

	// A resolved reservation cannot be settled or refunded again.
	_, err = repo.Settle(ctx, "c1", dec("0.001"))
	require.ErrorIs(t, err, domain.ErrConflict)
	require.ErrorIs(t, repo.Refund(ctx, "c1"), domain.ErrConflict)

	// Refund restores the full hold.
	require.NoError(t, repo.Reserve(ctx, "u1", dec("1"), "c2"))
	require.NoError(t, repo.Refund(ctx, "c2"))
	bal, err = repo.Balance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, bal.Equal(dec("9.998")), "got %s", bal)

	// Insufficient credits fail without side effects.
	require.ErrorIs(t, repo.Reserve(ctx, "u1", dec("100"), "c3"), domain.ErrInsufficientCredits)

	// Sweeper refunds stale holds exactly once.
	require.NoError(t, repo.Reserve(ctx, "u1", dec("2"), "stale"))
	time.Sleep(20 * time.Millisecond)
	swept, err := repo.ExpireReservations(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 1, swept)
	swept, err = repo.ExpireReservations(ctx, time.Now())
	require.NoError(t, err)
	require.Equal(t, 0, swept)
	_, err = repo.Settle(ctx, "stale", dec("1"))
	require.ErrorIs(t, err, domain.ErrConflict)

	// History is newest first; the sum of deltas equals the balance.
	entries, err := repo.History(ctx, "u1", 50)
	require.NoError(t, err)
	require.NotEmpty(t, entries)
	total := decimal.Zero
	for _, e := range entries {
		total = total.Add(e.Delta)
	}
	bal, err = repo.Balance(ctx, "u1")
	require.NoError(t, err)
	require.True(t, total.Equal(bal), "sum(deltas)=%s balance=%s", total, bal)
}

func TestLedgerRepoLazyUserCreation(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	repo := startPostgres(t)
	u, err := repo.GetUser(context.Background(), "fresh")
	require.NoError(t, err)
	require.Equal(t, "fresh", u.UserID)
	require.True(t, u.Balance.IsZero())
}
