// Package postgres persists the credit ledger in PostgreSQL.
//
// Balances are stored as micro-credit integers (fixed point 10^-6) in a
// users table, with an append-only ledger table recording every delta.
// Reservation rows carry a state column (held/settled/refunded) updated in
// place when the hold resolves.
package postgres

import (
	"context"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
)

// NewPool creates a pgx connection pool from the provided DSN. The initial
// connect is retried with exponential backoff so the broker survives the
// database coming up after it.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	cfg.MaxConns = 10
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.ConnConfig.Tracer = otelpgx.NewTracer()

	var pool *pgxpool.Pool
	expo := backoff.NewExponentialBackOff()
	expo.MaxElapsedTime = 30 * time.Second
	op := func() error {
		p, err := pgxpool.NewWithConfig(ctx, cfg)
		if err != nil {
			return err
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return err
		}
		pool = p
		return nil
	}
	if err := backoff.Retry(op, backoff.WithContext(expo, ctx)); err != nil {
		return nil, err
	}
	return pool, nil
}

// EnsureSchema creates the ledger tables when absent.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	const ddl = `
CREATE TABLE IF NOT EXISTS users (
	user_id         TEXT PRIMARY KEY,
	email           TEXT NOT NULL DEFAULT '',
	credits_balance BIGINT NOT NULL DEFAULT 0,
	total_spent     BIGINT NOT NULL DEFAULT 0,
	rate_limit_rps  INT NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS ledger (
	id             UUID PRIMARY KEY,
	ts             TIMESTAMPTZ NOT NULL,
	user_id        TEXT NOT NULL,
	delta          BIGINT NOT NULL,
	reason         TEXT NOT NULL,
	correlation_id TEXT NOT NULL DEFAULT '',
	state          TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS ledger_user_ts_idx ON ledger (user_id, ts DESC);
CREATE UNIQUE INDEX IF NOT EXISTS ledger_reserve_corr_idx ON ledger (correlation_id) WHERE reason = 'reserve';
`
	_, err := pool.Exec(ctx, ddl)
	return err
}
