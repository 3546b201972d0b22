package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"

	"github.com/zakuro-ai/mesh/internal/domain"
)

// PgxPool is the subset of *pgxpool.Pool the ledger uses. Tests stub it.
type PgxPool interface {
	Exec(ctx domain.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx domain.Context, sql string, args ...any) pgx.Row
	Query(ctx domain.Context, sql string, args ...any) (pgx.Rows, error)
	Begin(ctx domain.Context) (pgx.Tx, error)
	Ping(ctx domain.Context) error
}

// LedgerRepo implements domain.Ledger on PostgreSQL.
type LedgerRepo struct{ Pool PgxPool }

// NewLedgerRepo constructs a LedgerRepo with the given pool.
func NewLedgerRepo(p PgxPool) *LedgerRepo { return &LedgerRepo{Pool: p} }

// micro-credit fixed point conversions (10^-6)

func toMicros(d decimal.Decimal) int64 {
	return d.Shift(6).Round(0).IntPart()
}

func fromMicros(m int64) decimal.Decimal {
	return decimal.NewFromInt(m).Shift(-6)
}

// GetUser loads a user record, creating it lazily on first reference.
func (r *LedgerRepo) GetUser(ctx domain.Context, userID string) (domain.User, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.GetUser")
	defer span.End()
	q := `INSERT INTO users (user_id) VALUES ($1)
	      ON CONFLICT (user_id) DO UPDATE SET user_id = EXCLUDED.user_id
	      RETURNING user_id, COALESCE(email,''), credits_balance, total_spent, rate_limit_rps`
	row := r.Pool.QueryRow(ctx, q, userID)
	var u domain.User
	var balance, spent int64
	if err := row.Scan(&u.UserID, &u.Email, &balance, &spent, &u.RateLimitRPS); err != nil {
		return domain.User{}, fmt.Errorf("op=ledger.get_user: %w", err)
	}
	u.Balance = fromMicros(balance)
	u.TotalSpent = fromMicros(spent)
	return u, nil
}

// Balance returns the user's effective balance.
func (r *LedgerRepo) Balance(ctx domain.Context, userID string) (decimal.Decimal, error) {
	u, err := r.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// Reserve atomically places a hold: the user row is locked, the balance
// checked and debited, and a held reservation row appended, all in one
// transaction.
func (r *LedgerRepo) Reserve(ctx domain.Context, userID string, amount decimal.Decimal, correlationID string) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Reserve")
	defer span.End()
	if amount.IsNegative() {
		return fmt.Errorf("op=ledger.reserve amount=%s: %w", amount, domain.ErrInvalidArgument)
	}
	micros := toMicros(amount)
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=ledger.reserve begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `INSERT INTO users (user_id) VALUES ($1) ON CONFLICT DO NOTHING`, userID); err != nil {
		return fmt.Errorf("op=ledger.reserve ensure_user: %w", err)
	}
	var balance int64
	if err := tx.QueryRow(ctx, `SELECT credits_balance FROM users WHERE user_id=$1 FOR UPDATE`, userID).Scan(&balance); err != nil {
		return fmt.Errorf("op=ledger.reserve lock_user: %w", err)
	}
	if balance < micros {
		return fmt.Errorf("op=ledger.reserve user=%s need=%s have=%s: %w",
			userID, amount, fromMicros(balance), domain.ErrInsufficientCredits)
	}
	if _, err := tx.Exec(ctx, `UPDATE users SET credits_balance = credits_balance - $2 WHERE user_id=$1`, userID, micros); err != nil {
		return fmt.Errorf("op=ledger.reserve debit: %w", err)
	}
	_, err = tx.Exec(ctx,
		`INSERT INTO ledger (id, ts, user_id, delta, reason, correlation_id, state) VALUES ($1,$2,$3,$4,'reserve',$5,$6)`,
		uuid.New().String(), time.Now().UTC(), userID, -micros, correlationID, domain.ReservationHeld)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("op=ledger.reserve correlation_id=%s: %w", correlationID, domain.ErrConflict)
		}
		return fmt.Errorf("op=ledger.reserve insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ledger.reserve commit: %w", err)
	}
	return nil
}

// Settle finalizes a held reservation at the actual cost and returns the
// resulting balance. Settle on a missing or already resolved correlation id
// fails, which is what makes the sweeper race-safe.
func (r *LedgerRepo) Settle(ctx domain.Context, correlationID string, actual decimal.Decimal) (decimal.Decimal, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Settle")
	defer span.End()
	actualMicros := toMicros(actual)
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("op=ledger.settle begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	userID, reserved, err := lockReservation(ctx, tx, correlationID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("op=ledger.settle: %w", err)
	}
	if actualMicros > reserved {
		return decimal.Zero, fmt.Errorf("op=ledger.settle actual=%s reserved=%s: %w",
			actual, fromMicros(reserved), domain.ErrInvalidArgument)
	}
	diff := reserved - actualMicros
	if _, err := tx.Exec(ctx,
		`UPDATE ledger SET state=$2 WHERE correlation_id=$1 AND reason='reserve'`,
		correlationID, domain.ReservationSettled); err != nil {
		return decimal.Zero, fmt.Errorf("op=ledger.settle mark: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger (id, ts, user_id, delta, reason, correlation_id, state) VALUES ($1,$2,$3,$4,'settle',$5,$6)`,
		uuid.New().String(), time.Now().UTC(), userID, diff, correlationID, domain.ReservationSettled); err != nil {
		return decimal.Zero, fmt.Errorf("op=ledger.settle insert: %w", err)
	}
	var balance int64
	err = tx.QueryRow(ctx,
		`UPDATE users SET credits_balance = credits_balance + $2, total_spent = total_spent + $3 WHERE user_id=$1 RETURNING credits_balance`,
		userID, diff, actualMicros).Scan(&balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("op=ledger.settle credit: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return decimal.Zero, fmt.Errorf("op=ledger.settle commit: %w", err)
	}
	return fromMicros(balance), nil
}

// Refund returns the full reservation to the balance.
func (r *LedgerRepo) Refund(ctx domain.Context, correlationID string) error {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Refund")
	defer span.End()
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("op=ledger.refund begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if err := refundInTx(ctx, tx, correlationID); err != nil {
		return fmt.Errorf("op=ledger.refund: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("op=ledger.refund commit: %w", err)
	}
	return nil
}

// lockReservation fetches the held reserve row FOR UPDATE, returning the user
// and the held micro-amount. Resolved reservations map to ErrConflict,
// unknown ones to ErrNotFound.
func lockReservation(ctx domain.Context, tx pgx.Tx, correlationID string) (string, int64, error) {
	var userID, state string
	var delta int64
	err := tx.QueryRow(ctx,
		`SELECT user_id, delta, state FROM ledger WHERE correlation_id=$1 AND reason='reserve' FOR UPDATE`,
		correlationID).Scan(&userID, &delta, &state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, fmt.Errorf("correlation_id=%s: %w", correlationID, domain.ErrNotFound)
		}
		return "", 0, err
	}
	if state != domain.ReservationHeld {
		return "", 0, fmt.Errorf("correlation_id=%s state=%s: %w", correlationID, state, domain.ErrConflict)
	}
	return userID, -delta, nil
}

func refundInTx(ctx domain.Context, tx pgx.Tx, correlationID string) error {
	userID, reserved, err := lockReservation(ctx, tx, correlationID)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE ledger SET state=$2 WHERE correlation_id=$1 AND reason='reserve'`,
		correlationID, domain.ReservationRefunded); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger (id, ts, user_id, delta, reason, correlation_id, state) VALUES ($1,$2,$3,$4,'refund',$5,$6)`,
		uuid.New().String(), time.Now().UTC(), userID, reserved, correlationID, domain.ReservationRefunded); err != nil {
		return err
	}
	if _, err := tx.Exec(ctx,
		`UPDATE users SET credits_balance = credits_balance + $2 WHERE user_id=$1`,
		userID, reserved); err != nil {
		return err
	}
	return nil
}

// Add deposits credits; it always succeeds for non-negative amounts.
func (r *LedgerRepo) Add(ctx domain.Context, userID string, amount decimal.Decimal, description string) (domain.LedgerEntry, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.Add")
	defer span.End()
	if amount.IsNegative() {
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.add amount=%s: %w", amount, domain.ErrInvalidArgument)
	}
	micros := toMicros(amount)
	now := time.Now().UTC()
	tx, err := r.Pool.Begin(ctx)
	if err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.add begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	if _, err := tx.Exec(ctx,
		`INSERT INTO users (user_id, credits_balance) VALUES ($1,$2)
		 ON CONFLICT (user_id) DO UPDATE SET credits_balance = users.credits_balance + $2`,
		userID, micros); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.add credit: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger (id, ts, user_id, delta, reason) VALUES ($1,$2,$3,$4,$5)`,
		uuid.New().String(), now, userID, micros, description); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.add insert: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.add commit: %w", err)
	}
	return domain.LedgerEntry{Timestamp: now, UserID: userID, Delta: amount, Reason: description}, nil
}

// History returns the most recent ledger entries for a user, newest first.
func (r *LedgerRepo) History(ctx domain.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.History")
	defer span.End()
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.Pool.Query(ctx,
		`SELECT ts, user_id, delta, reason, COALESCE(correlation_id,''), COALESCE(state,'') FROM ledger WHERE user_id=$1 ORDER BY ts DESC LIMIT $2`,
		userID, limit)
	if err != nil {
		return nil, fmt.Errorf("op=ledger.history: %w", err)
	}
	defer rows.Close()
	var out []domain.LedgerEntry
	for rows.Next() {
		var e domain.LedgerEntry
		var micros int64
		if err := rows.Scan(&e.Timestamp, &e.UserID, &micros, &e.Reason, &e.CorrelationID, &e.State); err != nil {
			return nil, fmt.Errorf("op=ledger.history scan: %w", err)
		}
		e.Delta = fromMicros(micros)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ExpireReservations refunds held reservations created before olderThan.
// Each refund runs in its own transaction so one contended row cannot stall
// the sweep.
func (r *LedgerRepo) ExpireReservations(ctx domain.Context, olderThan time.Time) (int, error) {
	tracer := otel.Tracer("repo.ledger")
	ctx, span := tracer.Start(ctx, "ledger.ExpireReservations")
	defer span.End()
	rows, err := r.Pool.Query(ctx,
		`SELECT correlation_id FROM ledger WHERE reason='reserve' AND state=$1 AND ts < $2`,
		domain.ReservationHeld, olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("op=ledger.expire list: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("op=ledger.expire scan: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	swept := 0
	for _, id := range ids {
		// A settle racing ahead of us flips the state; that refund attempt
		// fails with ErrConflict and is simply skipped.
		if err := r.Refund(ctx, id); err == nil {
			swept++
		} else if !errors.Is(err, domain.ErrConflict) && !errors.Is(err, domain.ErrNotFound) {
			return swept, err
		}
	}
	return swept, nil
}

// Ping checks database connectivity.
func (r *LedgerRepo) Ping(ctx domain.Context) error { return r.Pool.Ping(ctx) }
