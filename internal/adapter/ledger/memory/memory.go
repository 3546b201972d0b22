// Package memory implements the credit ledger in process memory for
// local_mode brokers.
//
// Semantics match the Postgres ledger: reservations debit the effective
// balance immediately, settlement returns the unused difference, and the sum
// of a user's ledger deltas always equals the user's balance.
package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/zakuro-ai/mesh/internal/domain"
)

type account struct {
	balance      decimal.Decimal
	totalSpent   decimal.Decimal
	rateLimitRPS int
	entries      []domain.LedgerEntry
}

type reservation struct {
	userID    string
	amount    decimal.Decimal
	createdAt time.Time
	state     string
}

// Ledger is an in-memory domain.Ledger. All methods are safe for concurrent
// use.
type Ledger struct {
	mu           sync.Mutex
	users        map[string]*account
	reservations map[string]*reservation
	now          func() time.Time
}

// New constructs an empty in-memory ledger.
func New() *Ledger {
	return &Ledger{
		users:        make(map[string]*account),
		reservations: make(map[string]*reservation),
		now:          time.Now,
	}
}

// user records are created on first reference. Caller holds l.mu.
func (l *Ledger) account(userID string) *account {
	a, ok := l.users[userID]
	if !ok {
		a = &account{}
		l.users[userID] = a
	}
	return a
}

func (l *Ledger) append(a *account, e domain.LedgerEntry) {
	a.entries = append(a.entries, e)
}

// GetUser returns the user record, creating a zero-balance account lazily.
func (l *Ledger) GetUser(_ domain.Context, userID string) (domain.User, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(userID)
	return domain.User{
		UserID:       userID,
		Balance:      a.balance,
		TotalSpent:   a.totalSpent,
		RateLimitRPS: a.rateLimitRPS,
	}, nil
}

// Balance returns the user's effective balance (after holds).
func (l *Ledger) Balance(ctx domain.Context, userID string) (decimal.Decimal, error) {
	u, err := l.GetUser(ctx, userID)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// Reserve places a hold of amount under correlationID. Fails with
// ErrInsufficientCredits when the effective balance cannot cover it.
func (l *Ledger) Reserve(_ domain.Context, userID string, amount decimal.Decimal, correlationID string) error {
	if amount.IsNegative() {
		return fmt.Errorf("op=ledger.Reserve amount=%s: %w", amount, domain.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.reservations[correlationID]; exists {
		return fmt.Errorf("op=ledger.Reserve correlation_id=%s: %w", correlationID, domain.ErrConflict)
	}
	a := l.account(userID)
	if a.balance.LessThan(amount) {
		return fmt.Errorf("op=ledger.Reserve user=%s need=%s have=%s: %w",
			userID, amount, a.balance, domain.ErrInsufficientCredits)
	}
	a.balance = a.balance.Sub(amount)
	l.reservations[correlationID] = &reservation{
		userID:    userID,
		amount:    amount,
		createdAt: l.now(),
		state:     domain.ReservationHeld,
	}
	l.append(a, domain.LedgerEntry{
		Timestamp:     l.now(),
		UserID:        userID,
		Delta:         amount.Neg(),
		Reason:        "reserve",
		CorrelationID: correlationID,
		State:         domain.ReservationHeld,
	})
	return nil
}

// Settle finalizes a held reservation at actual cost, returning the unused
// difference to the balance. Settling a missing or already resolved
// reservation fails.
func (l *Ledger) Settle(_ domain.Context, correlationID string, actual decimal.Decimal) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[correlationID]
	if !ok {
		return decimal.Zero, fmt.Errorf("op=ledger.Settle correlation_id=%s: %w", correlationID, domain.ErrNotFound)
	}
	if res.state != domain.ReservationHeld {
		return decimal.Zero, fmt.Errorf("op=ledger.Settle correlation_id=%s state=%s: %w", correlationID, res.state, domain.ErrConflict)
	}
	if actual.GreaterThan(res.amount) {
		return decimal.Zero, fmt.Errorf("op=ledger.Settle actual=%s reserved=%s: %w", actual, res.amount, domain.ErrInvalidArgument)
	}
	a := l.account(res.userID)
	diff := res.amount.Sub(actual)
	a.balance = a.balance.Add(diff)
	a.totalSpent = a.totalSpent.Add(actual)
	res.state = domain.ReservationSettled
	l.append(a, domain.LedgerEntry{
		Timestamp:     l.now(),
		UserID:        res.userID,
		Delta:         diff,
		Reason:        "settle",
		CorrelationID: correlationID,
		State:         domain.ReservationSettled,
	})
	return a.balance, nil
}

// Refund returns the full reservation to the balance.
func (l *Ledger) Refund(_ domain.Context, correlationID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.refundLocked(correlationID)
}

func (l *Ledger) refundLocked(correlationID string) error {
	res, ok := l.reservations[correlationID]
	if !ok {
		return fmt.Errorf("op=ledger.Refund correlation_id=%s: %w", correlationID, domain.ErrNotFound)
	}
	if res.state != domain.ReservationHeld {
		return fmt.Errorf("op=ledger.Refund correlation_id=%s state=%s: %w", correlationID, res.state, domain.ErrConflict)
	}
	a := l.account(res.userID)
	a.balance = a.balance.Add(res.amount)
	res.state = domain.ReservationRefunded
	l.append(a, domain.LedgerEntry{
		Timestamp:     l.now(),
		UserID:        res.userID,
		Delta:         res.amount,
		Reason:        "refund",
		CorrelationID: correlationID,
		State:         domain.ReservationRefunded,
	})
	return nil
}

// Add deposits credits. Negative deposits are rejected.
func (l *Ledger) Add(_ domain.Context, userID string, amount decimal.Decimal, description string) (domain.LedgerEntry, error) {
	if amount.IsNegative() {
		return domain.LedgerEntry{}, fmt.Errorf("op=ledger.Add amount=%s: %w", amount, domain.ErrInvalidArgument)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(userID)
	a.balance = a.balance.Add(amount)
	e := domain.LedgerEntry{
		Timestamp: l.now(),
		UserID:    userID,
		Delta:     amount,
		Reason:    description,
	}
	l.append(a, e)
	return e, nil
}

// History returns the most recent entries, newest first.
func (l *Ledger) History(_ domain.Context, userID string, limit int) ([]domain.LedgerEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	a := l.account(userID)
	n := len(a.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]domain.LedgerEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, a.entries[i])
	}
	return out, nil
}

// ExpireReservations refunds every held reservation created before olderThan
// and returns how many were swept. A reservation is swept at most once;
// settle on a swept id fails with ErrConflict.
func (l *Ledger) ExpireReservations(_ domain.Context, olderThan time.Time) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	swept := 0
	for id, res := range l.reservations {
		if res.state == domain.ReservationHeld && res.createdAt.Before(olderThan) {
			if err := l.refundLocked(id); err == nil {
				swept++
			}
		}
	}
	return swept, nil
}

// SetRateLimit sets a user's request-per-second limit. Used by local_mode
// administration.
func (l *Ledger) SetRateLimit(_ domain.Context, userID string, rps int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.account(userID).rateLimitRPS = rps
}

// Ping always succeeds for the in-memory ledger.
func (l *Ledger) Ping(domain.Context) error { return nil }
