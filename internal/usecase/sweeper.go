package usecase

import (
	"log/slog"
	"time"

	"github.com/zakuro-ai/mesh/internal/adapter/observability"
	"github.com/zakuro-ai/mesh/internal/domain"
)

// Sweeper refunds reservations that were never settled: crashes between
// reserve and settle must not strand credits forever.
type Sweeper struct {
	Ledger domain.Ledger
	TTL    time.Duration
}

// NewSweeper wires the reservation sweeper.
func NewSweeper(ledger domain.Ledger, ttl time.Duration) Sweeper {
	return Sweeper{Ledger: ledger, TTL: ttl}
}

// Run sweeps on the interval until ctx is canceled.
func (s Sweeper) Run(ctx domain.Context, interval time.Duration) {
	slog.Info("reservation sweeper started",
		slog.Duration("interval", interval),
		slog.Duration("ttl", s.TTL))
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("reservation sweeper stopped")
			return
		case <-ticker.C:
			s.SweepOnce(ctx)
		}
	}
}

// SweepOnce refunds every held reservation older than the TTL. A reservation
// that settles concurrently is skipped, never double-resolved.
func (s Sweeper) SweepOnce(ctx domain.Context) {
	n, err := s.Ledger.ExpireReservations(ctx, time.Now().Add(-s.TTL))
	if err != nil {
		slog.Error("reservation sweep failed", slog.Any("error", err))
		return
	}
	if n > 0 {
		observability.ReservationsSweptTotal.Add(float64(n))
		slog.Info("expired reservations refunded", slog.Int("count", n))
	}
}
