// Package selector chooses a worker for a request.
//
// Selection is a pure function over a registry snapshot plus one piece of
// broker-wide state: the round-robin counter, which advances only when a
// selection is actually made.
package selector

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/zakuro-ai/mesh/internal/domain"
)

// Selector applies a strategy to a snapshot.
type Selector struct {
	rr atomic.Uint64
}

// New constructs a Selector with a zeroed round-robin counter.
func New() *Selector { return &Selector{} }

// Select filters the snapshot by eligibility, resources, and tags, then
// scores the survivors by strategy. Returns ErrNoWorkersAvailable when the
// filtered set is empty.
func (s *Selector) Select(reqs domain.Requirements, snapshot []domain.Worker) (domain.Worker, error) {
	filtered := make([]domain.Worker, 0, len(snapshot))
	for _, w := range snapshot {
		if w.Eligible() && w.Fits(reqs) {
			filtered = append(filtered, w)
		}
	}
	if len(filtered) == 0 {
		return domain.Worker{}, fmt.Errorf("op=selector.Select strategy=%s: %w", reqs.Strategy, domain.ErrNoWorkersAvailable)
	}
	// Deterministic base order so tie-breaks and rotation are stable across
	// snapshots.
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].Endpoint < filtered[j].Endpoint })

	switch reqs.Strategy {
	case domain.StrategyRoundRobin:
		idx := (s.rr.Add(1) - 1) % uint64(len(filtered))
		return filtered[idx], nil
	case domain.StrategyBestLatency:
		return pickMin(filtered, func(a, b domain.Worker) bool {
			if a.LatencyMS != b.LatencyMS {
				return a.LatencyMS < b.LatencyMS
			}
			pa, pb := projectedCost(a, reqs), projectedCost(b, reqs)
			if !pa.Equal(pb) {
				return pa.LessThan(pb)
			}
			return a.Endpoint < b.Endpoint
		}), nil
	case domain.StrategyBestAvailability:
		return pickMin(filtered, func(a, b domain.Worker) bool {
			ra, rb := availRatio(a), availRatio(b)
			if ra != rb {
				return ra > rb
			}
			if a.LatencyMS != b.LatencyMS {
				return a.LatencyMS < b.LatencyMS
			}
			return a.Endpoint < b.Endpoint
		}), nil
	default: // best_price
		return pickMin(filtered, func(a, b domain.Worker) bool {
			pa, pb := projectedCost(a, reqs), projectedCost(b, reqs)
			if !pa.Equal(pb) {
				return pa.LessThan(pb)
			}
			if a.LatencyMS != b.LatencyMS {
				return a.LatencyMS < b.LatencyMS
			}
			return a.Endpoint < b.Endpoint
		}), nil
	}
}

func pickMin(ws []domain.Worker, less func(a, b domain.Worker) bool) domain.Worker {
	best := ws[0]
	for _, w := range ws[1:] {
		if less(w, best) {
			best = w
		}
	}
	return best
}

func projectedCost(w domain.Worker, reqs domain.Requirements) decimal.Decimal {
	return w.Pricing.Cost(reqs.CPUs, reqs.MemoryBytes, reqs.GPUs, reqs.EstimatedDuration())
}

func availRatio(w domain.Worker) float64 {
	if w.Resources.CPUsTotal == 0 {
		return 0
	}
	return w.Resources.CPUsAvailable / w.Resources.CPUsTotal
}
