package usecase

import (
	"github.com/shopspring/decimal"

	"github.com/zakuro-ai/mesh/internal/domain"
	"github.com/zakuro-ai/mesh/internal/service/registry"
)

// Quote is a pre-flight price estimate across the currently matching workers.
type Quote struct {
	MinCost  decimal.Decimal `json:"min_cost"`
	MaxCost  decimal.Decimal `json:"max_cost"`
	Matching int             `json:"matching_workers"`
	// PerWorker maps worker name to its projected cost for the request shape.
	PerWorker map[string]decimal.Decimal `json:"per_worker,omitempty"`
}

// PricingService answers /price queries without touching the ledger.
type PricingService struct {
	Registry *registry.Registry
}

// NewPricingService wires the pricing service.
func NewPricingService(reg *registry.Registry) PricingService {
	return PricingService{Registry: reg}
}

// Estimate prices reqs against every eligible worker that fits. A quote with
// Matching == 0 is not an error; callers decide what an empty market means.
func (s PricingService) Estimate(reqs domain.Requirements) Quote {
	q := Quote{PerWorker: map[string]decimal.Decimal{}}
	d := reqs.EstimatedDuration()
	for _, w := range s.Registry.Snapshot() {
		if !w.Eligible() || !w.Fits(reqs) {
			continue
		}
		cost := w.Pricing.Cost(reqs.CPUs, reqs.MemoryBytes, reqs.GPUs, d)
		q.PerWorker[w.Name] = cost
		if q.Matching == 0 {
			q.MinCost, q.MaxCost = cost, cost
		} else {
			if cost.LessThan(q.MinCost) {
				q.MinCost = cost
			}
			if cost.GreaterThan(q.MaxCost) {
				q.MaxCost = cost
			}
		}
		q.Matching++
	}
	return q
}
