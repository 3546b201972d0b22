// Package registry maintains the set of known workers.
//
// The discovery loop is the only writer; request paths take snapshots.
// Snapshots are copies, so selection never blocks discovery and a snapshot
// stays consistent for the duration of one selection.
package registry

import (
	"sync"
	"time"

	"github.com/zakuro-ai/mesh/internal/adapter/observability"
	"github.com/zakuro-ai/mesh/internal/domain"
)

const (
	// Consecutive probe failures before a worker turns unhealthy.
	failThreshold = 3
	// Consecutive probe failures before a worker is dropped entirely.
	removeThreshold = 20
	// EWMA smoothing factor for /info round-trip latency.
	latencyAlpha = 0.3
)

type record struct {
	w     domain.Worker
	fails int
}

// Registry holds the current worker set keyed by endpoint.
type Registry struct {
	mu          sync.Mutex
	workers     map[string]*record
	expireAfter time.Duration
	now         func() time.Time
}

// New constructs a registry that forgets workers unseen for expireAfter.
func New(expireAfter time.Duration) *Registry {
	return &Registry{
		workers:     make(map[string]*record),
		expireAfter: expireAfter,
		now:         time.Now,
	}
}

// Snapshot returns a copy of every worker record. Safe to iterate without
// holding any lock.
func (r *Registry) Snapshot() []domain.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Worker, 0, len(r.workers))
	for _, rec := range r.workers {
		out = append(out, rec.w)
	}
	return out
}

// Get returns the record for one endpoint.
func (r *Registry) Get(endpoint string) (domain.Worker, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[endpoint]
	if !ok {
		return domain.Worker{}, false
	}
	return rec.w, true
}

// ObserveSuccess upserts a worker from a successful /info probe. A single
// success marks the worker healthy, refreshes capacity and pricing, and
// folds the observed round trip into the latency EWMA.
func (r *Registry) ObserveSuccess(endpoint string, probed domain.Worker, rtt time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[endpoint]
	if !ok {
		rec = &record{}
		r.workers[endpoint] = rec
	}
	prev := rec.w
	probed.Endpoint = endpoint
	probed.Status = domain.WorkerHealthy
	probed.LastSeen = r.now()
	probed.InFlight = prev.InFlight
	ms := float64(rtt) / float64(time.Millisecond)
	if prev.LatencyMS == 0 {
		probed.LatencyMS = ms
	} else {
		probed.LatencyMS = latencyAlpha*ms + (1-latencyAlpha)*prev.LatencyMS
	}
	rec.w = probed
	rec.fails = 0
	r.updateGaugesLocked()
}

// ObserveFailure counts a failed probe. The worker turns unhealthy after
// failThreshold consecutive failures and is removed after removeThreshold.
func (r *Registry) ObserveFailure(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[endpoint]
	if !ok {
		return
	}
	rec.fails++
	if rec.fails >= removeThreshold {
		delete(r.workers, endpoint)
	} else if rec.fails >= failThreshold {
		rec.w.Status = domain.WorkerUnhealthy
	}
	r.updateGaugesLocked()
}

// MarkUnhealthy immediately degrades a worker, used when a forward fails at
// the transport level.
func (r *Registry) MarkUnhealthy(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.workers[endpoint]; ok {
		rec.w.Status = domain.WorkerUnhealthy
		r.updateGaugesLocked()
	}
}

// IsHealthy reports whether the endpoint is currently healthy.
func (r *Registry) IsHealthy(endpoint string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.workers[endpoint]
	return ok && rec.w.Status == domain.WorkerHealthy
}

// IncInFlight bumps the in-flight hint for a worker at forward start.
func (r *Registry) IncInFlight(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.workers[endpoint]; ok {
		rec.w.InFlight++
	}
}

// DecInFlight releases the in-flight hint at forward end.
func (r *Registry) DecInFlight(endpoint string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec, ok := r.workers[endpoint]; ok && rec.w.InFlight > 0 {
		rec.w.InFlight--
	}
}

// Sweep drops workers whose last successful probe is older than expireAfter.
func (r *Registry) Sweep() {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-r.expireAfter)
	for ep, rec := range r.workers {
		if !rec.w.LastSeen.IsZero() && rec.w.LastSeen.Before(cutoff) {
			delete(r.workers, ep)
		}
	}
	r.updateGaugesLocked()
}

func (r *Registry) updateGaugesLocked() {
	counts := map[domain.WorkerStatus]float64{
		domain.WorkerHealthy:   0,
		domain.WorkerUnhealthy: 0,
		domain.WorkerDraining:  0,
	}
	for _, rec := range r.workers {
		counts[rec.w.Status]++
	}
	for status, n := range counts {
		observability.WorkersKnown.WithLabelValues(string(status)).Set(n)
	}
}
