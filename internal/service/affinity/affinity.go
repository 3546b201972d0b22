// Package affinity pins stateful instances to the worker that created them.
//
// The table is deliberately narrow: just the instance_id to endpoint mapping
// with an idle TTL. Everything else about routing stays in the selector.
package affinity

import (
	"sync"
	"time"

	"github.com/zakuro-ai/mesh/internal/domain"
)

// Table maps instance ids to worker endpoints.
type Table struct {
	mu      sync.Mutex
	entries map[string]*domain.AffinityEntry
	ttl     time.Duration
	now     func() time.Time
}

// NewTable constructs a table whose entries expire after ttl of no use.
func NewTable(ttl time.Duration) *Table {
	return &Table{
		entries: make(map[string]*domain.AffinityEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Put records that instanceID lives on endpoint, owned by ownerUserID.
func (t *Table) Put(instanceID, endpoint, ownerUserID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.entries[instanceID] = &domain.AffinityEntry{
		InstanceID:     instanceID,
		WorkerEndpoint: endpoint,
		OwnerUserID:    ownerUserID,
		CreatedAt:      now,
		LastUsed:       now,
	}
}

// Lookup returns the live entry for instanceID and refreshes its idle timer.
// Expired entries are dropped on access.
func (t *Table) Lookup(instanceID string) (domain.AffinityEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[instanceID]
	if !ok {
		return domain.AffinityEntry{}, false
	}
	now := t.now()
	if now.Sub(e.LastUsed) > t.ttl {
		delete(t.entries, instanceID)
		return domain.AffinityEntry{}, false
	}
	e.LastUsed = now
	return *e, true
}

// Evict removes one instance binding.
func (t *Table) Evict(instanceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, instanceID)
}

// EvictWorker removes every binding that targets endpoint. Called when the
// owning worker goes unhealthy; the instances are gone with it.
func (t *Table) EvictWorker(endpoint string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, e := range t.entries {
		if e.WorkerEndpoint == endpoint {
			delete(t.entries, id)
		}
	}
}

// SweepExpired drops idle entries past the TTL.
func (t *Table) SweepExpired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-t.ttl)
	n := 0
	for id, e := range t.entries {
		if e.LastUsed.Before(cutoff) {
			delete(t.entries, id)
			n++
		}
	}
	return n
}

// Len reports the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
