package worker

import (
	"fmt"
	"sync"
	"time"

	"github.com/zakuro-ai/mesh/internal/adapter/observability"
	"github.com/zakuro-ai/mesh/internal/domain"
)

// InstanceStore holds stateful instances in process memory, shared across
// all pool workers. The store serializes only its own map; instance state is
// the instance's problem.
type InstanceStore struct {
	mu      sync.Mutex
	items   map[string]*storedInstance
	counter uint64
	ttl     time.Duration
	now     func() time.Time
}

type storedInstance struct {
	instance Instance
	klass    string
	lastUsed time.Time
}

// NewInstanceStore constructs a store whose instances expire after ttl of
// idleness. Zero ttl disables expiry.
func NewInstanceStore(ttl time.Duration) *InstanceStore {
	return &InstanceStore{
		items: map[string]*storedInstance{},
		ttl:   ttl,
		now:   time.Now,
	}
}

// Put stores inst under id, or under a generated id when id is empty.
// Generated ids are instance_N with a monotonically increasing counter.
// Returns the effective id.
func (s *InstanceStore) Put(id, klass string, inst Instance) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" {
		s.counter++
		id = fmt.Sprintf("instance_%d", s.counter)
	} else if _, exists := s.items[id]; exists {
		return "", fmt.Errorf("op=instances.Put id=%s: %w", id, domain.ErrConflict)
	}
	s.items[id] = &storedInstance{
		instance: inst,
		klass:    klass,
		lastUsed: s.now(),
	}
	observability.WorkerInstances.Set(float64(len(s.items)))
	return id, nil
}

// Get returns the instance for id, touching its idle clock.
func (s *InstanceStore) Get(id string) (Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return nil, fmt.Errorf("op=instances.Get id=%s: %w", id, domain.ErrNotFound)
	}
	rec.lastUsed = s.now()
	return rec.instance, nil
}

// Delete removes an instance.
func (s *InstanceStore) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, id)
	observability.WorkerInstances.Set(float64(len(s.items)))
}

// Len reports the live instance count.
func (s *InstanceStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// SweepIdle drops instances idle past the TTL and reports how many went.
func (s *InstanceStore) SweepIdle() int {
	if s.ttl <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.ttl)
	n := 0
	for id, rec := range s.items {
		if rec.lastUsed.Before(cutoff) {
			delete(s.items, id)
			n++
		}
	}
	if n > 0 {
		observability.WorkerInstances.Set(float64(len(s.items)))
	}
	return n
}
