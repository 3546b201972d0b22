package worker

import (
	"sync/atomic"

	"github.com/zakuro-ai/mesh/internal/adapter/observability"
)

// Pool is a counting semaphore bounding concurrent task execution. Each
// request occupies exactly one slot for its duration; a full pool rejects
// instead of queueing so the broker can retry elsewhere.
type Pool struct {
	slots chan struct{}
	busy  atomic.Int64
}

// NewPool builds a pool of the given size. Size must be positive; callers
// normally pass runtime.NumCPU().
func NewPool(size int) *Pool {
	if size < 1 {
		size = 1
	}
	return &Pool{slots: make(chan struct{}, size)}
}

// TryAcquire claims a slot without blocking.
func (p *Pool) TryAcquire() bool {
	select {
	case p.slots <- struct{}{}:
		observability.WorkerPoolBusy.Set(float64(p.busy.Add(1)))
		return true
	default:
		return false
	}
}

// Release returns a slot.
func (p *Pool) Release() {
	<-p.slots
	observability.WorkerPoolBusy.Set(float64(p.busy.Add(-1)))
}

// Busy reports the number of occupied slots.
func (p *Pool) Busy() int64 { return p.busy.Load() }

// Size reports the pool capacity.
func (p *Pool) Size() int { return cap(p.slots) }
