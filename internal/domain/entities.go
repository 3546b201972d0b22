package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
	ErrRateLimited         = errors.New("rate limited")
	ErrInsufficientCredits = errors.New("insufficient credits")
	ErrNoWorkersAvailable  = errors.New("no workers available")
	ErrWorkerUnreachable   = errors.New("worker unreachable")
	ErrAffinityLost        = errors.New("affinity lost")
	ErrInternal            = errors.New("internal error")
)

// GiB is the memory pricing unit.
const GiB = int64(1) << 30

// Strategy selects how the broker picks a worker for a request.
type Strategy string

const (
	StrategyBestPrice        Strategy = "best_price"
	StrategyBestLatency      Strategy = "best_latency"
	StrategyBestAvailability Strategy = "best_availability"
	StrategyRoundRobin       Strategy = "round_robin"
)

// ParseStrategy maps a string onto a known strategy, defaulting to best_price
// for empty input.
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(s) {
	case "":
		return StrategyBestPrice, nil
	case StrategyBestPrice, StrategyBestLatency, StrategyBestAvailability, StrategyRoundRobin:
		return Strategy(s), nil
	}
	return "", ErrInvalidArgument
}

// WorkerStatus is the registry health state of a worker.
type WorkerStatus string

const (
	WorkerHealthy   WorkerStatus = "healthy"
	WorkerUnhealthy WorkerStatus = "unhealthy"
	WorkerDraining  WorkerStatus = "draining"
)

// Resources describes worker capacity. Available never exceeds Total in any
// dimension.
type Resources struct {
	CPUsTotal       float64 `json:"cpus_total"`
	CPUsAvailable   float64 `json:"cpus_available"`
	MemoryTotal     int64   `json:"memory_total"`
	MemoryAvailable int64   `json:"memory_available"`
	GPUsTotal       int     `json:"gpus_total"`
	GPUsAvailable   int     `json:"gpus_available"`
}

// Pricing holds per-resource-second rates in credits.
type Pricing struct {
	CPUPerSec    decimal.Decimal `json:"cpu_price"`
	MemGiBPerSec decimal.Decimal `json:"memory_price"`
	GPUPerSec    decimal.Decimal `json:"gpu_price"`
	MinCharge    decimal.Decimal `json:"min_charge"`
}

// Cost computes the charge for running reqs-shaped work for d, applying the
// minimum charge floor. Amounts are rounded to micro-credits.
func (p Pricing) Cost(cpus float64, memoryBytes int64, gpus int, d time.Duration) decimal.Decimal {
	secs := decimal.NewFromFloat(d.Seconds())
	cpuCost := decimal.NewFromFloat(cpus).Mul(p.CPUPerSec).Mul(secs)
	memGiB := decimal.NewFromInt(memoryBytes).Div(decimal.NewFromInt(GiB))
	memCost := memGiB.Mul(p.MemGiBPerSec).Mul(secs)
	gpuCost := decimal.NewFromInt(int64(gpus)).Mul(p.GPUPerSec).Mul(secs)
	total := cpuCost.Add(memCost).Add(gpuCost).Round(6)
	if total.LessThan(p.MinCharge) {
		return p.MinCharge
	}
	return total
}

// Worker is a registry record for a discovered worker node.
type Worker struct {
	Name       string            `json:"name"`
	Endpoint   string            `json:"endpoint"`
	WorkerType string            `json:"worker_type"`
	Version    string            `json:"version,omitempty"`
	Tags       []string          `json:"tags,omitempty"`
	Hardware   map[string]string `json:"hardware,omitempty"`
	Resources  Resources         `json:"resources"`
	Pricing    Pricing           `json:"pricing"`
	Status     WorkerStatus      `json:"status"`
	LastSeen   time.Time         `json:"last_seen"`
	// LatencyMS is an EWMA over /info round trips.
	LatencyMS float64 `json:"latency_ms"`
	InFlight  int64   `json:"in_flight"`
}

// Eligible reports whether the worker may receive new requests: it must be
// healthy and below the soft in-flight cap (one request per CPU).
func (w Worker) Eligible() bool {
	return w.Status == WorkerHealthy && float64(w.InFlight) < w.Resources.CPUsTotal
}

// HasTags reports whether the worker's tag set is a superset of want.
func (w Worker) HasTags(want []string) bool {
	if len(want) == 0 {
		return true
	}
	have := make(map[string]struct{}, len(w.Tags))
	for _, t := range w.Tags {
		have[t] = struct{}{}
	}
	for _, t := range want {
		if _, ok := have[t]; !ok {
			return false
		}
	}
	return true
}

// Fits reports whether the worker currently satisfies the request resources
// and tag filter.
func (w Worker) Fits(r Requirements) bool {
	return w.Resources.CPUsAvailable >= r.CPUs &&
		w.Resources.MemoryAvailable >= r.MemoryBytes &&
		w.Resources.GPUsAvailable >= r.GPUs &&
		w.HasTags(r.Tags)
}

// Requirements are advisory for selection and authoritative for the
// pre-authorization upper bound.
type Requirements struct {
	CPUs                  float64  `json:"cpus" validate:"gte=0"`
	MemoryBytes           int64    `json:"memory_bytes" validate:"gte=0"`
	GPUs                  int      `json:"gpus" validate:"gte=0"`
	EstimatedDurationSecs float64  `json:"estimated_duration_secs" validate:"gte=0"`
	Strategy              Strategy `json:"strategy,omitempty"`
	Tags                  []string `json:"tags,omitempty"`
}

// DefaultRequirements returns the per-request defaults applied when the
// client omits fields: 1 CPU, 1 GiB, no GPU, 1 second, best_price.
func DefaultRequirements() Requirements {
	return Requirements{
		CPUs:                  1,
		MemoryBytes:           GiB,
		GPUs:                  0,
		EstimatedDurationSecs: 1,
		Strategy:              StrategyBestPrice,
	}
}

// EstimatedDuration converts the advisory duration into a time.Duration.
func (r Requirements) EstimatedDuration() time.Duration {
	return time.Duration(r.EstimatedDurationSecs * float64(time.Second))
}

// User is a credit account. Balance never goes negative.
type User struct {
	UserID       string          `json:"user_id"`
	Email        string          `json:"email,omitempty"`
	Balance      decimal.Decimal `json:"balance"`
	TotalSpent   decimal.Decimal `json:"total_spent"`
	RateLimitRPS int             `json:"rate_limit,omitempty"`
}

// Reservation lifecycle states recorded on ledger entries.
const (
	ReservationHeld     = "held"
	ReservationSettled  = "settled"
	ReservationRefunded = "refunded"
)

// LedgerEntry is one append-only row of the credit ledger. The sum of deltas
// for a user equals the user's balance.
type LedgerEntry struct {
	Timestamp     time.Time       `json:"ts"`
	UserID        string          `json:"user_id"`
	Delta         decimal.Decimal `json:"delta"`
	Reason        string          `json:"reason"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	State         string          `json:"state,omitempty"`
}

// AffinityEntry pins a stateful instance to one worker endpoint.
type AffinityEntry struct {
	InstanceID     string
	WorkerEndpoint string
	OwnerUserID    string
	CreatedAt      time.Time
	LastUsed       time.Time
}

// Instance actions carried on X-Zakuro-Instance-Action.
const (
	ActionExecute        = "execute"
	ActionCreateInstance = "create_instance"
	ActionCallMethod     = "call_method"
)

// Ledger (port)
//
// Every mutation is atomic on a single user record; reserve and settle on the
// same user serialize. Unresolved reservations older than the reservation TTL
// are refunded by the sweeper via ExpireReservations.
type Ledger interface {
	GetUser(ctx Context, userID string) (User, error)
	Balance(ctx Context, userID string) (decimal.Decimal, error)
	Reserve(ctx Context, userID string, amount decimal.Decimal, correlationID string) error
	// Settle converts a held reservation into a final debit of actual
	// (actual <= reserved) and returns the user's balance afterwards.
	Settle(ctx Context, correlationID string, actual decimal.Decimal) (decimal.Decimal, error)
	Refund(ctx Context, correlationID string) error
	Add(ctx Context, userID string, amount decimal.Decimal, description string) (LedgerEntry, error)
	History(ctx Context, userID string, limit int) ([]LedgerEntry, error)
	ExpireReservations(ctx Context, olderThan time.Time) (int, error)
	Ping(ctx Context) error
}

// WorkerClient (port)
type WorkerClient interface {
	// Info probes a worker endpoint and returns its record plus the observed
	// round-trip time.
	Info(ctx Context, endpoint string) (Worker, time.Duration, error)
	// Execute forwards an opaque task blob and returns the worker's bytes
	// unchanged.
	Execute(ctx Context, endpoint string, body []byte) ([]byte, error)
}

// UsageEvent is emitted on settlement or refund.
type UsageEvent struct {
	CorrelationID string          `json:"correlation_id"`
	UserID        string          `json:"user_id"`
	Worker        string          `json:"worker,omitempty"`
	Amount        decimal.Decimal `json:"amount"`
	DurationMS    int64           `json:"duration_ms"`
	Kind          string          `json:"kind"`
}

// EventPublisher (port)
type EventPublisher interface {
	PublishUsage(ctx Context, ev UsageEvent)
}

// Context is an alias so adapters and usecases pass context.Context through
// without the domain importing HTTP concerns.
type Context = context.Context
