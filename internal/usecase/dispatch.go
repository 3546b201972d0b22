// Package usecase contains the broker's application services.
package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"

	"github.com/zakuro-ai/mesh/internal/adapter/observability"
	"github.com/zakuro-ai/mesh/internal/domain"
	"github.com/zakuro-ai/mesh/internal/service/affinity"
	"github.com/zakuro-ai/mesh/internal/service/ratelimiter"
	"github.com/zakuro-ai/mesh/internal/service/registry"
	"github.com/zakuro-ai/mesh/internal/service/selector"
	"github.com/zakuro-ai/mesh/pkg/envelope"
)

var ulidEntropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0) //nolint:gosec // Weak random is sufficient for correlation id entropy.

func newCorrelationID() string {
	id, err := ulid.New(ulid.Timestamp(time.Now()), ulidEntropy)
	if err != nil {
		return fmt.Sprintf("corr-%d", time.Now().UnixNano())
	}
	return id.String()
}

// DispatchResult is what the broker returns to the HTTP layer on a
// completed forward.
type DispatchResult struct {
	Body       []byte
	Cost       decimal.Decimal
	Remaining  decimal.Decimal
	WorkerName string
	Duration   time.Duration
}

// DispatchService runs the /execute pipeline: identity, rate limit,
// selection or affinity routing, reserve, forward, settle or refund.
type DispatchService struct {
	Ledger         domain.Ledger
	Registry       *registry.Registry
	Selector       *selector.Selector
	Affinity       *affinity.Table
	Client         domain.WorkerClient
	Events         domain.EventPublisher
	Limiter        ratelimiter.Limiter
	ForwardTimeout time.Duration
}

// NewDispatchService wires the dispatch pipeline.
func NewDispatchService(ledger domain.Ledger, reg *registry.Registry, sel *selector.Selector, aff *affinity.Table, client domain.WorkerClient, events domain.EventPublisher, limiter ratelimiter.Limiter, forwardTimeout time.Duration) DispatchService {
	if events == nil {
		events = noopEvents{}
	}
	return DispatchService{
		Ledger:         ledger,
		Registry:       reg,
		Selector:       sel,
		Affinity:       aff,
		Client:         client,
		Events:         events,
		Limiter:        limiter,
		ForwardTimeout: forwardTimeout,
	}
}

type noopEvents struct{}

func (noopEvents) PublishUsage(domain.Context, domain.UsageEvent) {}

// Execute forwards an opaque task blob on behalf of userID and settles the
// actual cost from the broker-observed duration. The response body is the
// worker's bytes unchanged, even when it carries a task-level error.
func (s DispatchService) Execute(ctx domain.Context, userID string, reqs domain.Requirements, action, instanceID string, body []byte) (DispatchResult, error) {
	user, err := s.Ledger.GetUser(ctx, userID)
	if err != nil {
		return DispatchResult{}, fmt.Errorf("op=dispatch.user: %w", err)
	}
	if err := s.checkRateLimit(ctx, user); err != nil {
		observability.DispatchTotal.WithLabelValues(string(reqs.Strategy), "rate_limited").Inc()
		return DispatchResult{}, err
	}

	worker, err := s.chooseWorker(reqs, action, instanceID)
	if err != nil {
		outcome := "no_workers"
		if errors.Is(err, domain.ErrAffinityLost) {
			outcome = "affinity_lost"
		}
		observability.DispatchTotal.WithLabelValues(string(reqs.Strategy), outcome).Inc()
		return DispatchResult{}, err
	}

	maxCost := worker.Pricing.Cost(reqs.CPUs, reqs.MemoryBytes, reqs.GPUs, reqs.EstimatedDuration())
	correlationID := newCorrelationID()
	if err := s.Ledger.Reserve(ctx, userID, maxCost, correlationID); err != nil {
		observability.DispatchTotal.WithLabelValues(string(reqs.Strategy), "insufficient_credits").Inc()
		return DispatchResult{}, fmt.Errorf("op=dispatch.reserve max_cost=%s: %w", maxCost, err)
	}

	s.Registry.IncInFlight(worker.Endpoint)
	start := time.Now()
	fctx, cancel := context.WithTimeout(withoutCancel(ctx), s.ForwardTimeout)
	respBody, ferr := s.Client.Execute(fctx, worker.Endpoint, body)
	cancel()
	elapsed := time.Since(start)
	s.Registry.DecInFlight(worker.Endpoint)

	if ferr != nil {
		// Transport failure: mandatory refund, penalize the worker, drop any
		// instance bindings it held.
		if rerr := s.Ledger.Refund(ctx, correlationID); rerr != nil {
			slog.Error("refund after forward failure failed",
				slog.String("correlation_id", correlationID), slog.Any("error", rerr))
		}
		s.Events.PublishUsage(ctx, domain.UsageEvent{
			CorrelationID: correlationID,
			UserID:        userID,
			Worker:        worker.Name,
			Amount:        decimal.Zero,
			DurationMS:    elapsed.Milliseconds(),
			Kind:          "refund",
		})
		s.Registry.MarkUnhealthy(worker.Endpoint)
		s.Affinity.EvictWorker(worker.Endpoint)
		observability.DispatchTotal.WithLabelValues(string(reqs.Strategy), "worker_error").Inc()
		return DispatchResult{}, fmt.Errorf("op=dispatch.forward worker=%s: %w", worker.Name, ferr)
	}

	// Settlement uses the broker-observed wall clock so network time is
	// charged consistently, capped at the reservation.
	actual := worker.Pricing.Cost(reqs.CPUs, reqs.MemoryBytes, reqs.GPUs, elapsed)
	if actual.GreaterThan(maxCost) {
		actual = maxCost
	}
	remaining, err := s.Ledger.Settle(ctx, correlationID, actual)
	if err != nil {
		// The sweeper may have refunded a very slow forward already; the
		// worker's bytes still go back to the client uncharged.
		slog.Warn("settle failed; reservation already resolved",
			slog.String("correlation_id", correlationID), slog.Any("error", err))
		remaining, _ = s.Ledger.Balance(ctx, userID)
		actual = decimal.Zero
	}
	s.Events.PublishUsage(ctx, domain.UsageEvent{
		CorrelationID: correlationID,
		UserID:        userID,
		Worker:        worker.Name,
		Amount:        actual,
		DurationMS:    elapsed.Milliseconds(),
		Kind:          "settle",
	})
	observability.DispatchTotal.WithLabelValues(string(reqs.Strategy), "ok").Inc()
	observability.DispatchDuration.WithLabelValues(worker.Name).Observe(elapsed.Seconds())
	settled, _ := actual.Float64()
	observability.CreditsSettledTotal.WithLabelValues(worker.Name).Add(settled)

	if action == domain.ActionCreateInstance {
		if id := envelope.PeekInstanceID(respBody); id != "" {
			s.Affinity.Put(id, worker.Endpoint, userID)
		}
	}

	return DispatchResult{
		Body:       respBody,
		Cost:       actual,
		Remaining:  remaining,
		WorkerName: worker.Name,
		Duration:   elapsed,
	}, nil
}

func (s DispatchService) checkRateLimit(ctx domain.Context, user domain.User) error {
	if s.Limiter == nil || user.RateLimitRPS <= 0 {
		return nil
	}
	if cfgSetter, ok := s.Limiter.(interface {
		SetBucketConfig(string, ratelimiter.BucketConfig)
	}); ok {
		cfgSetter.SetBucketConfig(user.UserID, ratelimiter.NewBucketConfigFromRPS(user.RateLimitRPS))
	}
	allowed, retryAfter, err := s.Limiter.Allow(ctx, user.UserID, 1)
	if err != nil {
		// Fail open; the limiter logged it.
		return nil
	}
	if !allowed {
		return fmt.Errorf("op=dispatch.rate_limit user=%s retry_after=%s: %w", user.UserID, retryAfter, domain.ErrRateLimited)
	}
	return nil
}

// chooseWorker resolves affinity for call_method and runs the selector for
// everything else. Selection operates on a snapshot; short staleness is
// acceptable and handled by refund after the fact.
func (s DispatchService) chooseWorker(reqs domain.Requirements, action, instanceID string) (domain.Worker, error) {
	if action == domain.ActionCallMethod && instanceID != "" {
		entry, ok := s.Affinity.Lookup(instanceID)
		if !ok {
			return domain.Worker{}, fmt.Errorf("op=dispatch.affinity instance_id=%s: %w", instanceID, domain.ErrAffinityLost)
		}
		w, ok := s.Registry.Get(entry.WorkerEndpoint)
		if !ok || w.Status != domain.WorkerHealthy {
			s.Affinity.Evict(instanceID)
			return domain.Worker{}, fmt.Errorf("op=dispatch.affinity instance_id=%s worker=%s: %w", instanceID, entry.WorkerEndpoint, domain.ErrAffinityLost)
		}
		return w, nil
	}
	return s.Selector.Select(reqs, s.Registry.Snapshot())
}

// withoutCancel detaches the forward from client disconnects: settlement
// must complete for work the worker performed even if the caller went away.
func withoutCancel(ctx domain.Context) domain.Context {
	return context.WithoutCancel(ctx)
}
