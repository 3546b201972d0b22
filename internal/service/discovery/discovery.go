// Package discovery probes the configured peer list and keeps the worker
// registry current. The loop is the registry's only writer.
package discovery

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/zakuro-ai/mesh/internal/domain"
	"github.com/zakuro-ai/mesh/internal/service/affinity"
	"github.com/zakuro-ai/mesh/internal/service/registry"
)

// Loop periodically probes peers' /info and records the outcome.
type Loop struct {
	peers        []string
	registry     *registry.Registry
	affinity     *affinity.Table
	client       domain.WorkerClient
	interval     time.Duration
	probeTimeout time.Duration
}

// New constructs a discovery loop over the given peer list. The affinity
// table may be nil; when present, bindings to workers that drop out of
// health are evicted each tick.
func New(peers []string, reg *registry.Registry, aff *affinity.Table, client domain.WorkerClient, interval, probeTimeout time.Duration) *Loop {
	eps := make([]string, 0, len(peers))
	for _, p := range peers {
		eps = append(eps, NormalizeEndpoint(p))
	}
	return &Loop{
		peers:        eps,
		registry:     reg,
		affinity:     aff,
		client:       client,
		interval:     interval,
		probeTimeout: probeTimeout,
	}
}

// NormalizeEndpoint turns a host:port peer into a probe-able URL.
func NormalizeEndpoint(peer string) string {
	peer = strings.TrimSpace(peer)
	if strings.Contains(peer, "://") {
		return strings.TrimSuffix(peer, "/")
	}
	return "http://" + peer
}

// Run drives the loop until ctx is canceled. The first tick fires
// immediately so the broker has workers before the first request.
func (l *Loop) Run(ctx domain.Context) {
	slog.Info("discovery loop started",
		slog.Int("peers", len(l.peers)),
		slog.Duration("interval", l.interval))
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	l.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("discovery loop stopped")
			return
		case <-ticker.C:
			l.Tick(ctx)
		}
	}
}

// Tick probes every peer in parallel with a per-probe deadline, then sweeps
// expired registry and affinity entries.
func (l *Loop) Tick(ctx domain.Context) {
	var wg sync.WaitGroup
	for _, ep := range l.peers {
		wg.Add(1)
		go func(endpoint string) {
			defer wg.Done()
			l.probe(ctx, endpoint)
		}(ep)
	}
	wg.Wait()
	l.registry.Sweep()
	if l.affinity != nil {
		l.affinity.SweepExpired()
		for _, w := range l.registry.Snapshot() {
			if w.Status != domain.WorkerHealthy {
				l.affinity.EvictWorker(w.Endpoint)
			}
		}
	}
}

func (l *Loop) probe(ctx domain.Context, endpoint string) {
	pctx, cancel := context.WithTimeout(ctx, l.probeTimeout)
	defer cancel()
	w, rtt, err := l.client.Info(pctx, endpoint)
	if err != nil {
		slog.Debug("worker probe failed", slog.String("endpoint", endpoint), slog.Any("error", err))
		l.registry.ObserveFailure(endpoint)
		return
	}
	l.registry.ObserveSuccess(endpoint, w, rtt)
}
