// Command broker starts the zakuro mesh broker: worker discovery, credit
// ledger, and the public HTTP facade.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/zakuro-ai/mesh/internal/adapter/events/redpanda"
	"github.com/zakuro-ai/mesh/internal/adapter/httpserver"
	"github.com/zakuro-ai/mesh/internal/adapter/ledger/memory"
	"github.com/zakuro-ai/mesh/internal/adapter/observability"
	"github.com/zakuro-ai/mesh/internal/adapter/repo/postgres"
	"github.com/zakuro-ai/mesh/internal/adapter/workerclient"
	"github.com/zakuro-ai/mesh/internal/app"
	"github.com/zakuro-ai/mesh/internal/config"
	"github.com/zakuro-ai/mesh/internal/domain"
	"github.com/zakuro-ai/mesh/internal/service/affinity"
	"github.com/zakuro-ai/mesh/internal/service/discovery"
	"github.com/zakuro-ai/mesh/internal/service/ratelimiter"
	"github.com/zakuro-ai/mesh/internal/service/registry"
	"github.com/zakuro-ai/mesh/internal/service/selector"
	"github.com/zakuro-ai/mesh/internal/usecase"
)

const version = "0.1.0"

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Ledger: Postgres when configured, in-memory otherwise (local_mode).
	var ledger domain.Ledger
	if cfg.LocalMode() {
		slog.Info("local_mode enabled, using in-memory ledger")
		ledger = memory.New()
	} else {
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			slog.Error("schema setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		ledger = postgres.NewLedgerRepo(pool)
	}

	// Usage events: Redpanda when brokers are configured.
	var events domain.EventPublisher = redpanda.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		pub, err := redpanda.NewPublisher(cfg.KafkaBrokers)
		if err != nil {
			slog.Error("event publisher connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pub.Close()
		events = pub
	}

	// Per-user rate limiting rides on Redis; absent Redis it is disabled.
	var limiter ratelimiter.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer func() { _ = rdb.Close() }()
		limiter = ratelimiter.NewRedisLuaLimiter(rdb)
		slog.Info("per-user rate limiter enabled", slog.String("redis", cfg.RedisAddr))
	}

	reg := registry.New(cfg.WorkerExpireAfter)
	aff := affinity.NewTable(cfg.InstanceTTL)
	client := workerclient.New()

	disc := discovery.New(cfg.PeerList(), reg, aff, client, cfg.DiscoveryInterval, cfg.ProbeTimeout)
	go disc.Run(ctx)

	sweeper := usecase.NewSweeper(ledger, cfg.ReservationTTL)
	go sweeper.Run(ctx, cfg.ReservationTTL/2)

	dispatch := usecase.NewDispatchService(ledger, reg, selector.New(), aff, client, events, limiter, cfg.ForwardTimeout)
	credits := usecase.NewCreditsService(ledger)
	pricing := usecase.NewPricingService(reg)

	srv := httpserver.NewServer(dispatch, credits, pricing, reg, version, cfg.LocalMode())
	handler := app.BuildRouter(cfg, srv)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.PortOr(config.DefaultBrokerPort)),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("broker starting",
			slog.String("addr", srvHTTP.Addr),
			slog.Int("peers", len(cfg.PeerList())),
			slog.Bool("local_mode", cfg.LocalMode()))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("server error", slog.Any("error", err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
}
