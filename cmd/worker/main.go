// Command worker starts a zakuro worker node: /info, /health, and bounded
// /execute over the process-local function registry.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/zakuro-ai/mesh/internal/adapter/observability"
	"github.com/zakuro-ai/mesh/internal/config"
	"github.com/zakuro-ai/mesh/internal/worker"
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

	pricing, err := cfg.Pricing()
	if err != nil {
		slog.Error("invalid pricing configuration", slog.Any("error", err))
		os.Exit(1)
	}

	name := cfg.WorkerName
	if name == "" {
		name = worker.DefaultName()
	}
	identity := worker.Identity{
		Name:        name,
		WorkerType:  cfg.WorkerType,
		Version:     version,
		Tags:        cfg.WorkerTags,
		Hardware:    map[string]string{"arch": runtime.GOARCH, "os": runtime.GOOS},
		Pricing:     pricing,
		CPUsTotal:   float64(runtime.NumCPU()),
		MemoryTotal: cfg.MemoryBytes,
		GPUsTotal:   cfg.GPUs,
	}

	pool := worker.NewPool(runtime.NumCPU())
	store := worker.NewInstanceStore(cfg.InstanceTTL)
	exec := worker.NewExecutor(worker.NewFuncRegistry(), store)
	srv := worker.NewServer(identity, pool, exec, store)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go srv.RunInstanceSweeper(ctx, time.Minute)

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Host, cfg.PortOr(config.DefaultWorkerPort)),
		Handler:           srv.Routes(),
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("worker starting",
			slog.String("addr", srvHTTP.Addr),
			slog.String("name", identity.Name),
			slog.Int("pool_size", pool.Size()))
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
