// Command worker leases queued tasks, executes agent invocations against the
// journal, and settles attempt outcomes.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loom/internal/adapter/observability"
	"github.com/loomhq/loom/internal/adapter/store/memory"
	"github.com/loomhq/loom/internal/adapter/store/postgres"
	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/entity"
	"github.com/loomhq/loom/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)
	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		if err := http.ListenAndServe(":9090", mux); err != nil {
			slog.Error("worker metrics server error", slog.Any("error", err))
		}
	}()

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

	var store domain.Store
	switch cfg.Store {
	case "postgres":
		pool, err := postgres.NewPool(ctx, cfg.DBURL)
		if err != nil {
			slog.Error("db connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pool.Close()
		pg := postgres.New(pool)
		if err := pg.Migrate(ctx); err != nil {
			slog.Error("db migrate failed", slog.Any("error", err))
			os.Exit(1)
		}
		store = pg
	default:
		slog.Warn("using in-memory store; the worker shares no state with the server in this mode")
		store = memory.New()
	}

	runner := agent.NewRunner(cfg.ShellTimeout, cfg.ApprovalTimeout)
	registry := entity.NewRegistry(store)

	rt := worker.New(store, runner, registry, worker.Config{
		Queues:            cfg.WorkerQueues,
		MaxSlots:          cfg.WorkerMaxSlots,
		PollInterval:      cfg.WorkerPoll,
		HeartbeatInterval: cfg.HeartbeatInterval,
		AttemptTimeout:    cfg.AttemptTimeout,
		RetryBase:         cfg.RetryBase,
		RetryFactor:       cfg.RetryFactor,
		RetryCap:          cfg.RetryCap,
		MaxAttempts:       cfg.MaxAttempts,
	})

	if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
