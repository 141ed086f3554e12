// Command server runs the control plane: the REST API and the scheduling,
// retry, reaping, sweeping, retention and relay loops.
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

	kafkaevents "github.com/loomhq/loom/internal/adapter/events/kafka"
	httpserver "github.com/loomhq/loom/internal/adapter/httpserver"
	rnotify "github.com/loomhq/loom/internal/adapter/notify/redis"
	"github.com/loomhq/loom/internal/adapter/observability"
	"github.com/loomhq/loom/internal/adapter/store/memory"
	"github.com/loomhq/loom/internal/adapter/store/postgres"
	"github.com/loomhq/loom/internal/app"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/usecase"
)

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

	// Store selection.
	var (
		store   domain.Store
		dbCheck func(context.Context) error
	)
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
		dbCheck = pg.Ping
	default:
		slog.Warn("using in-memory store; state is lost on restart")
		store = memory.New()
	}

	// Optional wake notifier.
	var notifier usecase.WakeNotifier
	if cfg.RedisURL != "" {
		rn, err := rnotify.NewNotifier(cfg.RedisURL)
		if err != nil {
			slog.Error("redis connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer func() { _ = rn.Close() }()
		notifier = rn
	}

	jobSvc := usecase.NewJobService(store)
	awkSvc := usecase.NewAwakeableService(store, notifier)
	eventSvc := usecase.NewEventService(store)

	srv := httpserver.NewServer(cfg, jobSvc, awkSvc, eventSvc, store, dbCheck)
	handler := app.BuildRouter(cfg, srv)

	// Control loops.
	sched := app.NewScheduler(store, cfg.SchedulerInterval)
	go sched.Run(ctx)
	go app.NewRetryLoop(store, cfg.RetryInterval).Run(ctx)
	go app.NewReaper(store, cfg.ReaperInterval, cfg.LeaseTimeout).Run(ctx)
	go app.NewTimeoutSweeper(awkSvc, cfg.SweeperInterval).Run(ctx)
	if cfg.RetentionMaxAge > 0 {
		go app.NewRetention(store, cfg.RetentionInterval, cfg.RetentionMaxAge).Run(ctx)
	}

	// Wake notifications shorten scheduling latency between poll ticks.
	if rn, ok := notifier.(*rnotify.Notifier); ok {
		go func() {
			if err := rn.Listen(ctx, func(jobID, taskName string) {
				slog.Debug("wake notification",
					slog.String("job_id", jobID), slog.String("task", taskName))
				sched.Tick(ctx)
			}); err != nil && !errors.Is(err, context.Canceled) {
				slog.Warn("wake listener stopped", slog.Any("error", err))
			}
		}()
	}

	// Optional lifecycle event export.
	if len(cfg.KafkaBrokers) > 0 && cfg.KafkaBrokers[0] != "" {
		pub, err := kafkaevents.NewPublisher(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		if err != nil {
			slog.Error("kafka connect failed", slog.Any("error", err))
			os.Exit(1)
		}
		defer pub.Close()
		go app.NewEventRelay(store, pub, cfg.RelayInterval).Run(ctx)
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("http server starting", slog.Int("port", cfg.Port))
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
