package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomhq/loom/internal/domain"
)

// Retention deletes completed jobs older than the configured age, cascading
// to their tasks, journal, awakeables, queue rows and events.
type Retention struct {
	store    domain.Store
	interval time.Duration
	maxAge   time.Duration
}

// NewRetention builds the purge loop. A maxAge of zero disables it.
func NewRetention(store domain.Store, interval, maxAge time.Duration) *Retention {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Retention{store: store, interval: interval, maxAge: maxAge}
}

// Run polls until ctx is cancelled. No-op when retention is disabled.
func (r *Retention) Run(ctx context.Context) {
	if r.maxAge <= 0 {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("retention loop stopping")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick purges once and returns the number of deleted jobs.
func (r *Retention) Tick(ctx context.Context) int {
	tracer := otel.Tracer("app.retention")
	ctx, span := tracer.Start(ctx, "Retention.Tick")
	defer span.End()

	n, err := r.store.PurgeCompletedJobs(ctx, time.Now().UTC().Add(-r.maxAge))
	if err != nil {
		slog.Error("retention purge failed", slog.Any("error", err))
		return 0
	}
	if n > 0 {
		slog.Info("completed jobs purged", slog.Int("count", n))
	}
	span.SetAttributes(attribute.Int("jobs.purged", n))
	return n
}
