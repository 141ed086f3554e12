package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomhq/loom/internal/domain"
)

// RetryLoop re-enqueues backing-off tasks whose next_retry_at has passed. The
// worker that leases the row bumps the attempt and resumes execution.
type RetryLoop struct {
	store    domain.Store
	interval time.Duration
}

// NewRetryLoop builds a retry loop polling at interval.
func NewRetryLoop(store domain.Store, interval time.Duration) *RetryLoop {
	if interval <= 0 {
		interval = time.Second
	}
	return &RetryLoop{store: store, interval: interval}
}

// Run polls until ctx is cancelled.
func (r *RetryLoop) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("retry loop stopping")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one retry pass and returns the number of re-enqueued tasks.
func (r *RetryLoop) Tick(ctx context.Context) int {
	tracer := otel.Tracer("app.retry")
	ctx, span := tracer.Start(ctx, "RetryLoop.Tick")
	defer span.End()

	now := time.Now().UTC()
	tasks, err := r.store.ListTasksByStatus(ctx, domain.StatusBackingOff, listPageSize)
	if err != nil {
		slog.Error("retry list failed", slog.Any("error", err))
		return 0
	}
	n := 0
	for _, t := range tasks {
		if t.NextRetryAt != nil && t.NextRetryAt.After(now) {
			continue
		}
		if err := r.store.Enqueue(ctx, t.JobID, t.Name, t.QueueName()); err != nil {
			slog.Warn("retry enqueue failed",
				slog.String("job_id", t.JobID),
				slog.String("task", t.Name),
				slog.Any("error", err))
			continue
		}
		n++
	}
	span.SetAttributes(attribute.Int("tasks.reenqueued", n))
	return n
}
