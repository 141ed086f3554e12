package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomhq/loom/internal/domain"
)

// Reaper reclaims leases whose worker stopped heartbeating and returns the
// affected running tasks to pending so a healthy worker replays them.
type Reaper struct {
	store        domain.Store
	interval     time.Duration
	leaseTimeout time.Duration
}

// NewReaper builds a reaper. leaseTimeout is how stale a lease heartbeat may
// be before the lease is reclaimed.
func NewReaper(store domain.Store, interval, leaseTimeout time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if leaseTimeout <= 0 {
		leaseTimeout = 30 * time.Second
	}
	return &Reaper{store: store, interval: interval, leaseTimeout: leaseTimeout}
}

// Run polls until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reaper stopping")
			return
		case <-ticker.C:
			r.Tick(ctx)
		}
	}
}

// Tick runs one reaping pass and returns the number of reclaimed leases.
func (r *Reaper) Tick(ctx context.Context) int {
	tracer := otel.Tracer("app.reaper")
	ctx, span := tracer.Start(ctx, "Reaper.Tick")
	defer span.End()

	cutoff := time.Now().UTC().Add(-r.leaseTimeout)
	reaped, err := r.store.ReapLeases(ctx, cutoff)
	if err != nil {
		slog.Error("lease reaping failed", slog.Any("error", err))
		return 0
	}
	for _, qt := range reaped {
		slog.Warn("lease reaped",
			slog.String("job_id", qt.JobID),
			slog.String("task", qt.TaskName),
			slog.String("claimed_by", qt.ClaimedBy))
		task, err := r.store.GetTask(ctx, qt.JobID, qt.TaskName)
		if err != nil {
			slog.Warn("reaped task load failed",
				slog.String("job_id", qt.JobID),
				slog.String("task", qt.TaskName),
				slog.Any("error", err))
			continue
		}
		// A crashed worker leaves the task in running; it goes back to
		// pending for a fresh lease and journal replay.
		if task.Status != domain.StatusRunning {
			continue
		}
		if err := r.store.TransitionTask(ctx, qt.JobID, qt.TaskName, domain.StatusRunning, domain.StatusPending,
			domain.TransitionUpdate{Reason: "lease reaped from " + qt.ClaimedBy}); err != nil {
			slog.Warn("reaped task recovery failed",
				slog.String("job_id", qt.JobID),
				slog.String("task", qt.TaskName),
				slog.Any("error", err))
		}
	}
	span.SetAttributes(attribute.Int("leases.reaped", len(reaped)))
	return len(reaped)
}
