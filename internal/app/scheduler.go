// Package app hosts the engine's periodic loops: the scheduler, the retry
// pass, the lease reaper, the awakeable timeout sweeper, retention, and the
// event relay. Every loop is best-effort; a missed tick delays work but the
// lifecycle FSM in the store keeps state consistent.
package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/loomhq/loom/internal/domain"
)

const listPageSize = 200

// Scheduler promotes tasks whose dependencies are satisfied, wakes elapsed
// sleepers, and drives job-level status from task outcomes.
type Scheduler struct {
	store    domain.Store
	interval time.Duration
}

// NewScheduler builds a scheduler polling at interval.
func NewScheduler(store domain.Store, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = time.Second
	}
	return &Scheduler{store: store, interval: interval}
}

// Run polls until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopping")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one scheduling pass. Exported so wake notifications and tests can
// trigger a pass out of band.
func (s *Scheduler) Tick(ctx context.Context) {
	tracer := otel.Tracer("app.scheduler")
	ctx, span := tracer.Start(ctx, "Scheduler.Tick")
	defer span.End()

	woken := s.wakeSleepers(ctx)
	promoted := s.promotePending(ctx)
	s.settleJobs(ctx)
	span.SetAttributes(
		attribute.Int("tasks.woken", woken),
		attribute.Int("tasks.promoted", promoted),
	)
}

// wakeSleepers returns suspended tasks with an elapsed sleep deadline to
// pending so they are re-scheduled and replay past the sleep entry.
func (s *Scheduler) wakeSleepers(ctx context.Context) int {
	now := time.Now().UTC()
	tasks, err := s.store.ListTasksByStatus(ctx, domain.StatusSuspended, listPageSize)
	if err != nil {
		slog.Error("scheduler list suspended failed", slog.Any("error", err))
		return 0
	}
	n := 0
	for _, t := range tasks {
		if t.WakeAt == nil || t.WakeAt.After(now) {
			continue
		}
		if err := s.store.TransitionTask(ctx, t.JobID, t.Name, domain.StatusSuspended, domain.StatusPending,
			domain.TransitionUpdate{Reason: "sleep elapsed"}); err != nil {
			slog.Warn("sleeper wake failed",
				slog.String("job_id", t.JobID),
				slog.String("task", t.Name),
				slog.Any("error", err))
			continue
		}
		n++
	}
	return n
}

// promotePending moves pending tasks whose needs are all completed(success)
// to ready and enqueues them. A failed dependency propagates: the task
// completes with failure without ever running.
func (s *Scheduler) promotePending(ctx context.Context) int {
	tasks, err := s.store.ListTasksByStatus(ctx, domain.StatusPending, listPageSize)
	if err != nil {
		slog.Error("scheduler list pending failed", slog.Any("error", err))
		return 0
	}
	n := 0
	for _, t := range tasks {
		satisfied, failedDep, err := s.needsState(ctx, t)
		if err != nil {
			slog.Warn("dependency check failed",
				slog.String("job_id", t.JobID),
				slog.String("task", t.Name),
				slog.Any("error", err))
			continue
		}
		switch {
		case failedDep != "":
			if err := s.store.TransitionTask(ctx, t.JobID, t.Name, domain.StatusPending, domain.StatusCompleted,
				domain.TransitionUpdate{
					Reason:  "dependency " + failedDep + " failed",
					Result:  domain.ResultFailure,
					Failure: "dependency " + failedDep + " failed",
				}); err != nil {
				slog.Warn("dependency failure propagation failed",
					slog.String("job_id", t.JobID),
					slog.String("task", t.Name),
					slog.Any("error", err))
			}
		case satisfied:
			if err := s.store.TransitionTask(ctx, t.JobID, t.Name, domain.StatusPending, domain.StatusReady,
				domain.TransitionUpdate{Reason: "dependencies satisfied"}); err != nil {
				slog.Warn("task promotion failed",
					slog.String("job_id", t.JobID),
					slog.String("task", t.Name),
					slog.Any("error", err))
				continue
			}
			if err := s.store.Enqueue(ctx, t.JobID, t.Name, t.QueueName()); err != nil {
				slog.Warn("task enqueue failed",
					slog.String("job_id", t.JobID),
					slog.String("task", t.Name),
					slog.Any("error", err))
				continue
			}
			s.advanceJob(ctx, t.JobID)
			n++
		}
	}
	return n
}

// needsState reports whether all needs completed successfully, or names the
// first failed dependency.
func (s *Scheduler) needsState(ctx context.Context, t domain.Task) (bool, string, error) {
	for _, dep := range t.Needs {
		d, err := s.store.GetTask(ctx, t.JobID, dep)
		if err != nil {
			return false, "", err
		}
		if d.Status != domain.StatusCompleted {
			return false, "", nil
		}
		if d.Result != domain.ResultSuccess {
			return false, dep, nil
		}
	}
	return true, "", nil
}

// advanceJob walks the job out of pending once its first task is scheduled.
func (s *Scheduler) advanceJob(ctx context.Context, jobID string) {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		slog.Warn("job load failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if j.Status != domain.StatusPending {
		return
	}
	if err := s.store.TransitionJob(ctx, jobID, domain.StatusPending, domain.StatusReady,
		domain.TransitionUpdate{Reason: "first task scheduled"}); err != nil {
		slog.Warn("job promotion failed", slog.String("job_id", jobID), slog.Any("error", err))
		return
	}
	if err := s.store.TransitionJob(ctx, jobID, domain.StatusReady, domain.StatusRunning,
		domain.TransitionUpdate{Reason: "tasks in flight"}); err != nil {
		slog.Warn("job promotion failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// settleJobs completes running jobs whose tasks are all terminal: success
// when every task succeeded, failure naming the first failed task otherwise.
func (s *Scheduler) settleJobs(ctx context.Context) {
	jobs, err := s.store.ListJobs(ctx, domain.ListJobsFilter{Status: domain.StatusRunning, Limit: listPageSize})
	if err != nil {
		slog.Error("scheduler list running jobs failed", slog.Any("error", err))
		return
	}
	for _, j := range jobs {
		tasks, err := s.store.ListTasks(ctx, j.ID)
		if err != nil {
			slog.Warn("job task list failed", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		done := true
		result := domain.ResultSuccess
		failure := ""
		for _, t := range tasks {
			if t.Status != domain.StatusCompleted {
				done = false
				break
			}
			if t.Result != domain.ResultSuccess && failure == "" {
				result = domain.ResultFailure
				failure = "task " + t.Name + " failed: " + t.Failure
			}
		}
		if !done {
			continue
		}
		if result == domain.ResultFailure {
			// Orphaned promises must not be resolvable after the job ends.
			if _, err := s.store.CancelJobAwakeables(ctx, j.ID); err != nil {
				slog.Warn("awakeable cancellation failed", slog.String("job_id", j.ID), slog.Any("error", err))
			}
		}
		if err := s.store.TransitionJob(ctx, j.ID, domain.StatusRunning, domain.StatusCompleted,
			domain.TransitionUpdate{Reason: "all tasks terminal", Result: result, Failure: failure}); err != nil {
			slog.Warn("job completion failed", slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		slog.Info("job completed",
			slog.String("job_id", j.ID),
			slog.String("result", string(result)))
	}
}
