// Package worker implements the task executor runtime: queue polling with
// slot-bounded leases, invocation execution through the durable engine, and
// outcome classification into the task lifecycle.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"

	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/engine"
)

// Config tunes one worker process.
type Config struct {
	// ID is generated when empty.
	ID string
	// Queues the worker is capable of serving.
	Queues []string
	// MaxSlots bounds concurrent leases.
	MaxSlots int
	// PollInterval between empty polls.
	PollInterval time.Duration
	// HeartbeatInterval keeps leases alive; must be well under the reaper cutoff.
	HeartbeatInterval time.Duration
	// AttemptTimeout is the wall-clock ceiling of one invocation attempt.
	AttemptTimeout time.Duration
	// Retry policy for transient failures.
	RetryBase   time.Duration
	RetryFactor float64
	RetryCap    time.Duration
	MaxAttempts int
}

func (c *Config) defaults() {
	if c.ID == "" {
		c.ID = "wrk_" + ulid.Make().String()
	}
	if c.MaxSlots <= 0 {
		c.MaxSlots = 4
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 500 * time.Millisecond
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.RetryFactor < 1 {
		c.RetryFactor = 2
	}
	if c.RetryCap <= 0 {
		c.RetryCap = 5 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
}

// Runtime is one running worker.
type Runtime struct {
	cfg        Config
	store      domain.Store
	runner     *agent.Runner
	dispatcher engine.Dispatcher
}

// New builds a worker runtime. dispatcher may be nil when no entities are
// deployed; invocation bodies then cannot use ctx.call.
func New(store domain.Store, runner *agent.Runner, dispatcher engine.Dispatcher, cfg Config) *Runtime {
	cfg.defaults()
	return &Runtime{cfg: cfg, store: store, runner: runner, dispatcher: dispatcher}
}

// ID returns the worker id.
func (w *Runtime) ID() string { return w.cfg.ID }

// Register announces the worker and its capabilities to the store.
func (w *Runtime) Register(ctx context.Context) error {
	now := time.Now().UTC()
	err := w.store.RegisterWorker(ctx, domain.Worker{
		ID:            w.cfg.ID,
		Capabilities:  w.cfg.Queues,
		MaxSlots:      w.cfg.MaxSlots,
		LastHeartbeat: now,
		RegisteredAt:  now,
	})
	if err != nil {
		return fmt.Errorf("op=worker.register: %w", err)
	}
	return nil
}

// Run registers the worker and serves its queues until ctx is cancelled.
// Leases execute synchronously inside the poll loop slot by slot; concurrency
// comes from MaxSlots across processes, and from the store capping leases.
func (w *Runtime) Run(ctx context.Context) error {
	if err := w.Register(ctx); err != nil {
		return err
	}
	slog.Info("worker started",
		slog.String("worker_id", w.cfg.ID),
		slog.Any("queues", w.cfg.Queues),
		slog.Int("max_slots", w.cfg.MaxSlots))

	go w.heartbeatLoop(ctx)

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := w.store.UnregisterWorker(context.WithoutCancel(ctx), w.cfg.ID); err != nil {
				slog.Warn("worker unregister failed", slog.Any("error", err))
			}
			slog.Info("worker stopped", slog.String("worker_id", w.cfg.ID))
			return ctx.Err()
		case <-ticker.C:
			for {
				worked, err := w.ProcessOnce(ctx)
				if err != nil {
					slog.Error("lease processing failed",
						slog.String("worker_id", w.cfg.ID),
						slog.Any("error", err))
					break
				}
				if !worked {
					break
				}
			}
		}
	}
}

func (w *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.store.WorkerHeartbeat(ctx, w.cfg.ID, time.Now().UTC()); err != nil {
				slog.Warn("heartbeat failed",
					slog.String("worker_id", w.cfg.ID),
					slog.Any("error", err))
			}
		}
	}
}

// ProcessOnce polls each capable queue once and executes at most one leased
// task. Returns whether a lease was taken.
func (w *Runtime) ProcessOnce(ctx context.Context) (bool, error) {
	for _, queue := range w.cfg.Queues {
		qt, err := w.store.PollQueue(ctx, w.cfg.ID, queue, time.Now().UTC())
		if err != nil {
			return false, fmt.Errorf("op=worker.poll: %w", err)
		}
		if qt == nil {
			continue
		}
		if err := w.execute(ctx, *qt); err != nil {
			return true, err
		}
		return true, nil
	}
	return false, nil
}

// execute runs one leased task end to end and finishes the lease.
func (w *Runtime) execute(ctx context.Context, qt domain.QueuedTask) error {
	defer func() {
		if err := w.store.CompleteQueued(context.WithoutCancel(ctx), qt.JobID, qt.TaskName, w.cfg.ID); err != nil {
			slog.Warn("lease completion failed",
				slog.String("job_id", qt.JobID),
				slog.String("task", qt.TaskName),
				slog.Any("error", err))
		}
	}()

	task, err := w.store.GetTask(ctx, qt.JobID, qt.TaskName)
	if err != nil {
		return fmt.Errorf("op=worker.execute: %w", err)
	}

	switch task.Status {
	case domain.StatusReady:
		if err := w.store.TransitionTask(ctx, task.JobID, task.Name, domain.StatusReady, domain.StatusRunning,
			domain.TransitionUpdate{Reason: "leased by " + w.cfg.ID}); err != nil {
			return fmt.Errorf("op=worker.execute: %w", err)
		}
	case domain.StatusBackingOff, domain.StatusPaused:
		// A retry lease opens a fresh attempt and with it a fresh journal space.
		if err := w.store.SetTaskAttempt(ctx, task.JobID, task.Name, task.Attempt+1); err != nil {
			return fmt.Errorf("op=worker.execute: %w", err)
		}
		prev := task.Status
		task.Attempt++
		if err := w.store.TransitionTask(ctx, task.JobID, task.Name, prev, domain.StatusRunning,
			domain.TransitionUpdate{Reason: "retry leased by " + w.cfg.ID}); err != nil {
			return fmt.Errorf("op=worker.execute: %w", err)
		}
	default:
		// Cancelled or already handled elsewhere; drop the stale lease.
		slog.Debug("stale lease dropped",
			slog.String("job_id", task.JobID),
			slog.String("task", task.Name),
			slog.String("status", string(task.Status)))
		return nil
	}

	runCtx := ctx
	if w.cfg.AttemptTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, w.cfg.AttemptTimeout)
		defer cancel()
	}

	out, invErr := w.invoke(runCtx, task)
	return w.settle(ctx, task, out, invErr)
}

func (w *Runtime) invoke(ctx context.Context, task domain.Task) ([]byte, error) {
	ec, err := engine.NewContext(ctx, w.store, w.dispatcher, engine.Invocation{
		JobID:    task.JobID,
		TaskName: task.Name,
		Attempt:  task.Attempt,
	})
	if err != nil {
		return nil, err
	}
	out, invErr := w.runner.Invoke(ec, task)
	if invErr != nil && engine.IsSuspension(invErr) {
		// Carry the suspension's wake deadline into the transition.
		if upd := ec.SuspensionUpdate(); upd != nil {
			return nil, &suspension{upd: *upd}
		}
		return nil, &suspension{upd: domain.TransitionUpdate{Reason: "awaiting awakeable"}}
	}
	return out, invErr
}

type suspension struct {
	upd domain.TransitionUpdate
}

func (s *suspension) Error() string { return "suspended: " + s.upd.Reason }

// settle maps the invocation outcome onto the task FSM.
func (w *Runtime) settle(ctx context.Context, task domain.Task, out []byte, invErr error) error {
	switch {
	case invErr == nil:
		slog.Info("task completed",
			slog.String("job_id", task.JobID),
			slog.String("task", task.Name),
			slog.Int("attempt", task.Attempt))
		return w.transition(ctx, task, domain.StatusCompleted, domain.TransitionUpdate{
			Reason: "invocation succeeded",
			Result: domain.ResultSuccess,
			Output: out,
		})

	case isSuspension(invErr):
		upd := invErr.(*suspension).upd
		slog.Info("task suspended",
			slog.String("job_id", task.JobID),
			slog.String("task", task.Name),
			slog.String("reason", upd.Reason))
		return w.transition(ctx, task, domain.StatusSuspended, upd)

	case domain.IsFatalErr(invErr):
		reason := "fatal: " + invErr.Error()
		if errors.Is(invErr, domain.ErrNonDeterminism) {
			reason = "non-determinism: " + invErr.Error()
		}
		slog.Error("task failed permanently",
			slog.String("job_id", task.JobID),
			slog.String("task", task.Name),
			slog.Int("attempt", task.Attempt),
			slog.Any("error", invErr))
		return w.transition(ctx, task, domain.StatusCompleted, domain.TransitionUpdate{
			Reason:  reason,
			Result:  domain.ResultFailure,
			Failure: invErr.Error(),
		})

	default:
		// Transient. Exhausted attempts end the task; otherwise back off.
		if task.Attempt+1 >= w.cfg.MaxAttempts {
			slog.Error("task retries exhausted",
				slog.String("job_id", task.JobID),
				slog.String("task", task.Name),
				slog.Int("attempt", task.Attempt),
				slog.Any("error", invErr))
			return w.transition(ctx, task, domain.StatusCompleted, domain.TransitionUpdate{
				Reason:  fmt.Sprintf("retries exhausted after %d attempts", task.Attempt+1),
				Result:  domain.ResultFailure,
				Failure: invErr.Error(),
			})
		}
		next := time.Now().UTC().Add(w.retryDelay(task.Attempt))
		slog.Warn("task backing off",
			slog.String("job_id", task.JobID),
			slog.String("task", task.Name),
			slog.Int("attempt", task.Attempt),
			slog.Time("next_retry_at", next),
			slog.Any("error", invErr))
		return w.transition(ctx, task, domain.StatusBackingOff, domain.TransitionUpdate{
			Reason:      "transient: " + invErr.Error(),
			NextRetryAt: &next,
		})
	}
}

func (w *Runtime) transition(ctx context.Context, task domain.Task, to domain.Status, upd domain.TransitionUpdate) error {
	err := w.store.TransitionTask(ctx, task.JobID, task.Name, domain.StatusRunning, to, upd)
	if err != nil {
		return fmt.Errorf("op=worker.settle: %w", err)
	}
	return nil
}

func isSuspension(err error) bool {
	var s *suspension
	return errors.As(err, &s)
}

// retryDelay is the exponential backoff for the given zero-based attempt,
// with light jitter to spread synchronized retries.
func (w *Runtime) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.cfg.RetryBase
	b.Multiplier = w.cfg.RetryFactor
	b.MaxInterval = w.cfg.RetryCap
	b.RandomizationFactor = 0.1
	b.MaxElapsedTime = 0
	d := b.NextBackOff()
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
