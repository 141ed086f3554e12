package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/loomhq/loom/internal/domain"
)

// RegisterWorker upserts a worker with zero active slots.
func (s *Store) RegisterWorker(ctx context.Context, w domain.Worker) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO workers (id, capabilities, max_slots, active_slots)
		VALUES ($1,$2,$3,0)
		ON CONFLICT (id) DO UPDATE SET
			capabilities=EXCLUDED.capabilities, max_slots=EXCLUDED.max_slots,
			active_slots=0, last_heartbeat=now()`,
		w.ID, w.Capabilities, w.MaxSlots)
	if err != nil {
		return fmt.Errorf("op=worker.register: %w", err)
	}
	return nil
}

const workerColumns = `id, capabilities, max_slots, active_slots, last_heartbeat, registered_at`

func scanWorker(row pgx.Row) (domain.Worker, error) {
	var w domain.Worker
	err := row.Scan(&w.ID, &w.Capabilities, &w.MaxSlots, &w.ActiveSlots,
		&w.LastHeartbeat, &w.RegisteredAt)
	return w, err
}

// GetWorker loads a worker.
func (s *Store) GetWorker(ctx context.Context, workerID string) (domain.Worker, error) {
	w, err := scanWorker(s.Pool.QueryRow(ctx,
		`SELECT `+workerColumns+` FROM workers WHERE id=$1`, workerID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Worker{}, fmt.Errorf("op=worker.get: %s: %w", workerID, domain.ErrNotFound)
		}
		return domain.Worker{}, fmt.Errorf("op=worker.get: %w", err)
	}
	return w, nil
}

// ListWorkers returns all registered workers.
func (s *Store) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+workerColumns+` FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("op=worker.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows)
		if err != nil {
			return nil, fmt.Errorf("op=worker.list: %w", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// UnregisterWorker removes a worker registration.
func (s *Store) UnregisterWorker(ctx context.Context, workerID string) error {
	if _, err := s.Pool.Exec(ctx, `DELETE FROM workers WHERE id=$1`, workerID); err != nil {
		return fmt.Errorf("op=worker.unregister: %w", err)
	}
	return nil
}

// WorkerHeartbeat refreshes the worker and its leased rows in one transaction.
func (s *Store) WorkerHeartbeat(ctx context.Context, workerID string, now time.Time) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE workers SET last_heartbeat=$2 WHERE id=$1`, workerID, now)
		if err != nil {
			return fmt.Errorf("op=worker.heartbeat: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=worker.heartbeat: %s: %w", workerID, domain.ErrNotFound)
		}
		_, err = tx.Exec(ctx, `
			UPDATE queue_tasks SET heartbeat_at=$2
			WHERE claimed_by=$1 AND status='LEASED'`, workerID, now)
		if err != nil {
			return fmt.Errorf("op=worker.heartbeat: %w", err)
		}
		return nil
	})
}

// Enqueue inserts a QUEUED row; a live duplicate is a no-op, a DONE row is
// re-armed so re-scheduling after completion works.
func (s *Store) Enqueue(ctx context.Context, jobID, taskName, queue string) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO queue_tasks (job_id, task_name, queue) VALUES ($1,$2,$3)
		ON CONFLICT (job_id, task_name) DO UPDATE SET
			queue=EXCLUDED.queue, status='QUEUED', claimed_by='',
			heartbeat_at=NULL, enqueued_at=now()
		WHERE queue_tasks.status='DONE'`,
		jobID, taskName, queue)
	if err != nil {
		return fmt.Errorf("op=queue.enqueue: %w", err)
	}
	return nil
}

const queuedColumns = `job_id, task_name, queue, status, claimed_by, heartbeat_at, enqueued_at`

func scanQueued(row pgx.Row) (domain.QueuedTask, error) {
	var q domain.QueuedTask
	err := row.Scan(&q.JobID, &q.TaskName, &q.Queue, &q.Status, &q.ClaimedBy,
		&q.HeartbeatAt, &q.EnqueuedAt)
	return q, err
}

// PollQueue atomically leases the oldest unclaimed QUEUED row on queue,
// incrementing the worker's slot count. Returns nil when the queue is empty
// or the worker is at capacity.
func (s *Store) PollQueue(ctx context.Context, workerID, queue string, now time.Time) (*domain.QueuedTask, error) {
	ctx, span := otel.Tracer("store.postgres").Start(ctx, "store.PollQueue")
	defer span.End()
	var leased *domain.QueuedTask
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var maxSlots, activeSlots int
		err := tx.QueryRow(ctx,
			`SELECT max_slots, active_slots FROM workers WHERE id=$1 FOR UPDATE`,
			workerID).Scan(&maxSlots, &activeSlots)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("op=queue.poll: worker %s: %w", workerID, domain.ErrNotFound)
			}
			return fmt.Errorf("op=queue.poll: %w", err)
		}
		if activeSlots >= maxSlots {
			return nil
		}
		q, err := scanQueued(tx.QueryRow(ctx, `
			UPDATE queue_tasks SET status='LEASED', claimed_by=$1, heartbeat_at=$3
			WHERE (job_id, task_name) IN (
				SELECT job_id, task_name FROM queue_tasks
				WHERE queue=$2 AND status='QUEUED'
				ORDER BY enqueued_at
				FOR UPDATE SKIP LOCKED
				LIMIT 1)
			RETURNING `+queuedColumns, workerID, queue, now))
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("op=queue.poll: %w", err)
		}
		_, err = tx.Exec(ctx,
			`UPDATE workers SET active_slots=active_slots+1 WHERE id=$1`, workerID)
		if err != nil {
			return fmt.Errorf("op=queue.poll: %w", err)
		}
		leased = &q
		return nil
	})
	if err != nil {
		return nil, err
	}
	return leased, nil
}

// CompleteQueued finishes a lease held by workerID and releases its slot.
func (s *Store) CompleteQueued(ctx context.Context, jobID, taskName, workerID string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE queue_tasks SET status='DONE', claimed_by='', heartbeat_at=NULL
			WHERE job_id=$1 AND task_name=$2 AND status='LEASED' AND claimed_by=$3`,
			jobID, taskName, workerID)
		if err != nil {
			return fmt.Errorf("op=queue.complete: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("op=queue.complete: lease %s/%s by %s: %w", jobID, taskName, workerID, domain.ErrNotFound)
		}
		return releaseSlotInTx(ctx, tx, workerID)
	})
}

// ReapLeases returns stale leases to QUEUED and frees the claimants' slots.
func (s *Store) ReapLeases(ctx context.Context, cutoff time.Time) ([]domain.QueuedTask, error) {
	ctx, span := otel.Tracer("store.postgres").Start(ctx, "store.ReapLeases")
	defer span.End()
	var reaped []domain.QueuedTask
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT `+queuedColumns+` FROM queue_tasks
			WHERE status='LEASED' AND heartbeat_at < $1
			FOR UPDATE SKIP LOCKED`, cutoff)
		if err != nil {
			return fmt.Errorf("op=queue.reap: %w", err)
		}
		var stale []domain.QueuedTask
		claimants := map[string]int{}
		for rows.Next() {
			q, err := scanQueued(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("op=queue.reap: %w", err)
			}
			stale = append(stale, q)
			if q.ClaimedBy != "" {
				claimants[q.ClaimedBy]++
			}
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("op=queue.reap: %w", err)
		}
		for _, q := range stale {
			_, err := tx.Exec(ctx, `
				UPDATE queue_tasks SET status='QUEUED', claimed_by='', heartbeat_at=NULL
				WHERE job_id=$1 AND task_name=$2`, q.JobID, q.TaskName)
			if err != nil {
				return fmt.Errorf("op=queue.reap: %w", err)
			}
			// The returned row keeps the old claimant so callers can report
			// who lost the lease.
			q.Status = domain.QueueStatusQueued
			q.HeartbeatAt = nil
			reaped = append(reaped, q)
		}
		for claimant, n := range claimants {
			_, err := tx.Exec(ctx, `
				UPDATE workers SET active_slots=GREATEST(active_slots-$2, 0) WHERE id=$1`,
				claimant, n)
			if err != nil {
				return fmt.Errorf("op=queue.reap: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return reaped, nil
}

func releaseSlotInTx(ctx context.Context, tx pgx.Tx, workerID string) error {
	_, err := tx.Exec(ctx,
		`UPDATE workers SET active_slots=GREATEST(active_slots-1, 0) WHERE id=$1`,
		workerID)
	if err != nil {
		return fmt.Errorf("op=queue.release_slot: %w", err)
	}
	return nil
}

// QueueDepth counts QUEUED rows on queue.
func (s *Store) QueueDepth(ctx context.Context, queue string) (int, error) {
	var n int
	err := s.Pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM queue_tasks WHERE queue=$1 AND status='QUEUED'`,
		queue).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("op=queue.depth: %w", err)
	}
	return n, nil
}
