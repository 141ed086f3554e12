package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/loomhq/loom/internal/domain"
)

const taskColumns = `id, job_id, name, needs, agent_type, run_cmd, queue,
	status, attempt, gate, var, output, result, failure,
	next_retry_at, wake_at, created_at, updated_at`

func scanTask(row pgx.Row) (domain.Task, error) {
	var t domain.Task
	err := row.Scan(&t.ID, &t.JobID, &t.Name, &t.Needs, &t.AgentType, &t.RunCmd,
		&t.Queue, &t.Status, &t.Attempt, &t.Gate, &t.Var, &t.Output,
		&t.Result, &t.Failure, &t.NextRetryAt, &t.WakeAt, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

// GetTask loads one task.
func (s *Store) GetTask(ctx context.Context, jobID, name string) (domain.Task, error) {
	t, err := scanTask(s.Pool.QueryRow(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id=$1 AND name=$2`, jobID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Task{}, fmt.Errorf("op=task.get: task %s/%s: %w", jobID, name, domain.ErrNotFound)
		}
		return domain.Task{}, fmt.Errorf("op=task.get: %w", err)
	}
	return t, nil
}

// ListTasks returns the job's tasks in creation order.
func (s *Store) ListTasks(ctx context.Context, jobID string) ([]domain.Task, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE job_id=$1 ORDER BY created_at, name`, jobID)
	if err != nil {
		return nil, fmt.Errorf("op=task.list: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "op=task.list")
}

// ListTasksByStatus returns up to limit tasks in the given status, oldest first.
func (s *Store) ListTasksByStatus(ctx context.Context, status domain.Status, limit int) ([]domain.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE status=$1 ORDER BY created_at, name`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.Pool.Query(ctx, q, status)
	if err != nil {
		return nil, fmt.Errorf("op=task.list_status: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows, "op=task.list_status")
}

func collectTasks(rows pgx.Rows, op string) ([]domain.Task, error) {
	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TransitionTask validates and applies a task lifecycle transition, bumps the
// parent job's retry bookkeeping on entry to backing-off, and emits the event
// row, all in one transaction.
func (s *Store) TransitionTask(ctx context.Context, jobID, name string, from, to domain.Status, upd domain.TransitionUpdate) error {
	ctx, span := otel.Tracer("store.postgres").Start(ctx, "store.TransitionTask")
	defer span.End()
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=task.transition: %s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var current domain.Status
		err := tx.QueryRow(ctx,
			`SELECT status FROM tasks WHERE job_id=$1 AND name=$2 FOR UPDATE`,
			jobID, name).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("op=task.transition: task %s/%s: %w", jobID, name, domain.ErrNotFound)
			}
			return fmt.Errorf("op=task.transition: %w", err)
		}
		if current != from {
			return fmt.Errorf("op=task.transition: task %s/%s is %s, not %s: %w", jobID, name, current, from, domain.ErrInvalidTransition)
		}
		q := `UPDATE tasks SET status=$3, wake_at=$4, updated_at=now()`
		args := []any{jobID, name, to, upd.WakeAt}
		if to == domain.StatusBackingOff {
			q += fmt.Sprintf(`, next_retry_at=$%d`, len(args)+1)
			args = append(args, upd.NextRetryAt)
		}
		if to == domain.StatusCompleted {
			q += fmt.Sprintf(`, result=$%d, failure=$%d`, len(args)+1, len(args)+2)
			args = append(args, upd.Result, upd.Failure)
			if upd.Output != nil {
				q += fmt.Sprintf(`, output=$%d`, len(args)+1)
				args = append(args, upd.Output)
			}
		}
		q += ` WHERE job_id=$1 AND name=$2`
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("op=task.transition: %w", err)
		}
		if to == domain.StatusBackingOff {
			_, err := tx.Exec(ctx,
				`UPDATE jobs SET retry_count=retry_count+1, next_retry_at=$2, updated_at=now() WHERE id=$1`,
				jobID, upd.NextRetryAt)
			if err != nil {
				return fmt.Errorf("op=task.transition: %w", err)
			}
		}
		return insertEvent(ctx, tx, jobID, name, domain.EventTaskStateChange, from, to, upd.Reason)
	})
}

// SetTaskAttempt bumps the invocation attempt for a re-leased retry.
func (s *Store) SetTaskAttempt(ctx context.Context, jobID, name string, attempt int) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var current int
		err := tx.QueryRow(ctx,
			`SELECT attempt FROM tasks WHERE job_id=$1 AND name=$2 FOR UPDATE`,
			jobID, name).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("op=task.set_attempt: task %s/%s: %w", jobID, name, domain.ErrNotFound)
			}
			return fmt.Errorf("op=task.set_attempt: %w", err)
		}
		if attempt < current {
			return fmt.Errorf("op=task.set_attempt: attempt %d below current %d: %w", attempt, current, domain.ErrInvalidArgument)
		}
		_, err = tx.Exec(ctx,
			`UPDATE tasks SET attempt=$3, updated_at=now() WHERE job_id=$1 AND name=$2`,
			jobID, name, attempt)
		if err != nil {
			return fmt.Errorf("op=task.set_attempt: %w", err)
		}
		return nil
	})
}
