package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"

	"github.com/loomhq/loom/internal/domain"
)

const jobColumns = `id, name, status, retry_count, next_retry_at,
	completion_result, completion_failure, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	err := row.Scan(&j.ID, &j.Name, &j.Status, &j.RetryCount, &j.NextRetryAt,
		&j.CompletionResult, &j.CompletionFailure, &j.CreatedAt, &j.UpdatedAt)
	return j, err
}

// CreateJob inserts the job and its task DAG in one transaction.
func (s *Store) CreateJob(ctx context.Context, job domain.Job, tasks []domain.Task) error {
	ctx, span := otel.Tracer("store.postgres").Start(ctx, "store.CreateJob")
	defer span.End()
	if job.Status == "" {
		job.Status = domain.StatusPending
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `INSERT INTO jobs (id, name, status) VALUES ($1,$2,$3)`,
			job.ID, job.Name, job.Status)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("op=job.create: job %s: %w", job.ID, domain.ErrConflict)
			}
			return fmt.Errorf("op=job.create: %w", err)
		}
		for _, t := range tasks {
			if t.JobID != job.ID {
				return fmt.Errorf("op=job.create: task %s belongs to %s: %w", t.Name, t.JobID, domain.ErrInvalidArgument)
			}
			if t.Status == "" {
				t.Status = domain.StatusPending
			}
			if t.Attempt == 0 {
				t.Attempt = 1
			}
			_, err := tx.Exec(ctx, `INSERT INTO tasks
				(id, job_id, name, needs, agent_type, run_cmd, queue, status, attempt, gate, var)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
				t.ID, t.JobID, t.Name, t.Needs, t.AgentType, t.RunCmd, t.Queue,
				t.Status, t.Attempt, t.Gate, t.Var)
			if err != nil {
				if isUniqueViolation(err) {
					return fmt.Errorf("op=job.create: duplicate task %s: %w", t.Name, domain.ErrConflict)
				}
				return fmt.Errorf("op=job.create: task %s: %w", t.Name, err)
			}
		}
		return nil
	})
}

// GetJob loads a job by id.
func (s *Store) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	j, err := scanJob(s.Pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id=$1`, jobID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, fmt.Errorf("op=job.get: job %s: %w", jobID, domain.ErrNotFound)
		}
		return domain.Job{}, fmt.Errorf("op=job.get: %w", err)
	}
	return j, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(ctx context.Context, f domain.ListJobsFilter) ([]domain.Job, error) {
	q := `SELECT ` + jobColumns + ` FROM jobs`
	args := []any{}
	if f.Status != "" {
		q += ` WHERE status=$1`
		args = append(args, f.Status)
	}
	q += ` ORDER BY created_at DESC, id`
	if f.Limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, f.Limit)
	}
	if f.Offset > 0 {
		q += fmt.Sprintf(` OFFSET %d`, f.Offset)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=job.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("op=job.list: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// TransitionJob validates and applies a job lifecycle transition, emitting the
// event row in the same transaction.
func (s *Store) TransitionJob(ctx context.Context, jobID string, from, to domain.Status, upd domain.TransitionUpdate) error {
	ctx, span := otel.Tracer("store.postgres").Start(ctx, "store.TransitionJob")
	defer span.End()
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("op=job.transition: %s -> %s: %w", from, to, domain.ErrInvalidTransition)
	}
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var current domain.Status
		err := tx.QueryRow(ctx, `SELECT status FROM jobs WHERE id=$1 FOR UPDATE`, jobID).Scan(&current)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("op=job.transition: job %s: %w", jobID, domain.ErrNotFound)
			}
			return fmt.Errorf("op=job.transition: %w", err)
		}
		if current != from {
			return fmt.Errorf("op=job.transition: job %s is %s, not %s: %w", jobID, current, from, domain.ErrInvalidTransition)
		}
		q := `UPDATE jobs SET status=$2, updated_at=now()`
		args := []any{jobID, to}
		if to == domain.StatusBackingOff {
			q += `, retry_count=retry_count+1, next_retry_at=$3`
			args = append(args, upd.NextRetryAt)
		}
		if to == domain.StatusCompleted {
			q += fmt.Sprintf(`, completion_result=$%d, completion_failure=$%d`, len(args)+1, len(args)+2)
			args = append(args, upd.Result, upd.Failure)
		}
		q += ` WHERE id=$1`
		if _, err := tx.Exec(ctx, q, args...); err != nil {
			return fmt.Errorf("op=job.transition: %w", err)
		}
		return insertEvent(ctx, tx, jobID, "", domain.EventJobStateChange, from, to, upd.Reason)
	})
}

// PurgeCompletedJobs deletes completed jobs older than before; child rows go
// with them via cascading foreign keys.
func (s *Store) PurgeCompletedJobs(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.Pool.Exec(ctx,
		`DELETE FROM jobs WHERE status=$1 AND updated_at < $2`,
		domain.StatusCompleted, before)
	if err != nil {
		return 0, fmt.Errorf("op=job.purge: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
