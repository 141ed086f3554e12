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

const awakeableColumns = `id, job_id, task_name, entry_index, status, payload,
	timeout_at, created_at, resolved_at`

func scanAwakeable(row pgx.Row) (domain.Awakeable, error) {
	var a domain.Awakeable
	err := row.Scan(&a.ID, &a.JobID, &a.TaskName, &a.EntryIndex, &a.Status,
		&a.Payload, &a.TimeoutAt, &a.CreatedAt, &a.ResolvedAt)
	return a, err
}

// CreateAwakeable inserts a PENDING awakeable row.
func (s *Store) CreateAwakeable(ctx context.Context, a domain.Awakeable) error {
	if a.Status == "" {
		a.Status = domain.AwakeablePending
	}
	_, err := s.Pool.Exec(ctx, `INSERT INTO awakeables
		(id, job_id, task_name, entry_index, status, timeout_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		a.ID, a.JobID, a.TaskName, a.EntryIndex, a.Status, a.TimeoutAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("op=awakeable.create: %s: %w", a.ID, domain.ErrConflict)
		}
		return fmt.Errorf("op=awakeable.create: %w", err)
	}
	return nil
}

// GetAwakeable loads an awakeable by id.
func (s *Store) GetAwakeable(ctx context.Context, id string) (domain.Awakeable, error) {
	a, err := scanAwakeable(s.Pool.QueryRow(ctx,
		`SELECT `+awakeableColumns+` FROM awakeables WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Awakeable{}, fmt.Errorf("op=awakeable.get: %s: %w", id, domain.ErrNotFound)
		}
		return domain.Awakeable{}, fmt.Errorf("op=awakeable.get: %w", err)
	}
	return a, nil
}

// ListAwakeables returns awakeables, optionally scoped to a job, newest first.
func (s *Store) ListAwakeables(ctx context.Context, jobID string, limit int) ([]domain.Awakeable, error) {
	q := `SELECT ` + awakeableColumns + ` FROM awakeables`
	args := []any{}
	if jobID != "" {
		q += ` WHERE job_id=$1`
		args = append(args, jobID)
	}
	q += ` ORDER BY created_at DESC, id`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=awakeable.list: %w", err)
	}
	defer rows.Close()
	var out []domain.Awakeable
	for rows.Next() {
		a, err := scanAwakeable(rows)
		if err != nil {
			return nil, fmt.Errorf("op=awakeable.list: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SettleAwakeable performs the single terminal transition out of PENDING and,
// for settlements other than CANCELLED, wakes the suspended task in the same
// transaction.
func (s *Store) SettleAwakeable(ctx context.Context, id string, to domain.AwakeableStatus, payload []byte) (domain.Awakeable, error) {
	ctx, span := otel.Tracer("store.postgres").Start(ctx, "store.SettleAwakeable")
	defer span.End()
	var settled domain.Awakeable
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var err error
		settled, err = settleInTx(ctx, tx, id, to, payload)
		return err
	})
	if err != nil {
		return domain.Awakeable{}, err
	}
	return settled, nil
}

func settleInTx(ctx context.Context, tx pgx.Tx, id string, to domain.AwakeableStatus, payload []byte) (domain.Awakeable, error) {
	a, err := scanAwakeable(tx.QueryRow(ctx, `
		UPDATE awakeables SET status=$2, payload=$3, resolved_at=now()
		WHERE id=$1 AND status='PENDING'
		RETURNING `+awakeableColumns, id, to, payload))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Awakeable{}, fmt.Errorf("op=awakeable.settle: %w", err)
		}
		// Distinguish a settled row from a missing one.
		var status domain.AwakeableStatus
		serr := tx.QueryRow(ctx, `SELECT status FROM awakeables WHERE id=$1`, id).Scan(&status)
		if errors.Is(serr, pgx.ErrNoRows) {
			return domain.Awakeable{}, fmt.Errorf("op=awakeable.settle: %s: %w", id, domain.ErrNotFound)
		}
		if serr != nil {
			return domain.Awakeable{}, fmt.Errorf("op=awakeable.settle: %w", serr)
		}
		return domain.Awakeable{}, fmt.Errorf("op=awakeable.settle: %s is %s: %w", id, status, domain.ErrNotPending)
	}
	if to != domain.AwakeableCancelled {
		if err := wakeTaskInTx(ctx, tx, a.JobID, a.TaskName, "awakeable "+string(to)); err != nil {
			return domain.Awakeable{}, err
		}
	}
	return a, nil
}

// wakeTaskInTx re-schedules a suspended task so replay can deliver the
// settlement; a task in any other state is left alone.
func wakeTaskInTx(ctx context.Context, tx pgx.Tx, jobID, taskName, reason string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE tasks SET status=$3, wake_at=NULL, updated_at=now()
		WHERE job_id=$1 AND name=$2 AND status=$4`,
		jobID, taskName, domain.StatusPending, domain.StatusSuspended)
	if err != nil {
		return fmt.Errorf("op=awakeable.settle: wake task: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil
	}
	return insertEvent(ctx, tx, jobID, taskName, domain.EventTaskStateChange,
		domain.StatusSuspended, domain.StatusPending, reason)
}

// ExpireAwakeables settles every PENDING awakeable past its timeout as
// TIMEOUT, waking the affected tasks.
func (s *Store) ExpireAwakeables(ctx context.Context, now time.Time) ([]domain.Awakeable, error) {
	ctx, span := otel.Tracer("store.postgres").Start(ctx, "store.ExpireAwakeables")
	defer span.End()
	var expired []domain.Awakeable
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx, `
			SELECT id FROM awakeables
			WHERE status='PENDING' AND timeout_at IS NOT NULL AND timeout_at <= $1
			FOR UPDATE SKIP LOCKED`, now)
		if err != nil {
			return fmt.Errorf("op=awakeable.expire: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("op=awakeable.expire: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("op=awakeable.expire: %w", err)
		}
		for _, id := range ids {
			a, err := settleInTx(ctx, tx, id, domain.AwakeableTimeout, nil)
			if err != nil {
				return err
			}
			expired = append(expired, a)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

// CancelJobAwakeables cancels all PENDING awakeables of a job.
func (s *Store) CancelJobAwakeables(ctx context.Context, jobID string) (int, error) {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE awakeables SET status=$2, resolved_at=now()
		WHERE job_id=$1 AND status='PENDING'`,
		jobID, domain.AwakeableCancelled)
	if err != nil {
		return 0, fmt.Errorf("op=awakeable.cancel_job: %w", err)
	}
	return int(tag.RowsAffected()), nil
}
