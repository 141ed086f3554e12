package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomhq/loom/internal/domain"
)

// insertEvent records the audit row in the same transaction as the transition
// that caused it, so ordering by id yields a linearizable per-job history.
func insertEvent(ctx context.Context, tx pgx.Tx, jobID, taskName, eventType string, from, to domain.Status, reason string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO events (job_id, task_name, event_type, old_state, new_state, reason)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		jobID, taskName, eventType, from, to, reason)
	if err != nil {
		return fmt.Errorf("op=event.insert: %w", err)
	}
	return nil
}

const eventColumns = `id, job_id, task_name, event_type, old_state, new_state, reason, created_at`

func scanEvent(row pgx.Row) (domain.Event, error) {
	var e domain.Event
	err := row.Scan(&e.ID, &e.JobID, &e.TaskName, &e.EventType, &e.OldState,
		&e.NewState, &e.Reason, &e.CreatedAt)
	return e, err
}

// ListEvents returns the newest events, optionally scoped to a job.
func (s *Store) ListEvents(ctx context.Context, jobID string, limit int) ([]domain.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events`
	args := []any{}
	if jobID != "" {
		q += ` WHERE job_id=$1`
		args = append(args, jobID)
	}
	q += ` ORDER BY id DESC`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=event.list: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows, "op=event.list")
}

// EventsSince returns events with id greater than afterID in id order.
func (s *Store) EventsSince(ctx context.Context, afterID int64, limit int) ([]domain.Event, error) {
	q := `SELECT ` + eventColumns + ` FROM events WHERE id > $1 ORDER BY id`
	if limit > 0 {
		q += fmt.Sprintf(` LIMIT %d`, limit)
	}
	rows, err := s.Pool.Query(ctx, q, afterID)
	if err != nil {
		return nil, fmt.Errorf("op=event.since: %w", err)
	}
	defer rows.Close()
	return collectEvents(rows, "op=event.since")
}

func collectEvents(rows pgx.Rows, op string) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
