package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomhq/loom/internal/domain"
)

// RegisterEntity upserts an entity registration.
func (s *Store) RegisterEntity(ctx context.Context, e domain.Entity) error {
	handlers, err := json.Marshal(e.Handlers)
	if err != nil {
		return fmt.Errorf("op=entity.register: %w", err)
	}
	_, err = s.Pool.Exec(ctx, `
		INSERT INTO entities (name, type, handlers) VALUES ($1,$2,$3)
		ON CONFLICT (name) DO UPDATE SET type=EXCLUDED.type, handlers=EXCLUDED.handlers`,
		e.Name, e.Type, handlers)
	if err != nil {
		return fmt.Errorf("op=entity.register: %w", err)
	}
	return nil
}

// GetEntity loads an entity registration.
func (s *Store) GetEntity(ctx context.Context, name string) (domain.Entity, error) {
	var e domain.Entity
	var handlers []byte
	err := s.Pool.QueryRow(ctx,
		`SELECT name, type, handlers FROM entities WHERE name=$1`, name).
		Scan(&e.Name, &e.Type, &handlers)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Entity{}, fmt.Errorf("op=entity.get: %s: %w", name, domain.ErrNotFound)
		}
		return domain.Entity{}, fmt.Errorf("op=entity.get: %w", err)
	}
	if err := json.Unmarshal(handlers, &e.Handlers); err != nil {
		return domain.Entity{}, fmt.Errorf("op=entity.get: %w", err)
	}
	return e, nil
}

// GetObjectState returns the stored value or nil when the field is unset.
func (s *Store) GetObjectState(ctx context.Context, entity, key, field string) ([]byte, error) {
	var value []byte
	err := s.Pool.QueryRow(ctx,
		`SELECT value FROM object_state WHERE entity=$1 AND key=$2 AND field=$3`,
		entity, key, field).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("op=state.get: %w", err)
	}
	return value, nil
}

// ListObjectState returns all fields of (entity, key).
func (s *Store) ListObjectState(ctx context.Context, entity, key string) (map[string][]byte, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT field, value FROM object_state WHERE entity=$1 AND key=$2`, entity, key)
	if err != nil {
		return nil, fmt.Errorf("op=state.list: %w", err)
	}
	defer rows.Close()
	out := make(map[string][]byte)
	for rows.Next() {
		var field string
		var value []byte
		if err := rows.Scan(&field, &value); err != nil {
			return nil, fmt.Errorf("op=state.list: %w", err)
		}
		out[field] = value
	}
	return out, rows.Err()
}

// SetObjectState writes one field.
func (s *Store) SetObjectState(ctx context.Context, entity, key, field string, value []byte) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO object_state (entity, key, field, value) VALUES ($1,$2,$3,$4)
		ON CONFLICT (entity, key, field) DO UPDATE SET value=EXCLUDED.value`,
		entity, key, field, value)
	if err != nil {
		return fmt.Errorf("op=state.set: %w", err)
	}
	return nil
}

// ClearObjectState removes one field.
func (s *Store) ClearObjectState(ctx context.Context, entity, key, field string) error {
	_, err := s.Pool.Exec(ctx,
		`DELETE FROM object_state WHERE entity=$1 AND key=$2 AND field=$3`,
		entity, key, field)
	if err != nil {
		return fmt.Errorf("op=state.clear: %w", err)
	}
	return nil
}

// ClearAllObjectState removes every field of (entity, key).
func (s *Store) ClearAllObjectState(ctx context.Context, entity, key string) error {
	_, err := s.Pool.Exec(ctx,
		`DELETE FROM object_state WHERE entity=$1 AND key=$2`, entity, key)
	if err != nil {
		return fmt.Errorf("op=state.clear_all: %w", err)
	}
	return nil
}

// AcquireObjectLock takes the write lock; contested acquisitions report the
// current holder instead of blocking.
func (s *Store) AcquireObjectLock(ctx context.Context, entity, key, holder string) (domain.LockResult, error) {
	var result domain.LockResult
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			INSERT INTO object_locks (entity, key, holder) VALUES ($1,$2,$3)
			ON CONFLICT (entity, key) DO NOTHING`, entity, key, holder)
		if err != nil {
			return fmt.Errorf("op=lock.acquire: %w", err)
		}
		if tag.RowsAffected() == 1 {
			result = domain.LockResult{Acquired: true, Holder: holder}
			return nil
		}
		var current string
		if err := tx.QueryRow(ctx,
			`SELECT holder FROM object_locks WHERE entity=$1 AND key=$2`,
			entity, key).Scan(&current); err != nil {
			return fmt.Errorf("op=lock.acquire: %w", err)
		}
		result = domain.LockResult{Acquired: current == holder, Holder: current}
		return nil
	})
	if err != nil {
		return domain.LockResult{}, err
	}
	return result, nil
}

// ReleaseObjectLock releases the lock if holder owns it.
func (s *Store) ReleaseObjectLock(ctx context.Context, entity, key, holder string) error {
	return s.withTx(ctx, func(tx pgx.Tx) error {
		var current string
		err := tx.QueryRow(ctx,
			`SELECT holder FROM object_locks WHERE entity=$1 AND key=$2 FOR UPDATE`,
			entity, key).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("op=lock.release: %w", err)
		}
		if current != holder {
			return fmt.Errorf("op=lock.release: %s/%s held by %s: %w", entity, key, current, domain.ErrLockHeld)
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM object_locks WHERE entity=$1 AND key=$2`, entity, key); err != nil {
			return fmt.Errorf("op=lock.release: %w", err)
		}
		return nil
	})
}

const runColumns = `entity, workflow_id, status, result, holder, started_at, completed_at`

func scanRun(row pgx.Row) (domain.WorkflowRun, error) {
	var r domain.WorkflowRun
	err := row.Scan(&r.Entity, &r.WorkflowID, &r.Status, &r.Result, &r.Holder,
		&r.StartedAt, &r.CompletedAt)
	return r, err
}

// BeginWorkflowRun claims the exactly-once run slot; a lost claim returns the
// existing run.
func (s *Store) BeginWorkflowRun(ctx context.Context, entity, workflowID, holder string) (bool, domain.WorkflowRun, error) {
	var started bool
	var run domain.WorkflowRun
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		r, err := scanRun(tx.QueryRow(ctx, `
			INSERT INTO workflow_runs (entity, workflow_id, status, holder)
			VALUES ($1,$2,$3,$4)
			ON CONFLICT (entity, workflow_id) DO NOTHING
			RETURNING `+runColumns, entity, workflowID, domain.RunRunning, holder))
		if err == nil {
			started, run = true, r
			return nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=workflow.begin: %w", err)
		}
		r, err = scanRun(tx.QueryRow(ctx,
			`SELECT `+runColumns+` FROM workflow_runs WHERE entity=$1 AND workflow_id=$2`,
			entity, workflowID))
		if err != nil {
			return fmt.Errorf("op=workflow.begin: %w", err)
		}
		started, run = false, r
		return nil
	})
	if err != nil {
		return false, domain.WorkflowRun{}, err
	}
	return started, run, nil
}

// CompleteWorkflowRun records the run outcome and cached result.
func (s *Store) CompleteWorkflowRun(ctx context.Context, entity, workflowID string, result []byte, failed bool) error {
	status := domain.RunCompleted
	if failed {
		status = domain.RunFailed
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE workflow_runs SET status=$3, result=$4, completed_at=now()
		WHERE entity=$1 AND workflow_id=$2`,
		entity, workflowID, status, result)
	if err != nil {
		return fmt.Errorf("op=workflow.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=workflow.complete: run %s/%s: %w", entity, workflowID, domain.ErrNotFound)
	}
	return nil
}

// GetWorkflowRun loads a run record.
func (s *Store) GetWorkflowRun(ctx context.Context, entity, workflowID string) (domain.WorkflowRun, error) {
	r, err := scanRun(s.Pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE entity=$1 AND workflow_id=$2`,
		entity, workflowID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.WorkflowRun{}, fmt.Errorf("op=workflow.get: run %s/%s: %w", entity, workflowID, domain.ErrNotFound)
		}
		return domain.WorkflowRun{}, fmt.Errorf("op=workflow.get: %w", err)
	}
	return r, nil
}
