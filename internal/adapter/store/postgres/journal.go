package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/loomhq/loom/internal/domain"
)

const entryColumns = `job_id, task_name, attempt, entry_index, op_type, op_name,
	flags, input, output, failure_code, failure_message, created_at, completed_at`

func scanEntry(row pgx.Row) (domain.JournalEntry, error) {
	var e domain.JournalEntry
	var flags int16
	err := row.Scan(&e.JobID, &e.TaskName, &e.Attempt, &e.EntryIndex, &e.OpType,
		&e.OpName, &flags, &e.Input, &e.Output, &e.FailureCode, &e.FailureMessage,
		&e.CreatedAt, &e.CompletedAt)
	e.Flags = domain.EntryFlags(flags)
	return e, err
}

// AppendEntry allocates the next entry index and inserts the row. The lease
// protocol guarantees a single writer per invocation, so the MAX+1 allocation
// inside the insert cannot race with itself.
func (s *Store) AppendEntry(ctx context.Context, e domain.JournalEntry) (int, error) {
	var idx int
	err := s.Pool.QueryRow(ctx, `
		INSERT INTO journal_entries
			(job_id, task_name, attempt, entry_index, op_type, op_name, flags, input, output, failure_code, failure_message)
		SELECT $1, $2, $3, COALESCE(MAX(entry_index)+1, 0), $4, $5, $6, $7, $8, $9, $10
		FROM journal_entries WHERE job_id=$1 AND task_name=$2 AND attempt=$3
		RETURNING entry_index`,
		e.JobID, e.TaskName, e.Attempt, e.OpType, e.OpName, int16(e.Flags),
		e.Input, e.Output, e.FailureCode, e.FailureMessage).Scan(&idx)
	if err != nil {
		return 0, fmt.Errorf("op=journal.append: %w", err)
	}
	return idx, nil
}

// CompleteEntry records the outcome of a pending journal row.
func (s *Store) CompleteEntry(ctx context.Context, jobID, taskName string, attempt, entryIndex int, output []byte, failCode domain.FailureCode, failMsg string) error {
	flags := domain.FlagCompleted
	if failCode != domain.FailureCodeNone {
		flags |= domain.FlagFailed
	}
	tag, err := s.Pool.Exec(ctx, `
		UPDATE journal_entries
		SET flags = flags | $5, output=$6, failure_code=$7, failure_message=$8, completed_at=now()
		WHERE job_id=$1 AND task_name=$2 AND attempt=$3 AND entry_index=$4`,
		jobID, taskName, attempt, entryIndex, int16(flags), output, failCode, failMsg)
	if err != nil {
		return fmt.Errorf("op=journal.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=journal.complete: entry %d of %s/%s#%d: %w",
			entryIndex, jobID, taskName, attempt, domain.ErrNotFound)
	}
	return nil
}

// GetEntry loads one journal entry.
func (s *Store) GetEntry(ctx context.Context, jobID, taskName string, attempt, entryIndex int) (domain.JournalEntry, error) {
	e, err := scanEntry(s.Pool.QueryRow(ctx,
		`SELECT `+entryColumns+` FROM journal_entries
		 WHERE job_id=$1 AND task_name=$2 AND attempt=$3 AND entry_index=$4`,
		jobID, taskName, attempt, entryIndex))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.JournalEntry{}, fmt.Errorf("op=journal.get: entry %d of %s/%s#%d: %w",
				entryIndex, jobID, taskName, attempt, domain.ErrNotFound)
		}
		return domain.JournalEntry{}, fmt.Errorf("op=journal.get: %w", err)
	}
	return e, nil
}

// ListEntries returns the invocation's journal in entry order.
func (s *Store) ListEntries(ctx context.Context, jobID, taskName string, attempt int) ([]domain.JournalEntry, error) {
	rows, err := s.Pool.Query(ctx,
		`SELECT `+entryColumns+` FROM journal_entries
		 WHERE job_id=$1 AND task_name=$2 AND attempt=$3 ORDER BY entry_index`,
		jobID, taskName, attempt)
	if err != nil {
		return nil, fmt.Errorf("op=journal.list: %w", err)
	}
	defer rows.Close()
	var out []domain.JournalEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("op=journal.list: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
