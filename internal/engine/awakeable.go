package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/domain"
)

type awakeableOutput struct {
	ID string `json:"id"`
}

type awaitInput struct {
	ID string `json:"id"`
}

// Awakeable creates a durable promise owned by this invocation and returns its
// id. The id encodes the origin (job id, entry index) so an external caller
// can settle it with no other context. timeout <= 0 means the promise never
// expires.
func (c *Context) Awakeable(timeout time.Duration) (string, error) {
	e, replayed, err := c.step(domain.OpAwakeableCreate, "awakeable", nil)
	if err != nil {
		return "", err
	}
	if replayed && e.Completed() {
		var out awakeableOutput
		if err := json.Unmarshal(e.Output, &out); err != nil {
			return "", fmt.Errorf("op=engine.awakeable: corrupt entry output: %w", domain.ErrFatal)
		}
		return out.ID, nil
	}

	id := domain.AwakeableID(c.inv.JobID, e.EntryIndex)
	var timeoutAt *time.Time
	if timeout > 0 {
		t := time.Now().UTC().Add(timeout)
		timeoutAt = &t
	}
	err = c.store.CreateAwakeable(c.ctx, domain.Awakeable{
		ID:         id,
		JobID:      c.inv.JobID,
		TaskName:   c.inv.TaskName,
		EntryIndex: e.EntryIndex,
		Status:     domain.AwakeablePending,
		TimeoutAt:  timeoutAt,
	})
	// A crash between AppendEntry and CompleteEntry leaves the row behind;
	// the identical id makes the re-create idempotent.
	if err != nil && !errors.Is(err, domain.ErrConflict) {
		return "", fmt.Errorf("op=engine.awakeable: %w", err)
	}
	out, _ := json.Marshal(awakeableOutput{ID: id})
	if err := c.complete(e.EntryIndex, out, domain.FailureCodeNone, ""); err != nil {
		return "", err
	}
	return id, nil
}

// AwaitAwakeable blocks the invocation on the promise. While the promise is
// PENDING it returns ErrSuspended; once settled, the settlement is journaled
// and the entry yields the payload (RESOLVED) or a fatal error
// (REJECTED / TIMEOUT / CANCELLED) on every subsequent replay.
func (c *Context) AwaitAwakeable(id string) ([]byte, error) {
	if _, _, err := domain.ParseAwakeableID(id); err != nil {
		return nil, err
	}
	input, _ := json.Marshal(awaitInput{ID: id})
	e, _, err := c.step(domain.OpAwakeableAwait, "await "+id, input)
	if err != nil {
		return nil, err
	}
	if e.Completed() {
		if e.Failed() {
			return nil, recordedFailure(e)
		}
		return e.Output, nil
	}

	a, err := c.store.GetAwakeable(c.ctx, id)
	if err != nil {
		return nil, fmt.Errorf("op=engine.await: %w", err)
	}
	switch a.Status {
	case domain.AwakeablePending:
		return nil, fmt.Errorf("op=engine.await: %s: %w", id, domain.ErrSuspended)
	case domain.AwakeableResolved:
		if err := c.complete(e.EntryIndex, a.Payload, domain.FailureCodeNone, ""); err != nil {
			return nil, err
		}
		return a.Payload, nil
	case domain.AwakeableRejected:
		if err := c.complete(e.EntryIndex, nil, domain.FailureCodeRejected, string(a.Payload)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("awakeable rejected: %s: %w", a.Payload, domain.ErrFatal)
	case domain.AwakeableTimeout:
		if err := c.complete(e.EntryIndex, nil, domain.FailureCodeTimeout, "awakeable timed out"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("awakeable %s timed out: %w", id, domain.ErrFatal)
	default: // CANCELLED
		if err := c.complete(e.EntryIndex, nil, domain.FailureCodeCancelled, "awakeable cancelled"); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("awakeable %s cancelled: %w", id, domain.ErrFatal)
	}
}
