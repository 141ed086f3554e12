package engine

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/domain"
)

type sleepInput struct {
	WakeAt time.Time `json:"wake_at"`
}

// Sleep suspends the invocation for d. The absolute deadline is journaled on
// first execution so replays wait for the same instant, not d again. Returns
// ErrSuspended when the deadline has not passed; the worker records WakeAt so
// the scheduler wakes the task once it does.
func (c *Context) Sleep(d time.Duration) error {
	wakeAt := time.Now().UTC().Add(d)
	input, _ := json.Marshal(sleepInput{WakeAt: wakeAt})

	e, replayed, err := c.step(domain.OpSleep, "sleep", input)
	if err != nil {
		return err
	}
	if replayed {
		if e.Completed() {
			return nil
		}
		var in sleepInput
		if err := json.Unmarshal(e.Input, &in); err != nil {
			return fmt.Errorf("op=engine.sleep: corrupt entry input: %w", domain.ErrFatal)
		}
		wakeAt = in.WakeAt
	}
	if !time.Now().UTC().Before(wakeAt) {
		return c.complete(e.EntryIndex, nil, domain.FailureCodeNone, "")
	}
	c.pendingWake = &domain.TransitionUpdate{
		Reason: "sleep",
		WakeAt: &wakeAt,
	}
	return fmt.Errorf("op=engine.sleep: until %s: %w", wakeAt.Format(time.RFC3339), domain.ErrSuspended)
}
