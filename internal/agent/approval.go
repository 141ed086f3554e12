package agent

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/engine"
)

const (
	gateUserApproval = "user_approval"
	actionApprove    = "approve"
)

// approvalBody opens a durable promise, suspends until a human settles it,
// and evaluates the task gate against the resolution payload. The awakeable
// id is logged so operators can find it; the control plane also lists it per
// job.
func (r *Runner) approvalBody(c *engine.Context, task domain.Task) ([]byte, error) {
	id, err := c.Awakeable(r.approvalTimeout)
	if err != nil {
		return nil, err
	}
	if !c.Replaying() {
		slog.Info("approval requested",
			slog.String("job_id", c.Invocation().JobID),
			slog.String("task", task.Name),
			slog.String("awakeable_id", id))
	}
	payload, err := c.AwaitAwakeable(id)
	if err != nil {
		return nil, err
	}
	if err := evalGate(task.Gate, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// evalGate checks the resolution payload against the task gate. The
// user_approval gate requires {"action": "approve"}; any other action is a
// denial and completes the task with failure.
func evalGate(gate string, payload []byte) error {
	switch gate {
	case "", gateUserApproval:
	default:
		return fmt.Errorf("op=agent.gate: unknown gate %q: %w", gate, domain.ErrFatal)
	}
	if gate == "" {
		return nil
	}
	var body struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return fmt.Errorf("op=agent.gate: malformed approval payload: %w", domain.ErrFatal)
	}
	if body.Action != actionApprove {
		return fmt.Errorf("op=agent.gate: approval denied (action %q): %w", body.Action, domain.ErrFatal)
	}
	return nil
}
