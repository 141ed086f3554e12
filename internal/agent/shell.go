package agent

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"

	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/engine"
)

// shellBody runs the task's run_cmd through the journal, so the command
// executes once per attempt and its output is replayed afterwards. A non-zero
// exit is transient; the retry policy decides when to give up.
func (r *Runner) shellBody(c *engine.Context, task domain.Task) ([]byte, error) {
	if task.RunCmd == "" {
		return nil, fmt.Errorf("op=agent.shell: task %s has no run_cmd: %w", task.Name, domain.ErrFatal)
	}
	return c.Run("shell", func(ctx context.Context) ([]byte, error) {
		if r.shellTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, r.shellTimeout)
			defer cancel()
		}
		cmd := exec.CommandContext(ctx, "sh", "-c", task.RunCmd)
		var buf bytes.Buffer
		cmd.Stdout = &buf
		cmd.Stderr = &buf
		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("%s: %s: %w", err, truncate(buf.Bytes(), 512), domain.ErrTransient)
		}
		// Oversized output is rejected, never truncated; retrying would
		// produce the same output, so this is not transient.
		if buf.Len() > domain.MaxPayloadBytes {
			return nil, fmt.Errorf("op=agent.shell: output %d bytes exceeds %d byte cap: %w",
				buf.Len(), domain.MaxPayloadBytes, domain.ErrInvalidArgument)
		}
		return buf.Bytes(), nil
	})
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
