// Package agent holds the invocation bodies workers execute for tasks: the
// built-in shell and approval agents plus a registry for custom ones. Bodies
// perform all side effects through the execution context so they are
// crash-safe and replayable.
package agent

import (
	"fmt"
	"sync"
	"time"

	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/engine"
)

// Body is the invocation body for one agent type. It returns the task output
// on success; a suspension sentinel pauses the task, a transient error backs
// it off, a fatal one completes it with failure.
type Body func(c *engine.Context, task domain.Task) ([]byte, error)

// Runner maps agent types to bodies.
type Runner struct {
	shellTimeout    time.Duration
	approvalTimeout time.Duration

	mu     sync.RWMutex
	bodies map[string]Body
}

// NewRunner builds a runner with the built-in shell and approval agents.
// approvalTimeout bounds how long an approval awakeable stays open; zero
// means no expiry.
func NewRunner(shellTimeout, approvalTimeout time.Duration) *Runner {
	r := &Runner{
		shellTimeout:    shellTimeout,
		approvalTimeout: approvalTimeout,
		bodies:          make(map[string]Body),
	}
	r.bodies["shell"] = r.shellBody
	r.bodies["approval"] = r.approvalBody
	return r
}

// Register adds a custom agent body. Registering an existing type is a
// conflict so a deployment cannot silently shadow the built-ins.
func (r *Runner) Register(agentType string, b Body) error {
	if err := domain.ValidateIdentifier("agent_type", agentType); err != nil {
		return err
	}
	if b == nil {
		return fmt.Errorf("op=agent.register: nil body for %s: %w", agentType, domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.bodies[agentType]; ok {
		return fmt.Errorf("op=agent.register: %s already registered: %w", agentType, domain.ErrConflict)
	}
	r.bodies[agentType] = b
	return nil
}

// Invoke runs the body for the task's agent type. An unknown type is fatal:
// retrying cannot make the body appear.
func (r *Runner) Invoke(c *engine.Context, task domain.Task) ([]byte, error) {
	r.mu.RLock()
	b, ok := r.bodies[task.AgentType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("op=agent.invoke: no body for agent type %q: %w", task.AgentType, domain.ErrFatal)
	}
	return b(c, task)
}
