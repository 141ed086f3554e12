// Package engine implements the durable execution core: the per-invocation
// context, the journaled operation set (run, sleep, awakeables, state, calls)
// and deterministic replay. An invocation body interacts with the outside
// world only through a Context; every side effect becomes a journal entry so
// that a crash or suspension is recovered by replaying the journal until
// fresh work is reached.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/loomhq/loom/internal/domain"
)

// Dispatcher routes inter-entity calls. Implemented by the entity registry;
// declared here so the engine does not depend on it.
type Dispatcher interface {
	Dispatch(ctx context.Context, holder, entity, handler, key string, payload []byte) ([]byte, error)
}

// Invocation identifies one execution attempt of a task.
type Invocation struct {
	JobID    string
	TaskName string
	Attempt  int
}

// Holder is the lock-holder identity of the invocation.
func (inv Invocation) Holder() string {
	return fmt.Sprintf("%s/%s#%d", inv.JobID, inv.TaskName, inv.Attempt)
}

// Context is the per-invocation execution state: the entry-index cursor and
// the replay/live boundary. It is created at invocation start and discarded
// at completion; all durable state lives in the store.
type Context struct {
	ctx        context.Context
	store      domain.Store
	dispatcher Dispatcher
	inv        Invocation

	nextIndex int
	// tail is the journal length at invocation start. Indices below tail
	// replay from the journal; the first index at tail flips to live mode.
	tail int
	// pendingWake carries a sleep deadline to the suspension transition.
	pendingWake *domain.TransitionUpdate
}

// NewContext builds an execution context for the invocation, loading the
// journal tail to establish the replay boundary.
func NewContext(ctx context.Context, store domain.Store, dispatcher Dispatcher, inv Invocation) (*Context, error) {
	entries, err := store.ListEntries(ctx, inv.JobID, inv.TaskName, inv.Attempt)
	if err != nil {
		return nil, fmt.Errorf("op=engine.new_context: %w", err)
	}
	return &Context{
		ctx:        ctx,
		store:      store,
		dispatcher: dispatcher,
		inv:        inv,
		tail:       len(entries),
	}, nil
}

// Invocation returns the invocation identity.
func (c *Context) Invocation() Invocation { return c.inv }

// Replaying reports whether the next operation will be served from the journal.
func (c *Context) Replaying() bool { return c.nextIndex < c.tail }

// StdContext exposes the underlying context for deadline-aware closures.
func (c *Context) StdContext() context.Context { return c.ctx }

// SuspensionUpdate returns the transition fields recorded by the suspension
// point (a sleep deadline, if any). Nil when no suspension is pending.
func (c *Context) SuspensionUpdate() *domain.TransitionUpdate { return c.pendingWake }

// step advances the cursor by one entry: in replay mode it loads and checks
// the recorded entry; in live mode it appends a fresh pending row.
func (c *Context) step(op domain.OpType, opName string, input []byte) (domain.JournalEntry, bool, error) {
	if c.nextIndex < c.tail {
		e, err := c.store.GetEntry(c.ctx, c.inv.JobID, c.inv.TaskName, c.inv.Attempt, c.nextIndex)
		if err != nil {
			return domain.JournalEntry{}, false, fmt.Errorf("op=engine.replay: %w", err)
		}
		if e.OpType != op {
			return domain.JournalEntry{}, false, fmt.Errorf(
				"op=engine.replay: entry %d recorded %s but invocation requested %s: %w",
				c.nextIndex, e.OpType, op, domain.ErrNonDeterminism)
		}
		c.nextIndex++
		return e, true, nil
	}
	flags := domain.DefaultFlags(op)
	if !flags.Has(domain.FlagCompletable) {
		// Non-completable ops (state mutations) are complete as recorded.
		flags |= domain.FlagCompleted
	}
	e := domain.JournalEntry{
		JobID:    c.inv.JobID,
		TaskName: c.inv.TaskName,
		Attempt:  c.inv.Attempt,
		OpType:   op,
		OpName:   opName,
		Flags:    flags,
		Input:    input,
	}
	idx, err := c.store.AppendEntry(c.ctx, e)
	if err != nil {
		return domain.JournalEntry{}, false, fmt.Errorf("op=engine.append: %w", err)
	}
	e.EntryIndex = idx
	c.nextIndex++
	return e, false, nil
}

// complete records the outcome of the entry at idx.
func (c *Context) complete(idx int, output []byte, code domain.FailureCode, msg string) error {
	if err := c.store.CompleteEntry(c.ctx, c.inv.JobID, c.inv.TaskName, c.inv.Attempt, idx, output, code, msg); err != nil {
		return fmt.Errorf("op=engine.complete: %w", err)
	}
	return nil
}

// recordedFailure converts a completed-failed journal entry back into the
// error the original execution observed.
func recordedFailure(e domain.JournalEntry) error {
	switch e.FailureCode {
	case domain.FailureCodeTransient:
		return fmt.Errorf("%s: %s: %w", e.OpName, e.FailureMessage, domain.ErrTransient)
	case domain.FailureCodeTimeout:
		return fmt.Errorf("%s: awakeable timed out: %w", e.OpName, domain.ErrFatal)
	case domain.FailureCodeRejected:
		return fmt.Errorf("%s: %s: %w", e.OpName, e.FailureMessage, domain.ErrFatal)
	case domain.FailureCodeCancelled:
		return fmt.Errorf("%s: awakeable cancelled: %w", e.OpName, domain.ErrFatal)
	default:
		return fmt.Errorf("%s: %s: %w", e.OpName, e.FailureMessage, domain.ErrFatal)
	}
}

// classify maps a closure error to the failure code recorded in the journal.
func classify(err error) domain.FailureCode {
	if domain.IsFatalErr(err) {
		return domain.FailureCodeFatal
	}
	return domain.FailureCodeTransient
}

// Run executes an arbitrary side effect exactly once per journal entry. Only
// the closure's result is replayed, never its computation, so the closure must
// be deterministic given the same inputs. A recorded failure is re-raised on
// replay.
func (c *Context) Run(name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	return c.runOp(domain.OpRun, name, fn)
}

// CallAgent is Run recorded under the call-agent op type, used for external
// agent/LLM invocations so the journal distinguishes them from plain effects.
func (c *Context) CallAgent(name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	return c.runOp(domain.OpCallAgent, name, fn)
}

func (c *Context) runOp(op domain.OpType, name string, fn func(ctx context.Context) ([]byte, error)) ([]byte, error) {
	tracer := otel.Tracer("engine")
	ctx, span := tracer.Start(c.ctx, "engine."+string(op))
	defer span.End()

	e, replayed, err := c.step(op, name, nil)
	if err != nil {
		return nil, err
	}
	if replayed && e.Completed() {
		if e.Failed() {
			return nil, recordedFailure(e)
		}
		return e.Output, nil
	}
	// Either a fresh entry or a row left pending by a crash mid-effect: the
	// effect runs (again) and the existing row records the outcome.
	out, err := fn(ctx)
	if err != nil {
		code := classify(err)
		if cerr := c.complete(e.EntryIndex, nil, code, err.Error()); cerr != nil {
			return nil, cerr
		}
		slog.Debug("journaled effect failed",
			slog.String("job_id", c.inv.JobID),
			slog.String("task", c.inv.TaskName),
			slog.String("op", name),
			slog.Any("error", err))
		return nil, err
	}
	if err := domain.ValidatePayload("output", out); err != nil {
		return nil, err
	}
	if err := c.complete(e.EntryIndex, out, domain.FailureCodeNone, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// Call invokes another entity's handler and journals the result
// (completable + fallible).
func (c *Context) Call(entity, handler, key string, payload []byte) ([]byte, error) {
	if c.dispatcher == nil {
		return nil, fmt.Errorf("op=engine.call: no dispatcher attached: %w", domain.ErrInvalidArgument)
	}
	input, _ := json.Marshal(callInput{Entity: entity, Handler: handler, Key: key, Payload: payload})
	e, replayed, err := c.step(domain.OpCall, entity+"/"+handler, input)
	if err != nil {
		return nil, err
	}
	if replayed && e.Completed() {
		if e.Failed() {
			return nil, recordedFailure(e)
		}
		return e.Output, nil
	}
	out, err := c.dispatcher.Dispatch(c.ctx, c.inv.Holder(), entity, handler, key, payload)
	if err != nil {
		if cerr := c.complete(e.EntryIndex, nil, classify(err), err.Error()); cerr != nil {
			return nil, cerr
		}
		return nil, err
	}
	if err := c.complete(e.EntryIndex, out, domain.FailureCodeNone, ""); err != nil {
		return nil, err
	}
	return out, nil
}

// OneWayCall sends a fire-and-forget invocation to another entity. The send is
// journaled as completable + non-fallible: completion records that the send
// was initiated, not the callee's outcome.
func (c *Context) OneWayCall(entity, handler, key string, payload []byte) error {
	if c.dispatcher == nil {
		return fmt.Errorf("op=engine.one_way_call: no dispatcher attached: %w", domain.ErrInvalidArgument)
	}
	input, _ := json.Marshal(callInput{Entity: entity, Handler: handler, Key: key, Payload: payload})
	e, replayed, err := c.step(domain.OpOneWayCall, entity+"/"+handler, input)
	if err != nil {
		return err
	}
	if replayed && e.Completed() {
		return nil
	}
	go func() {
		if _, err := c.dispatcher.Dispatch(context.WithoutCancel(c.ctx), c.inv.Holder(), entity, handler, key, payload); err != nil {
			slog.Warn("one-way call failed",
				slog.String("entity", entity),
				slog.String("handler", handler),
				slog.Any("error", err))
		}
	}()
	return c.complete(e.EntryIndex, nil, domain.FailureCodeNone, "")
}

type callInput struct {
	Entity  string          `json:"entity"`
	Handler string          `json:"handler"`
	Key     string          `json:"key,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// IsSuspension reports whether err is the cooperative suspension signal
// rather than a failure.
func IsSuspension(err error) bool { return errors.Is(err, domain.ErrSuspended) }
