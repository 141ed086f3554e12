package entity

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/loomhq/loom/internal/domain"
)

// LockHeldError reports write contention on a virtual object key, carrying
// the current holder so the caller can surface {acquired: false, holder}.
type LockHeldError struct {
	Entity string
	Key    string
	Holder string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("write lock on %s/%s held by %s", e.Entity, e.Key, e.Holder)
}

func (e *LockHeldError) Unwrap() error { return domain.ErrLockHeld }

// Dispatch routes one call to a registered handler, applying the discipline
// of the entity type. holder identifies the caller for lock ownership and
// workflow run claims. Satisfies the engine's Dispatcher interface.
func (r *Registry) Dispatch(ctx context.Context, holder, entity, handler, key string, payload []byte) ([]byte, error) {
	tracer := otel.Tracer("entity")
	ctx, span := tracer.Start(ctx, "entity.dispatch")
	defer span.End()

	if err := domain.ValidatePayload("payload", payload); err != nil {
		return nil, err
	}
	reg, h, err := r.lookup(entity, handler)
	if err != nil {
		return nil, err
	}

	switch reg.typ {
	case domain.EntityService:
		if key != "" {
			return nil, fmt.Errorf("op=entity.dispatch: service %s takes no key: %w", entity, domain.ErrInvalidArgument)
		}
		return h.Fn(&Ctx{ctx: ctx, store: r.store, entity: entity}, payload)

	case domain.EntityVirtualObject:
		if err := domain.ValidateIdentifier("key", key); err != nil {
			return nil, err
		}
		return r.dispatchObject(ctx, holder, entity, key, h, payload)

	default: // workflow
		if err := domain.ValidateIdentifier("key", key); err != nil {
			return nil, err
		}
		return r.dispatchWorkflow(ctx, holder, entity, key, h, payload)
	}
}

// dispatchObject runs a virtual-object handler. Reads run lock-free and
// concurrently; writes take the per-key single-writer lock for the duration
// of the handler.
func (r *Registry) dispatchObject(ctx context.Context, holder, entity, key string, h HandlerDef, payload []byte) ([]byte, error) {
	if h.Mode == domain.ModeWrite {
		res, err := r.store.AcquireObjectLock(ctx, entity, key, holder)
		if err != nil {
			return nil, fmt.Errorf("op=entity.dispatch: %w", err)
		}
		if !res.Acquired {
			return nil, &LockHeldError{Entity: entity, Key: key, Holder: res.Holder}
		}
		defer func() {
			if err := r.store.ReleaseObjectLock(ctx, entity, key, holder); err != nil {
				slog.Warn("object lock release failed",
					slog.String("entity", entity),
					slog.String("key", key),
					slog.Any("error", err))
			}
		}()
	}
	return h.Fn(&Ctx{ctx: ctx, store: r.store, entity: entity, key: key}, payload)
}

// dispatchWorkflow enforces exactly-once run semantics per workflow id. The
// first run invocation executes the body; every later one observes the
// recorded outcome without executing. Signal and read handlers run any time.
func (r *Registry) dispatchWorkflow(ctx context.Context, holder, entity, workflowID string, h HandlerDef, payload []byte) ([]byte, error) {
	if h.Mode != domain.ModeRun {
		return h.Fn(&Ctx{ctx: ctx, store: r.store, entity: entity, key: workflowID}, payload)
	}

	started, run, err := r.store.BeginWorkflowRun(ctx, entity, workflowID, holder)
	if err != nil {
		return nil, fmt.Errorf("op=entity.dispatch: %w", err)
	}
	if !started {
		switch run.Status {
		case domain.RunCompleted:
			return run.Result, nil
		case domain.RunFailed:
			return nil, fmt.Errorf("workflow %s/%s previously failed: %s: %w",
				entity, workflowID, run.Result, domain.ErrFatal)
		default:
			return nil, fmt.Errorf("workflow %s/%s already running (holder %s): %w",
				entity, workflowID, run.Holder, domain.ErrConflict)
		}
	}

	out, err := h.Fn(&Ctx{ctx: ctx, store: r.store, entity: entity, key: workflowID}, payload)
	if err != nil {
		if cerr := r.store.CompleteWorkflowRun(ctx, entity, workflowID, []byte(err.Error()), true); cerr != nil {
			slog.Error("workflow run completion failed",
				slog.String("entity", entity),
				slog.String("workflow_id", workflowID),
				slog.Any("error", cerr))
		}
		return nil, err
	}
	if cerr := r.store.CompleteWorkflowRun(ctx, entity, workflowID, out, false); cerr != nil {
		return nil, fmt.Errorf("op=entity.dispatch: %w", cerr)
	}
	return out, nil
}
