package entity_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/adapter/store/memory"
	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/entity"
)

func echo(_ *entity.Ctx, payload []byte) ([]byte, error) { return payload, nil }

func TestRegister_Validation(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	ctx := context.Background()

	cases := []struct {
		name string
		def  entity.Definition
	}{
		{"bad name", entity.Definition{Name: "has space", Type: domain.EntityService,
			Handlers: map[string]entity.HandlerDef{"h": {Mode: domain.ModeCall, Fn: echo}}}},
		{"no handlers", entity.Definition{Name: "svc", Type: domain.EntityService}},
		{"nil body", entity.Definition{Name: "svc", Type: domain.EntityService,
			Handlers: map[string]entity.HandlerDef{"h": {Mode: domain.ModeCall}}}},
		{"write mode on service", entity.Definition{Name: "svc", Type: domain.EntityService,
			Handlers: map[string]entity.HandlerDef{"h": {Mode: domain.ModeWrite, Fn: echo}}}},
		{"call mode on object", entity.Definition{Name: "obj", Type: domain.EntityVirtualObject,
			Handlers: map[string]entity.HandlerDef{"h": {Mode: domain.ModeCall, Fn: echo}}}},
		{"workflow without run", entity.Definition{Name: "wf", Type: domain.EntityWorkflow,
			Handlers: map[string]entity.HandlerDef{"sig": {Mode: domain.ModeSignal, Fn: echo}}}},
		{"workflow with two runs", entity.Definition{Name: "wf", Type: domain.EntityWorkflow,
			Handlers: map[string]entity.HandlerDef{
				"run1": {Mode: domain.ModeRun, Fn: echo},
				"run2": {Mode: domain.ModeRun, Fn: echo},
			}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.Register(ctx, tc.def)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidArgument)
		})
	}
}

func TestRegister_PersistsEntity(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	require.NoError(t, r.Register(context.Background(), entity.Definition{
		Name: "greeter", Type: domain.EntityService,
		Handlers: map[string]entity.HandlerDef{"greet": {Mode: domain.ModeCall, Fn: echo}},
	}))

	e, err := st.GetEntity(context.Background(), "greeter")
	require.NoError(t, err)
	assert.Equal(t, domain.EntityService, e.Type)
	assert.Equal(t, domain.ModeCall, e.Handlers["greet"])
}

func TestDispatch_Service(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	require.NoError(t, r.Register(context.Background(), entity.Definition{
		Name: "greeter", Type: domain.EntityService,
		Handlers: map[string]entity.HandlerDef{"greet": {Mode: domain.ModeCall, Fn: echo}},
	}))

	out, err := r.Dispatch(context.Background(), "h1", "greeter", "greet", "", []byte(`"hi"`))
	require.NoError(t, err)
	assert.Equal(t, []byte(`"hi"`), out)

	// Keys are meaningless for services.
	_, err = r.Dispatch(context.Background(), "h1", "greeter", "greet", "k1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestDispatch_UnknownTargets(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	require.NoError(t, r.Register(context.Background(), entity.Definition{
		Name: "greeter", Type: domain.EntityService,
		Handlers: map[string]entity.HandlerDef{"greet": {Mode: domain.ModeCall, Fn: echo}},
	}))

	_, err := r.Dispatch(context.Background(), "h1", "nope", "greet", "", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = r.Dispatch(context.Background(), "h1", "greeter", "nope", "", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func registerCounter(t *testing.T, r *entity.Registry) {
	t.Helper()
	require.NoError(t, r.Register(context.Background(), entity.Definition{
		Name: "counter", Type: domain.EntityVirtualObject,
		Handlers: map[string]entity.HandlerDef{
			"add": {Mode: domain.ModeWrite, Fn: func(ctx *entity.Ctx, _ []byte) ([]byte, error) {
				cur, err := ctx.Get("n")
				if err != nil {
					return nil, err
				}
				next := append(cur, 'x')
				if err := ctx.Set("n", next); err != nil {
					return nil, err
				}
				return next, nil
			}},
			"peek": {Mode: domain.ModeRead, Fn: func(ctx *entity.Ctx, _ []byte) ([]byte, error) {
				return ctx.Get("n")
			}},
		},
	}))
}

func TestDispatch_VirtualObjectState(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	registerCounter(t, r)
	ctx := context.Background()

	out, err := r.Dispatch(ctx, "h1", "counter", "add", "k1", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("x"), out)
	out, err = r.Dispatch(ctx, "h1", "counter", "add", "k1", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("xx"), out)

	// State is per key.
	out, err = r.Dispatch(ctx, "h1", "counter", "peek", "k2", nil)
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestDispatch_WriteContentionSurfacesHolder(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	registerCounter(t, r)
	ctx := context.Background()

	// Another invocation holds the key's write lock.
	res, err := st.AcquireObjectLock(ctx, "counter", "k1", "j9/other#0")
	require.NoError(t, err)
	require.True(t, res.Acquired)

	_, err = r.Dispatch(ctx, "j1/verify#0", "counter", "add", "k1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrLockHeld)
	var lh *entity.LockHeldError
	require.True(t, errors.As(err, &lh))
	assert.Equal(t, "j9/other#0", lh.Holder)

	// Reads are never blocked by the writer.
	_, err = r.Dispatch(ctx, "j1/verify#0", "counter", "peek", "k1", nil)
	require.NoError(t, err)

	// Other keys of the same object are independent.
	_, err = r.Dispatch(ctx, "j1/verify#0", "counter", "add", "k2", nil)
	require.NoError(t, err)
}

func TestDispatch_WriteLockReleasedAfterHandler(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	registerCounter(t, r)
	ctx := context.Background()

	_, err := r.Dispatch(ctx, "h1", "counter", "add", "k1", nil)
	require.NoError(t, err)

	// A different holder can now write.
	_, err = r.Dispatch(ctx, "h2", "counter", "add", "k1", nil)
	require.NoError(t, err)
}

func TestDispatch_WriteLockReleasedOnHandlerError(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	require.NoError(t, r.Register(context.Background(), entity.Definition{
		Name: "boom", Type: domain.EntityVirtualObject,
		Handlers: map[string]entity.HandlerDef{
			"w": {Mode: domain.ModeWrite, Fn: func(_ *entity.Ctx, _ []byte) ([]byte, error) {
				return nil, fmt.Errorf("handler failed: %w", domain.ErrFatal)
			}},
		},
	}))
	ctx := context.Background()

	_, err := r.Dispatch(ctx, "h1", "boom", "w", "k1", nil)
	require.Error(t, err)

	res, err := st.AcquireObjectLock(ctx, "boom", "k1", "h2")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func registerOnboarding(t *testing.T, r *entity.Registry, runs *int) {
	t.Helper()
	require.NoError(t, r.Register(context.Background(), entity.Definition{
		Name: "onboarding", Type: domain.EntityWorkflow,
		Handlers: map[string]entity.HandlerDef{
			"run": {Mode: domain.ModeRun, Fn: func(ctx *entity.Ctx, payload []byte) ([]byte, error) {
				*runs++
				if err := ctx.Set("stage", []byte("done")); err != nil {
					return nil, err
				}
				return append([]byte("welcome "), payload...), nil
			}},
			"status": {Mode: domain.ModeRead, Fn: func(ctx *entity.Ctx, _ []byte) ([]byte, error) {
				return ctx.Get("stage")
			}},
		},
	}))
}

func TestDispatch_WorkflowRunsExactlyOnce(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	runs := 0
	registerOnboarding(t, r, &runs)
	ctx := context.Background()

	out, err := r.Dispatch(ctx, "h1", "onboarding", "run", "user-1", []byte("ada"))
	require.NoError(t, err)
	assert.Equal(t, []byte("welcome ada"), out)
	assert.Equal(t, 1, runs)

	// The second run invocation returns the cached result, body not executed.
	out, err = r.Dispatch(ctx, "h2", "onboarding", "run", "user-1", []byte("grace"))
	require.NoError(t, err)
	assert.Equal(t, []byte("welcome ada"), out)
	assert.Equal(t, 1, runs)

	// A different workflow id is a fresh run.
	_, err = r.Dispatch(ctx, "h3", "onboarding", "run", "user-2", []byte("bob"))
	require.NoError(t, err)
	assert.Equal(t, 2, runs)
}

func TestDispatch_WorkflowFailureIsSticky(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	runs := 0
	require.NoError(t, r.Register(context.Background(), entity.Definition{
		Name: "flaky", Type: domain.EntityWorkflow,
		Handlers: map[string]entity.HandlerDef{
			"run": {Mode: domain.ModeRun, Fn: func(_ *entity.Ctx, _ []byte) ([]byte, error) {
				runs++
				return nil, fmt.Errorf("no capacity: %w", domain.ErrFatal)
			}},
		},
	}))
	ctx := context.Background()

	_, err := r.Dispatch(ctx, "h1", "flaky", "run", "w1", nil)
	require.Error(t, err)
	assert.Equal(t, 1, runs)

	_, err = r.Dispatch(ctx, "h2", "flaky", "run", "w1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrFatal)
	assert.Contains(t, err.Error(), "previously failed")
	assert.Equal(t, 1, runs)
}

func TestDispatch_WorkflowConcurrentRunConflicts(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	runs := 0
	registerOnboarding(t, r, &runs)
	ctx := context.Background()

	// A run claim is live and unfinished.
	started, _, err := st.BeginWorkflowRun(ctx, "onboarding", "user-1", "h0")
	require.NoError(t, err)
	require.True(t, started)

	_, err = r.Dispatch(ctx, "h1", "onboarding", "run", "user-1", nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
	assert.Equal(t, 0, runs)
}

func TestDispatch_WorkflowReadAfterRun(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	runs := 0
	registerOnboarding(t, r, &runs)
	ctx := context.Background()

	_, err := r.Dispatch(ctx, "h1", "onboarding", "run", "user-1", []byte("ada"))
	require.NoError(t, err)

	out, err := r.Dispatch(ctx, "h2", "onboarding", "status", "user-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("done"), out)
}

func TestDispatch_PayloadBound(t *testing.T) {
	st := memory.New()
	r := entity.NewRegistry(st)
	require.NoError(t, r.Register(context.Background(), entity.Definition{
		Name: "greeter", Type: domain.EntityService,
		Handlers: map[string]entity.HandlerDef{"greet": {Mode: domain.ModeCall, Fn: echo}},
	}))

	big := make([]byte, domain.MaxPayloadBytes+1)
	_, err := r.Dispatch(context.Background(), "h1", "greeter", "greet", "", big)
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
