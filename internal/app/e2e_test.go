package app_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/adapter/store/memory"
	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/app"
	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/usecase"
	"github.com/loomhq/loom/internal/worker"
)

// harness wires a store, scheduler, and one worker the way the binaries do.
type harness struct {
	st     *memory.Store
	sched  *app.Scheduler
	wrk    *worker.Runtime
	runner *agent.Runner
}

func newHarness(t *testing.T, queues ...string) *harness {
	t.Helper()
	st := memory.New()
	runner := agent.NewRunner(time.Minute, 0)
	wrk := worker.New(st, runner, nil, worker.Config{
		ID:        "wrk_e2e",
		Queues:    queues,
		MaxSlots:  4,
		RetryBase: time.Millisecond,
	})
	require.NoError(t, wrk.Register(context.Background()))
	return &harness{
		st:     st,
		sched:  app.NewScheduler(st, time.Second),
		wrk:    wrk,
		runner: runner,
	}
}

// drive alternates scheduler ticks and worker polls until quiescent.
func (h *harness) drive(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 20; i++ {
		h.sched.Tick(ctx)
		worked := false
		for {
			w, err := h.wrk.ProcessOnce(ctx)
			require.NoError(t, err)
			if !w {
				break
			}
			worked = true
		}
		if !worked && i > 0 {
			return
		}
	}
}

func TestApprovalFlowEndToEnd(t *testing.T) {
	h := newHarness(t, "agent:approval")
	ctx := context.Background()
	_, err := usecase.NewJobService(h.st).Submit(ctx, "j1", "release", []usecase.TaskSpec{
		{Name: "verify", AgentType: "approval", Gate: "user_approval"},
	})
	require.NoError(t, err)

	// The task runs until the awakeable await suspends it.
	h.drive(t)
	task, err := h.st.GetTask(ctx, "j1", "verify")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuspended, task.Status)

	id := domain.AwakeableID("j1", 0)
	_, err = usecase.NewAwakeableService(h.st, nil).Resolve(ctx, id, []byte(`{"action":"approve"}`))
	require.NoError(t, err)

	// Resolution wakes the task; replay delivers the payload and the gate
	// passes.
	h.drive(t)
	task, err = h.st.GetTask(ctx, "j1", "verify")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, domain.ResultSuccess, task.Result)
	assert.JSONEq(t, `{"action":"approve"}`, string(task.Output))

	j, err := h.st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, j.Status)
	assert.Equal(t, domain.ResultSuccess, j.CompletionResult)

	// The audit trail respects the FSM on every recorded edge.
	events, err := h.st.ListEvents(ctx, "j1", 0)
	require.NoError(t, err)
	for _, e := range events {
		assert.True(t, domain.CanTransition(e.OldState, e.NewState),
			"%s -> %s", e.OldState, e.NewState)
	}
}

func TestCrashRecoveryPreservesOutputs(t *testing.T) {
	h := newHarness(t, "agent:pipeline")
	ctx := context.Background()
	require.NoError(t, h.runner.Register("pipeline", func(c *engine.Context, task domain.Task) ([]byte, error) {
		return c.CallAgent(task.Name, func(context.Context) ([]byte, error) {
			return []byte("output-" + task.Name), nil
		})
	}))
	_, err := usecase.NewJobService(h.st).Submit(ctx, "j1", "pipeline", []usecase.TaskSpec{
		{Name: "a", AgentType: "pipeline"},
		{Name: "b", AgentType: "pipeline"},
		{Name: "c", Needs: []string{"a", "b"}, AgentType: "pipeline"},
	})
	require.NoError(t, err)

	// A and B complete; C reaches running and then its worker dies.
	h.sched.Tick(ctx)
	for i := 0; i < 2; i++ {
		_, err := h.wrk.ProcessOnce(ctx)
		require.NoError(t, err)
	}
	h.sched.Tick(ctx)
	lease, err := h.st.PollQueue(ctx, h.wrk.ID(), "agent:pipeline", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, lease)
	require.Equal(t, "c", lease.TaskName)
	require.NoError(t, h.st.TransitionTask(ctx, "j1", "c", domain.StatusReady, domain.StatusRunning, domain.TransitionUpdate{}))

	// The reaper reclaims the dead lease; C is pending again.
	app.NewReaper(h.st, time.Second, 10*time.Second).Tick(ctx)
	c, err := h.st.GetTask(ctx, "j1", "c")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, c.Status)

	// Resume: everything completes and A/B kept their recorded outputs.
	h.drive(t)
	for _, tc := range []struct{ name, out string }{{"a", "output-a"}, {"b", "output-b"}, {"c", "output-c"}} {
		task, err := h.st.GetTask(ctx, "j1", tc.name)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusCompleted, task.Status, tc.name)
		assert.Equal(t, []byte(tc.out), task.Output, tc.name)
	}

	// A and B journaled exactly one call-agent entry each: no re-execution.
	for _, name := range []string{"a", "b"} {
		entries, err := h.st.ListEntries(ctx, "j1", name, 1)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, domain.OpCallAgent, entries[0].OpType)
	}
}

func TestAwakeableTimeoutFailsTask(t *testing.T) {
	st := memory.New()
	runner := agent.NewRunner(0, 50*time.Millisecond)
	wrk := worker.New(st, runner, nil, worker.Config{ID: "wrk_e2e", Queues: []string{"agent:approval"}, MaxSlots: 1})
	require.NoError(t, wrk.Register(context.Background()))
	sched := app.NewScheduler(st, time.Second)
	ctx := context.Background()

	_, err := usecase.NewJobService(st).Submit(ctx, "j1", "release", []usecase.TaskSpec{
		{Name: "verify", AgentType: "approval", Gate: "user_approval"},
	})
	require.NoError(t, err)

	sched.Tick(ctx)
	_, err = wrk.ProcessOnce(ctx)
	require.NoError(t, err)
	task, err := st.GetTask(ctx, "j1", "verify")
	require.NoError(t, err)
	require.Equal(t, domain.StatusSuspended, task.Status)

	// Nobody answers; the sweeper expires the promise and wakes the task.
	time.Sleep(60 * time.Millisecond)
	app.NewTimeoutSweeper(usecase.NewAwakeableService(st, nil), time.Second).Tick(ctx)

	a, err := st.GetAwakeable(ctx, domain.AwakeableID("j1", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeableTimeout, a.Status)

	// Replay observes the timeout as a fatal failure.
	sched.Tick(ctx)
	_, err = wrk.ProcessOnce(ctx)
	require.NoError(t, err)

	task, err = st.GetTask(ctx, "j1", "verify")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, task.Status)
	assert.Equal(t, domain.ResultFailure, task.Result)
	assert.Contains(t, task.Failure, "timed out")
}

func TestShellPipelineEndToEnd(t *testing.T) {
	h := newHarness(t, "agent:shell")
	ctx := context.Background()
	_, err := usecase.NewJobService(h.st).Submit(ctx, "j1", "build", []usecase.TaskSpec{
		{Name: "gen", AgentType: "shell", RunCmd: "printf artifact"},
		{Name: "check", Needs: []string{"gen"}, AgentType: "shell", RunCmd: "printf ok"},
	})
	require.NoError(t, err)

	h.drive(t)

	j, err := h.st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, j.Status)
	assert.Equal(t, domain.ResultSuccess, j.CompletionResult)

	gen, err := h.st.GetTask(ctx, "j1", "gen")
	require.NoError(t, err)
	assert.Equal(t, []byte("artifact"), gen.Output)
}
