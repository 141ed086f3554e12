package agent_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/adapter/store/memory"
	"github.com/loomhq/loom/internal/agent"
	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/engine"
)

func execCtx(t *testing.T, st domain.Store) *engine.Context {
	t.Helper()
	c, err := engine.NewContext(context.Background(), st, nil, engine.Invocation{
		JobID: "j1", TaskName: "verify", Attempt: 0,
	})
	require.NoError(t, err)
	return c
}

func TestInvoke_UnknownAgentTypeIsFatal(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(0, 0)
	_, err := r.Invoke(execCtx(t, st), domain.Task{Name: "t", AgentType: "nope"})
	require.Error(t, err)
	assert.True(t, domain.IsFatalErr(err))
}

func TestRegister_CustomBody(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(0, 0)
	require.NoError(t, r.Register("echo", func(c *engine.Context, task domain.Task) ([]byte, error) {
		return []byte(task.Name), nil
	}))
	out, err := r.Invoke(execCtx(t, st), domain.Task{Name: "t", AgentType: "echo"})
	require.NoError(t, err)
	assert.Equal(t, []byte("t"), out)

	err = r.Register("shell", func(c *engine.Context, task domain.Task) ([]byte, error) { return nil, nil })
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestShell_RunsOncePerAttempt(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(time.Minute, 0)
	task := domain.Task{Name: "t", AgentType: "shell", RunCmd: "echo hello"}

	out, err := r.Invoke(execCtx(t, st), task)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	// Replay serves the journaled output without re-running the command.
	out, err = r.Invoke(execCtx(t, st), task)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))

	entries, err := st.ListEntries(context.Background(), "j1", "verify", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, domain.OpRun, entries[0].OpType)
}

func TestShell_NonZeroExitIsTransient(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(time.Minute, 0)
	_, err := r.Invoke(execCtx(t, st), domain.Task{Name: "t", AgentType: "shell", RunCmd: "exit 3"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrTransient)
	assert.False(t, domain.IsFatalErr(err))
}

func TestShell_OversizedOutputIsFatal(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(time.Minute, 0)
	cmd := fmt.Sprintf("head -c %d /dev/zero", domain.MaxPayloadBytes+1)
	_, err := r.Invoke(execCtx(t, st), domain.Task{Name: "t", AgentType: "shell", RunCmd: cmd})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.True(t, domain.IsFatalErr(err))
}

func TestShell_MissingRunCmdIsFatal(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(time.Minute, 0)
	_, err := r.Invoke(execCtx(t, st), domain.Task{Name: "t", AgentType: "shell"})
	require.Error(t, err)
	assert.True(t, domain.IsFatalErr(err))
}

func TestApproval_SuspendsThenApproves(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(0, 0)
	task := domain.Task{Name: "verify", AgentType: "approval", Gate: "user_approval"}

	// First execution opens the promise and suspends.
	_, err := r.Invoke(execCtx(t, st), task)
	require.Error(t, err)
	require.True(t, engine.IsSuspension(err))

	id := domain.AwakeableID("j1", 0)
	a, err := st.GetAwakeable(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeablePending, a.Status)

	// A human approves; the resumed invocation replays through to success.
	_, err = st.SettleAwakeable(context.Background(), id, domain.AwakeableResolved, []byte(`{"action":"approve"}`))
	require.NoError(t, err)

	out, err := r.Invoke(execCtx(t, st), task)
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"approve"}`, string(out))
}

func TestApproval_DenialIsFatal(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(0, 0)
	task := domain.Task{Name: "verify", AgentType: "approval", Gate: "user_approval"}

	_, err := r.Invoke(execCtx(t, st), task)
	require.True(t, engine.IsSuspension(err))

	id := domain.AwakeableID("j1", 0)
	_, err = st.SettleAwakeable(context.Background(), id, domain.AwakeableResolved, []byte(`{"action":"deny"}`))
	require.NoError(t, err)

	_, err = r.Invoke(execCtx(t, st), task)
	require.Error(t, err)
	assert.True(t, domain.IsFatalErr(err))
	assert.Contains(t, err.Error(), "denied")
}

func TestApproval_RejectionIsFatal(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(0, 0)
	task := domain.Task{Name: "verify", AgentType: "approval", Gate: "user_approval"}

	_, err := r.Invoke(execCtx(t, st), task)
	require.True(t, engine.IsSuspension(err))

	id := domain.AwakeableID("j1", 0)
	_, err = st.SettleAwakeable(context.Background(), id, domain.AwakeableRejected, []byte("not today"))
	require.NoError(t, err)

	_, err = r.Invoke(execCtx(t, st), task)
	require.Error(t, err)
	assert.True(t, domain.IsFatalErr(err))
}

func TestApproval_TimeoutSet(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(0, time.Hour)
	_, err := r.Invoke(execCtx(t, st), domain.Task{Name: "verify", AgentType: "approval", Gate: "user_approval"})
	require.True(t, engine.IsSuspension(err))

	a, err := st.GetAwakeable(context.Background(), domain.AwakeableID("j1", 0))
	require.NoError(t, err)
	require.NotNil(t, a.TimeoutAt)
	assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), *a.TimeoutAt, time.Minute)
}

func TestApproval_UnknownGateIsFatal(t *testing.T) {
	st := memory.New()
	r := agent.NewRunner(0, 0)
	task := domain.Task{Name: "verify", AgentType: "approval", Gate: "quorum"}

	_, err := r.Invoke(execCtx(t, st), task)
	require.True(t, engine.IsSuspension(err))
	_, err = st.SettleAwakeable(context.Background(), domain.AwakeableID("j1", 0), domain.AwakeableResolved, []byte(`{}`))
	require.NoError(t, err)

	_, err = r.Invoke(execCtx(t, st), task)
	require.Error(t, err)
	assert.True(t, domain.IsFatalErr(err))
}
