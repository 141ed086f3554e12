package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/adapter/store/memory"
	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/usecase"
)

func TestSubmit_CreatesPendingDAG(t *testing.T) {
	st := memory.New()
	svc := usecase.NewJobService(st)

	job, err := svc.Submit(context.Background(), "j1", "review", []usecase.TaskSpec{
		{Name: "fetch", AgentType: "shell", RunCmd: "echo 1"},
		{Name: "verify", Needs: []string{"fetch"}, AgentType: "approval", Gate: "user_approval"},
	})
	require.NoError(t, err)
	assert.Equal(t, "j1", job.ID)
	assert.Equal(t, domain.StatusPending, job.Status)

	status, err := svc.Status(context.Background(), "j1")
	require.NoError(t, err)
	require.Len(t, status.Tasks, 2)
	for _, task := range status.Tasks {
		assert.Equal(t, domain.StatusPending, task.Status)
		assert.Equal(t, 1, task.Attempt)
	}
}

func TestSubmit_GeneratesID(t *testing.T) {
	st := memory.New()
	svc := usecase.NewJobService(st)
	job, err := svc.Submit(context.Background(), "", "review", []usecase.TaskSpec{
		{Name: "a", AgentType: "shell", RunCmd: "true"},
	})
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)
	assert.NoError(t, domain.ValidateIdentifier("job_id", job.ID))
}

func TestSubmit_DAGValidation(t *testing.T) {
	st := memory.New()
	svc := usecase.NewJobService(st)
	ctx := context.Background()

	cases := []struct {
		name  string
		specs []usecase.TaskSpec
	}{
		{"no tasks", nil},
		{"missing agent type", []usecase.TaskSpec{{Name: "a"}}},
		{"duplicate name", []usecase.TaskSpec{
			{Name: "a", AgentType: "shell"}, {Name: "a", AgentType: "shell"},
		}},
		{"unknown dependency", []usecase.TaskSpec{
			{Name: "a", AgentType: "shell", Needs: []string{"ghost"}},
		}},
		{"self cycle", []usecase.TaskSpec{
			{Name: "a", AgentType: "shell", Needs: []string{"a"}},
		}},
		{"two-node cycle", []usecase.TaskSpec{
			{Name: "a", AgentType: "shell", Needs: []string{"b"}},
			{Name: "b", AgentType: "shell", Needs: []string{"a"}},
		}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Submit(ctx, "", "review", tc.specs)
			require.Error(t, err)
		})
	}
}

func TestCancel_TerminatesEverything(t *testing.T) {
	st := memory.New()
	svc := usecase.NewJobService(st)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "j1", "review", []usecase.TaskSpec{
		{Name: "a", AgentType: "shell", RunCmd: "true"},
		{Name: "b", Needs: []string{"a"}, AgentType: "approval", Gate: "user_approval"},
	})
	require.NoError(t, err)
	// b is suspended on a pending awakeable.
	require.NoError(t, st.TransitionTask(ctx, "j1", "b", domain.StatusPending, domain.StatusReady, domain.TransitionUpdate{}))
	require.NoError(t, st.TransitionTask(ctx, "j1", "b", domain.StatusReady, domain.StatusRunning, domain.TransitionUpdate{}))
	require.NoError(t, st.TransitionTask(ctx, "j1", "b", domain.StatusRunning, domain.StatusSuspended, domain.TransitionUpdate{}))
	id := domain.AwakeableID("j1", 0)
	require.NoError(t, st.CreateAwakeable(ctx, domain.Awakeable{
		ID: id, JobID: "j1", TaskName: "b", Status: domain.AwakeablePending,
	}))

	require.NoError(t, svc.Cancel(ctx, "j1", "operator cancel"))

	status, err := svc.Status(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, status.Job.Status)
	assert.Equal(t, domain.ResultFailure, status.Job.CompletionResult)
	for _, task := range status.Tasks {
		assert.Equal(t, domain.StatusCompleted, task.Status)
		assert.Equal(t, domain.ResultFailure, task.Result)
	}
	a, err := st.GetAwakeable(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeableCancelled, a.Status)

	// Idempotence: cancelling a completed job is an invalid transition.
	err = svc.Cancel(ctx, "j1", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestRetry_EnqueuesBackingOffTasks(t *testing.T) {
	st := memory.New()
	svc := usecase.NewJobService(st)
	ctx := context.Background()

	_, err := svc.Submit(ctx, "j1", "review", []usecase.TaskSpec{
		{Name: "a", AgentType: "shell", RunCmd: "true"},
		{Name: "b", AgentType: "shell", RunCmd: "true"},
	})
	require.NoError(t, err)
	require.NoError(t, st.TransitionTask(ctx, "j1", "a", domain.StatusPending, domain.StatusReady, domain.TransitionUpdate{}))
	require.NoError(t, st.TransitionTask(ctx, "j1", "a", domain.StatusReady, domain.StatusRunning, domain.TransitionUpdate{}))
	require.NoError(t, st.TransitionTask(ctx, "j1", "a", domain.StatusRunning, domain.StatusBackingOff, domain.TransitionUpdate{}))

	n, err := svc.Retry(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	depth, err := st.QueueDepth(ctx, "agent:shell")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestList_FilterValidation(t *testing.T) {
	st := memory.New()
	svc := usecase.NewJobService(st)
	_, err := svc.List(context.Background(), domain.ListJobsFilter{Status: "bogus"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
