package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/adapter/store/memory"
	"github.com/loomhq/loom/internal/domain"
)

func seedJob(t *testing.T, s *memory.Store, jobID string, taskNames ...string) {
	t.Helper()
	tasks := make([]domain.Task, 0, len(taskNames))
	for _, n := range taskNames {
		tasks = append(tasks, domain.Task{JobID: jobID, Name: n, AgentType: "shell"})
	}
	require.NoError(t, s.CreateJob(context.Background(), domain.Job{ID: jobID, Name: jobID}, tasks))
}

func TestCreateJob_DuplicateConflicts(t *testing.T) {
	s := memory.New()
	seedJob(t, s, "j1", "a")
	err := s.CreateJob(context.Background(), domain.Job{ID: "j1"}, nil)
	assert.ErrorIs(t, err, domain.ErrConflict)

	err = s.CreateJob(context.Background(), domain.Job{ID: "j2"}, []domain.Task{
		{JobID: "j2", Name: "a"}, {JobID: "j2", Name: "a"},
	})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestJournal_SequentialIndices(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	for want := 0; want < 5; want++ {
		idx, err := s.AppendEntry(ctx, domain.JournalEntry{JobID: "j1", TaskName: "t", Attempt: 1, OpType: domain.OpRun})
		require.NoError(t, err)
		assert.Equal(t, want, idx)
	}
	// A new attempt is a fresh replay space starting at zero.
	idx, err := s.AppendEntry(ctx, domain.JournalEntry{JobID: "j1", TaskName: "t", Attempt: 2, OpType: domain.OpRun})
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	entries, err := s.ListEntries(ctx, "j1", "t", 1)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, i, e.EntryIndex)
	}
}

func TestCompleteEntry_SetsFlags(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	_, err := s.AppendEntry(ctx, domain.JournalEntry{JobID: "j1", TaskName: "t", Attempt: 1, OpType: domain.OpRun, Flags: domain.DefaultFlags(domain.OpRun)})
	require.NoError(t, err)

	require.NoError(t, s.CompleteEntry(ctx, "j1", "t", 1, 0, []byte(`"out"`), domain.FailureCodeNone, ""))
	e, err := s.GetEntry(ctx, "j1", "t", 1, 0)
	require.NoError(t, err)
	assert.True(t, e.Completed())
	assert.False(t, e.Failed())
	assert.Equal(t, []byte(`"out"`), e.Output)

	_, err = s.AppendEntry(ctx, domain.JournalEntry{JobID: "j1", TaskName: "t", Attempt: 1, OpType: domain.OpCall, Flags: domain.DefaultFlags(domain.OpCall)})
	require.NoError(t, err)
	require.NoError(t, s.CompleteEntry(ctx, "j1", "t", 1, 1, nil, domain.FailureCodeTransient, "boom"))
	e, err = s.GetEntry(ctx, "j1", "t", 1, 1)
	require.NoError(t, err)
	assert.True(t, e.Failed())
	assert.Equal(t, "boom", e.FailureMessage)
}

func TestTransitionTask_RejectsInvalidEdge(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedJob(t, s, "j1", "a")

	err := s.TransitionTask(ctx, "j1", "a", domain.StatusPending, domain.StatusRunning, domain.TransitionUpdate{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	// state unchanged
	task, err := s.GetTask(ctx, "j1", "a")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)

	// wrong from-state is also rejected
	err = s.TransitionTask(ctx, "j1", "a", domain.StatusReady, domain.StatusRunning, domain.TransitionUpdate{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
}

func TestTransitionTask_EmitsEvent(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedJob(t, s, "j1", "a")

	require.NoError(t, s.TransitionTask(ctx, "j1", "a", domain.StatusPending, domain.StatusReady, domain.TransitionUpdate{Reason: "deps satisfied"}))
	events, err := s.ListEvents(ctx, "j1", 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventTaskStateChange, events[0].EventType)
	assert.Equal(t, domain.StatusPending, events[0].OldState)
	assert.Equal(t, domain.StatusReady, events[0].NewState)
	assert.Equal(t, "deps satisfied", events[0].Reason)
	assert.Equal(t, "a", events[0].TaskName)
}

func TestTransitionTask_BackoffUpdatesJobRetryFields(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedJob(t, s, "j1", "a")
	require.NoError(t, s.TransitionTask(ctx, "j1", "a", domain.StatusPending, domain.StatusReady, domain.TransitionUpdate{}))
	require.NoError(t, s.TransitionTask(ctx, "j1", "a", domain.StatusReady, domain.StatusRunning, domain.TransitionUpdate{}))

	next := time.Now().UTC().Add(2 * time.Second)
	require.NoError(t, s.TransitionTask(ctx, "j1", "a", domain.StatusRunning, domain.StatusBackingOff, domain.TransitionUpdate{NextRetryAt: &next, Reason: "transient"}))

	job, err := s.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, job.RetryCount)
	require.NotNil(t, job.NextRetryAt)
	assert.WithinDuration(t, next, *job.NextRetryAt, time.Millisecond)
}

func TestSettleAwakeable_WakesSuspendedTask(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedJob(t, s, "j1", "verify")
	require.NoError(t, s.TransitionTask(ctx, "j1", "verify", domain.StatusPending, domain.StatusReady, domain.TransitionUpdate{}))
	require.NoError(t, s.TransitionTask(ctx, "j1", "verify", domain.StatusReady, domain.StatusRunning, domain.TransitionUpdate{}))
	require.NoError(t, s.TransitionTask(ctx, "j1", "verify", domain.StatusRunning, domain.StatusSuspended, domain.TransitionUpdate{}))

	id := domain.AwakeableID("j1", 0)
	require.NoError(t, s.CreateAwakeable(ctx, domain.Awakeable{ID: id, JobID: "j1", TaskName: "verify"}))

	settled, err := s.SettleAwakeable(ctx, id, domain.AwakeableResolved, []byte(`{"action":"approve"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeableResolved, settled.Status)
	require.NotNil(t, settled.ResolvedAt)

	task, err := s.GetTask(ctx, "j1", "verify")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
}

func TestSettleAwakeable_DuplicateRejected(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedJob(t, s, "j1", "verify")
	id := domain.AwakeableID("j1", 0)
	require.NoError(t, s.CreateAwakeable(ctx, domain.Awakeable{ID: id, JobID: "j1", TaskName: "verify"}))

	_, err := s.SettleAwakeable(ctx, id, domain.AwakeableResolved, []byte(`{"x":1}`))
	require.NoError(t, err)

	_, err = s.SettleAwakeable(ctx, id, domain.AwakeableResolved, []byte(`{"x":2}`))
	assert.ErrorIs(t, err, domain.ErrNotPending)

	// original payload untouched
	a, err := s.GetAwakeable(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeableResolved, a.Status)
	assert.JSONEq(t, `{"x":1}`, string(a.Payload))
}

func TestSettleAwakeable_UnknownNotFound(t *testing.T) {
	s := memory.New()
	_, err := s.SettleAwakeable(context.Background(), domain.AwakeableID("ghost", 0), domain.AwakeableResolved, nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestExpireAwakeables(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedJob(t, s, "j1", "wait")
	past := time.Now().UTC().Add(-time.Second)
	future := time.Now().UTC().Add(time.Hour)
	require.NoError(t, s.CreateAwakeable(ctx, domain.Awakeable{ID: domain.AwakeableID("j1", 0), JobID: "j1", TaskName: "wait", TimeoutAt: &past}))
	require.NoError(t, s.CreateAwakeable(ctx, domain.Awakeable{ID: domain.AwakeableID("j1", 1), JobID: "j1", TaskName: "wait", TimeoutAt: &future}))
	require.NoError(t, s.CreateAwakeable(ctx, domain.Awakeable{ID: domain.AwakeableID("j1", 2), JobID: "j1", TaskName: "wait"}))

	expired, err := s.ExpireAwakeables(ctx, time.Now().UTC())
	require.NoError(t, err)
	require.Len(t, expired, 1)
	assert.Equal(t, domain.AwakeableTimeout, expired[0].Status)

	// awakeables without a timeout are never expired
	a, err := s.GetAwakeable(ctx, domain.AwakeableID("j1", 2))
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeablePending, a.Status)
}

func TestCancelJobAwakeables(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedJob(t, s, "j1", "wait")
	require.NoError(t, s.CreateAwakeable(ctx, domain.Awakeable{ID: domain.AwakeableID("j1", 0), JobID: "j1", TaskName: "wait"}))
	require.NoError(t, s.CreateAwakeable(ctx, domain.Awakeable{ID: domain.AwakeableID("j1", 1), JobID: "j1", TaskName: "wait"}))
	_, err := s.SettleAwakeable(ctx, domain.AwakeableID("j1", 1), domain.AwakeableResolved, nil)
	require.NoError(t, err)

	n, err := s.CancelJobAwakeables(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	a, err := s.GetAwakeable(ctx, domain.AwakeableID("j1", 0))
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeableCancelled, a.Status)
	// settled awakeables keep their terminal state
	a, err = s.GetAwakeable(ctx, domain.AwakeableID("j1", 1))
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeableResolved, a.Status)
}

func TestPollQueue_LeaseAndCapacity(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.RegisterWorker(ctx, domain.Worker{ID: "w1", Capabilities: []string{"agent:shell"}, MaxSlots: 1}))
	require.NoError(t, s.Enqueue(ctx, "j1", "a", "agent:shell"))
	require.NoError(t, s.Enqueue(ctx, "j1", "b", "agent:shell"))

	// duplicate enqueue is idempotent
	require.NoError(t, s.Enqueue(ctx, "j1", "a", "agent:shell"))
	depth, err := s.QueueDepth(ctx, "agent:shell")
	require.NoError(t, err)
	assert.Equal(t, 2, depth)

	lease, err := s.PollQueue(ctx, "w1", "agent:shell", now)
	require.NoError(t, err)
	require.NotNil(t, lease)
	assert.Equal(t, "a", lease.TaskName) // oldest first
	assert.Equal(t, domain.QueueStatusLeased, lease.Status)
	assert.Equal(t, "w1", lease.ClaimedBy)

	// at capacity: nothing returned
	lease2, err := s.PollQueue(ctx, "w1", "agent:shell", now)
	require.NoError(t, err)
	assert.Nil(t, lease2)

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 1, w.ActiveSlots)
	assert.LessOrEqual(t, w.ActiveSlots, w.MaxSlots)

	// completing the lease frees the slot
	require.NoError(t, s.CompleteQueued(ctx, "j1", "a", "w1"))
	w, err = s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.ActiveSlots)

	lease3, err := s.PollQueue(ctx, "w1", "agent:shell", now)
	require.NoError(t, err)
	require.NotNil(t, lease3)
	assert.Equal(t, "b", lease3.TaskName)
}

func TestPollQueue_UnknownWorker(t *testing.T) {
	s := memory.New()
	_, err := s.PollQueue(context.Background(), "ghost", "agent:shell", time.Now().UTC())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReapLeases_ReturnsStaleToQueued(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	now := time.Now().UTC()
	require.NoError(t, s.RegisterWorker(ctx, domain.Worker{ID: "w1", MaxSlots: 2}))
	require.NoError(t, s.Enqueue(ctx, "j1", "a", "agent:shell"))
	lease, err := s.PollQueue(ctx, "w1", "agent:shell", now.Add(-time.Minute))
	require.NoError(t, err)
	require.NotNil(t, lease)

	reaped, err := s.ReapLeases(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, domain.QueueStatusQueued, reaped[0].Status)
	assert.Empty(t, reaped[0].ClaimedBy)

	w, err := s.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.ActiveSlots)

	// a fresh lease survives the same cutoff
	lease, err = s.PollQueue(ctx, "w1", "agent:shell", now)
	require.NoError(t, err)
	require.NotNil(t, lease)
	reaped, err = s.ReapLeases(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, reaped)
}

func TestWorkerHeartbeat_RefreshesLeases(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	start := time.Now().UTC().Add(-time.Minute)
	require.NoError(t, s.RegisterWorker(ctx, domain.Worker{ID: "w1", MaxSlots: 1}))
	require.NoError(t, s.Enqueue(ctx, "j1", "a", "agent:shell"))
	_, err := s.PollQueue(ctx, "w1", "agent:shell", start)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, s.WorkerHeartbeat(ctx, "w1", now))

	reaped, err := s.ReapLeases(ctx, now.Add(-30*time.Second))
	require.NoError(t, err)
	assert.Empty(t, reaped)

	assert.ErrorIs(t, s.WorkerHeartbeat(ctx, "ghost", now), domain.ErrNotFound)
}

func TestObjectLock_SingleWriter(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	res, err := s.AcquireObjectLock(ctx, "Cart", "user-123", "invA")
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	res, err = s.AcquireObjectLock(ctx, "Cart", "user-123", "invB")
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "invA", res.Holder)

	// release by non-holder fails and leaves the lock in place
	assert.ErrorIs(t, s.ReleaseObjectLock(ctx, "Cart", "user-123", "invB"), domain.ErrLockHeld)

	require.NoError(t, s.ReleaseObjectLock(ctx, "Cart", "user-123", "invA"))
	res, err = s.AcquireObjectLock(ctx, "Cart", "user-123", "invB")
	require.NoError(t, err)
	assert.True(t, res.Acquired)
}

func TestWorkflowRun_ExactlyOnce(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	started, run, err := s.BeginWorkflowRun(ctx, "Signup", "wf-1", "invA")
	require.NoError(t, err)
	assert.True(t, started)
	assert.Equal(t, domain.RunRunning, run.Status)

	started, run, err = s.BeginWorkflowRun(ctx, "Signup", "wf-1", "invB")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, "invA", run.Holder)

	require.NoError(t, s.CompleteWorkflowRun(ctx, "Signup", "wf-1", []byte(`"done"`), false))
	started, run, err = s.BeginWorkflowRun(ctx, "Signup", "wf-1", "invC")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, domain.RunCompleted, run.Status)
	assert.Equal(t, []byte(`"done"`), run.Result)
}

func TestObjectState_CRUD(t *testing.T) {
	s := memory.New()
	ctx := context.Background()

	v, err := s.GetObjectState(ctx, "Cart", "u1", "basket")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.SetObjectState(ctx, "Cart", "u1", "basket", []byte(`["apple"]`)))
	require.NoError(t, s.SetObjectState(ctx, "Cart", "u1", "total", []byte(`3`)))

	all, err := s.ListObjectState(ctx, "Cart", "u1")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, s.ClearObjectState(ctx, "Cart", "u1", "total"))
	v, err = s.GetObjectState(ctx, "Cart", "u1", "total")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.ClearAllObjectState(ctx, "Cart", "u1"))
	all, err = s.ListObjectState(ctx, "Cart", "u1")
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestEventsSince_Pagination(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedJob(t, s, "j1", "a")
	require.NoError(t, s.TransitionTask(ctx, "j1", "a", domain.StatusPending, domain.StatusReady, domain.TransitionUpdate{}))
	require.NoError(t, s.TransitionTask(ctx, "j1", "a", domain.StatusReady, domain.StatusRunning, domain.TransitionUpdate{}))
	require.NoError(t, s.TransitionTask(ctx, "j1", "a", domain.StatusRunning, domain.StatusCompleted, domain.TransitionUpdate{Result: domain.ResultSuccess}))

	first, err := s.EventsSince(ctx, 0, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	rest, err := s.EventsSince(ctx, first[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	assert.Equal(t, domain.StatusCompleted, rest[0].NewState)
}

func TestPurgeCompletedJobs(t *testing.T) {
	s := memory.New()
	ctx := context.Background()
	seedJob(t, s, "j1", "a")
	require.NoError(t, s.TransitionJob(ctx, "j1", domain.StatusPending, domain.StatusCompleted, domain.TransitionUpdate{Result: domain.ResultSuccess}))
	seedJob(t, s, "j2", "a")

	n, err := s.PurgeCompletedJobs(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetJob(ctx, "j1")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetTask(ctx, "j1", "a")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = s.GetJob(ctx, "j2")
	assert.NoError(t, err)
}
