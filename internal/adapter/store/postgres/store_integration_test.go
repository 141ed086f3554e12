//go:build integration

package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/loomhq/loom/internal/adapter/store/postgres"
	"github.com/loomhq/loom/internal/domain"
)

// startPostgres runs a disposable postgres:16 container and returns a migrated
// store bound to it.
func startPostgres(t *testing.T) *postgres.Store {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16",
		Env:          map[string]string{"POSTGRES_PASSWORD": "postgres", "POSTGRES_USER": "postgres", "POSTGRES_DB": "loom"},
		ExposedPorts: []string{"5432/tcp"},
		WaitingFor:   wait.ForLog("database system is ready to accept connections").WithOccurrence(2).WithStartupTimeout(90 * time.Second),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pgC.Terminate(ctx) })

	host, err := pgC.Host(ctx)
	require.NoError(t, err)
	port, err := pgC.MappedPort(ctx, "5432")
	require.NoError(t, err)
	dsn := "postgres://postgres:postgres@" + host + ":" + port.Port() + "/loom?sslmode=disable"

	pool, err := postgres.NewPool(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	st := postgres.New(pool)
	require.Eventually(t, func() bool { return st.Ping(ctx) == nil }, 30*time.Second, time.Second)
	require.NoError(t, st.Migrate(ctx))
	return st
}

func TestJobLifecycleRoundTrip(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	job := domain.Job{ID: "j1", Name: "release", Status: domain.StatusPending}
	tasks := []domain.Task{
		{ID: "t1", JobID: "j1", Name: "build", AgentType: "shell", Status: domain.StatusPending},
		{ID: "t2", JobID: "j1", Name: "deploy", Needs: []string{"build"}, AgentType: "shell", Status: domain.StatusPending},
	}
	require.NoError(t, st.CreateJob(ctx, job, tasks))
	assert.ErrorIs(t, st.CreateJob(ctx, job, tasks), domain.ErrConflict)

	got, err := st.GetJob(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	listed, err := st.ListTasks(ctx, "j1")
	require.NoError(t, err)
	require.Len(t, listed, 2)
	assert.Equal(t, []string{"build"}, listed[1].Needs)

	require.NoError(t, st.TransitionTask(ctx, "j1", "build", domain.StatusPending, domain.StatusReady, domain.TransitionUpdate{}))
	assert.ErrorIs(t,
		st.TransitionTask(ctx, "j1", "build", domain.StatusPending, domain.StatusReady, domain.TransitionUpdate{}),
		domain.ErrInvalidTransition)

	events, err := st.ListEvents(ctx, "j1", 10)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, domain.StatusReady, events[0].NewState)
}

func TestQueueLeaseAndReap(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, st.CreateJob(ctx, domain.Job{ID: "j1", Name: "n", Status: domain.StatusPending},
		[]domain.Task{{ID: "t1", JobID: "j1", Name: "build", AgentType: "shell", Status: domain.StatusPending}}))
	require.NoError(t, st.RegisterWorker(ctx, domain.Worker{ID: "w1", MaxSlots: 1}))
	require.NoError(t, st.Enqueue(ctx, "j1", "build", "agent:shell"))

	qt, err := st.PollQueue(ctx, "w1", "agent:shell", now)
	require.NoError(t, err)
	require.NotNil(t, qt)
	assert.Equal(t, "w1", qt.ClaimedBy)

	// At capacity: the second poll yields nothing even with work queued.
	require.NoError(t, st.Enqueue(ctx, "j1", "build", "agent:shell")) // live duplicate, ignored
	again, err := st.PollQueue(ctx, "w1", "agent:shell", now)
	require.NoError(t, err)
	assert.Nil(t, again)

	reaped, err := st.ReapLeases(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, "w1", reaped[0].ClaimedBy)

	w, err := st.GetWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, 0, w.ActiveSlots)

	depth, err := st.QueueDepth(ctx, "agent:shell")
	require.NoError(t, err)
	assert.Equal(t, 1, depth)
}

func TestAwakeableSettleWakesTask(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, st.CreateJob(ctx, domain.Job{ID: "j1", Name: "n", Status: domain.StatusPending},
		[]domain.Task{{ID: "t1", JobID: "j1", Name: "verify", AgentType: "approval", Status: domain.StatusPending}}))
	for _, to := range []domain.Status{domain.StatusReady, domain.StatusRunning, domain.StatusSuspended} {
		task, err := st.GetTask(ctx, "j1", "verify")
		require.NoError(t, err)
		require.NoError(t, st.TransitionTask(ctx, "j1", "verify", task.Status, to, domain.TransitionUpdate{}))
	}

	id := domain.AwakeableID("j1", 0)
	require.NoError(t, st.CreateAwakeable(ctx, domain.Awakeable{
		ID: id, JobID: "j1", TaskName: "verify", Status: domain.AwakeablePending,
	}))

	settled, err := st.SettleAwakeable(ctx, id, domain.AwakeableResolved, []byte(`{"ok":true}`))
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeableResolved, settled.Status)

	_, err = st.SettleAwakeable(ctx, id, domain.AwakeableRejected, nil)
	assert.ErrorIs(t, err, domain.ErrNotPending)

	task, err := st.GetTask(ctx, "j1", "verify")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
}

func TestJournalIndexAllocation(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	require.NoError(t, st.CreateJob(ctx, domain.Job{ID: "j1", Name: "n", Status: domain.StatusPending},
		[]domain.Task{{ID: "t1", JobID: "j1", Name: "build", AgentType: "shell", Status: domain.StatusPending}}))

	for want := 0; want < 3; want++ {
		idx, err := st.AppendEntry(ctx, domain.JournalEntry{
			JobID: "j1", TaskName: "build", Attempt: 0,
			OpType: domain.OpRun, Flags: domain.DefaultFlags(domain.OpRun),
		})
		require.NoError(t, err)
		assert.Equal(t, want, idx)
	}

	require.NoError(t, st.CompleteEntry(ctx, "j1", "build", 0, 1, []byte(`"done"`), "", ""))
	e, err := st.GetEntry(ctx, "j1", "build", 0, 1)
	require.NoError(t, err)
	assert.True(t, e.Flags.Has(domain.FlagCompleted))
}

func TestObjectLockAndWorkflowRun(t *testing.T) {
	st := startPostgres(t)
	ctx := context.Background()

	res, err := st.AcquireObjectLock(ctx, "counter", "k1", "inv-a")
	require.NoError(t, err)
	assert.True(t, res.Acquired)

	res, err = st.AcquireObjectLock(ctx, "counter", "k1", "inv-b")
	require.NoError(t, err)
	assert.False(t, res.Acquired)
	assert.Equal(t, "inv-a", res.Holder)

	assert.ErrorIs(t, st.ReleaseObjectLock(ctx, "counter", "k1", "inv-b"), domain.ErrLockHeld)
	require.NoError(t, st.ReleaseObjectLock(ctx, "counter", "k1", "inv-a"))

	started, _, err := st.BeginWorkflowRun(ctx, "deploy", "wf-1", "inv-a")
	require.NoError(t, err)
	assert.True(t, started)

	started, run, err := st.BeginWorkflowRun(ctx, "deploy", "wf-1", "inv-b")
	require.NoError(t, err)
	assert.False(t, started)
	assert.Equal(t, domain.RunRunning, run.Status)

	require.NoError(t, st.CompleteWorkflowRun(ctx, "deploy", "wf-1", []byte(`"v2"`), false))
	run, err = st.GetWorkflowRun(ctx, "deploy", "wf-1")
	require.NoError(t, err)
	assert.Equal(t, domain.RunCompleted, run.Status)
}
