package usecase_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/adapter/store/memory"
	"github.com/loomhq/loom/internal/domain"
	"github.com/loomhq/loom/internal/usecase"
)

type recordingNotifier struct {
	wakes []string
}

func (n *recordingNotifier) NotifyWake(_ context.Context, jobID, taskName string) error {
	n.wakes = append(n.wakes, jobID+"/"+taskName)
	return nil
}

// seedSuspended creates a job whose task is suspended on a pending awakeable,
// returning the awakeable id.
func seedSuspended(t *testing.T, st domain.Store, timeoutAt *time.Time) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.CreateJob(ctx, domain.Job{ID: "j1", Name: "demo"}, []domain.Task{
		{ID: "t1", JobID: "j1", Name: "verify", AgentType: "approval", Status: domain.StatusSuspended},
	}))
	id := domain.AwakeableID("j1", 0)
	require.NoError(t, st.CreateAwakeable(ctx, domain.Awakeable{
		ID: id, JobID: "j1", TaskName: "verify", EntryIndex: 0,
		Status: domain.AwakeablePending, TimeoutAt: timeoutAt,
	}))
	return id
}

func TestResolve_WakesTaskAndNotifies(t *testing.T) {
	st := memory.New()
	n := &recordingNotifier{}
	svc := usecase.NewAwakeableService(st, n)
	id := seedSuspended(t, st, nil)

	a, err := svc.Resolve(context.Background(), id, []byte(`{"action":"approve"}`))
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeableResolved, a.Status)

	task, err := st.GetTask(context.Background(), "j1", "verify")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Equal(t, []string{"j1/verify"}, n.wakes)
}

func TestResolve_DuplicateIsNotPending(t *testing.T) {
	st := memory.New()
	svc := usecase.NewAwakeableService(st, nil)
	id := seedSuspended(t, st, nil)

	_, err := svc.Resolve(context.Background(), id, []byte(`{"x":1}`))
	require.NoError(t, err)
	_, err = svc.Resolve(context.Background(), id, []byte(`{"x":2}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrNotPending)

	a, err := st.GetAwakeable(context.Background(), id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"x":1}`, string(a.Payload))
	assert.Equal(t, domain.AwakeableResolved, a.Status)
}

func TestResolve_Validation(t *testing.T) {
	st := memory.New()
	svc := usecase.NewAwakeableService(st, nil)
	seedSuspended(t, st, nil)

	_, err := svc.Resolve(context.Background(), "not-an-id", nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	id := domain.AwakeableID("j1", 0)
	_, err = svc.Resolve(context.Background(), id, bytes.Repeat([]byte("x"), domain.MaxPayloadBytes+1))
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	_, err = svc.Resolve(context.Background(), domain.AwakeableID("j9", 0), nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestReject_RequiresErrorString(t *testing.T) {
	st := memory.New()
	svc := usecase.NewAwakeableService(st, nil)
	id := seedSuspended(t, st, nil)

	_, err := svc.Reject(context.Background(), id, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	a, err := svc.Reject(context.Background(), id, "reviewer declined")
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeableRejected, a.Status)
	assert.Equal(t, "reviewer declined", string(a.Payload))
}

func TestSweep_ExpiresDueOnly(t *testing.T) {
	st := memory.New()
	n := &recordingNotifier{}
	svc := usecase.NewAwakeableService(st, n)
	past := time.Now().UTC().Add(-time.Minute)
	id := seedSuspended(t, st, &past)

	count, err := svc.Sweep(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	a, err := st.GetAwakeable(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.AwakeableTimeout, a.Status)
	assert.Equal(t, []string{"j1/verify"}, n.wakes)

	// Second sweep finds nothing.
	count, err = svc.Sweep(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Zero(t, count)
}
