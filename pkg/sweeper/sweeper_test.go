package sweeper

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdio/foreman/pkg/storage"
	"github.com/crowdio/foreman/pkg/types"
)

func newTestStore(t *testing.T) *storage.BoltStore {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func seedAssignedTask(t *testing.T, store storage.Store, jobID string, assignedAt time.Time) string {
	t.Helper()
	taskID := types.TaskID(jobID, 0)
	job := &types.Job{ID: jobID, Status: types.JobStatusRunning, TotalTasks: 1, CreatedAt: time.Now()}
	task := &types.Task{
		ID:         taskID,
		JobID:      jobID,
		Status:     types.TaskStatusAssigned,
		WorkerID:   "W1",
		AssignedAt: &assignedAt,
	}
	require.NoError(t, store.CreateJob(job, []*types.Task{task}))
	return taskID
}

func TestSweepResetsStalledTasks(t *testing.T) {
	store := newTestStore(t)
	stalled := seedAssignedTask(t, store, "J1", time.Now().Add(-10*time.Minute))
	recent := seedAssignedTask(t, store, "J2", time.Now().Add(-time.Minute))

	s := New(store, time.Minute, 5*time.Minute)
	reset, err := s.Sweep()
	require.NoError(t, err)
	assert.Equal(t, 1, reset)

	task, err := store.GetTask(stalled)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusPending, task.Status)
	assert.Empty(t, task.WorkerID)

	task, err = store.GetTask(recent)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, task.Status)
}

func TestSweepIgnoresFinishedJobs(t *testing.T) {
	store := newTestStore(t)
	taskID := seedAssignedTask(t, store, "J1", time.Now().Add(-time.Hour))
	require.NoError(t, store.UpdateJobStatus("J1", types.JobStatusCompleted, ""))

	s := New(store, time.Minute, 5*time.Minute)
	reset, err := s.Sweep()
	require.NoError(t, err)
	assert.Zero(t, reset)

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, task.Status)
}

func TestSweepNothingStalled(t *testing.T) {
	store := newTestStore(t)
	s := New(store, 0, 0)
	reset, err := s.Sweep()
	require.NoError(t, err)
	assert.Zero(t, reset)
}
