package checkpoint

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdio/foreman/pkg/storage"
	"github.com/crowdio/foreman/pkg/types"
)

func newTestManager(t *testing.T) (*Manager, *Storage, storage.Store) {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := NewStorage(t.TempDir(), store)
	require.NoError(t, err)
	return NewManager(store, blobs), blobs, store
}

func seedTask(t *testing.T, store storage.Store, jobID string) string {
	t.Helper()
	taskID := types.TaskID(jobID, 0)
	job := &types.Job{ID: jobID, Status: types.JobStatusRunning, TotalTasks: 1, CreatedAt: time.Now()}
	task := &types.Task{ID: taskID, JobID: jobID, Status: types.TaskStatusAssigned, WorkerID: "W1"}
	require.NoError(t, store.CreateJob(job, []*types.Task{task}))
	return taskID
}

func TestStorageSmallBlobRoundTrip(t *testing.T) {
	_, blobs, _ := newTestManager(t)

	data := []byte(`{"step":1}`)
	ref, size, err := blobs.Store("T1", data, true, 1)
	require.NoError(t, err)
	assert.Equal(t, "db_1", ref)
	assert.Greater(t, size, 0)

	got, err := blobs.Retrieve("T1", true, 0)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStorageLargeBlobGoesToFilesystem(t *testing.T) {
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	root := t.TempDir()
	blobs, err := NewStorage(root, store)
	require.NoError(t, err)

	// Incompressible payload well past the 1 MiB compressed threshold
	data := make([]byte, 2<<20)
	rng := rand.New(rand.NewSource(1))
	rng.Read(data)

	ref, _, err := blobs.Store("T1", data, false, 3)
	require.NoError(t, err)
	assert.Equal(t, "fs_T1/delta_3.gz", ref)

	_, err = os.Stat(filepath.Join(root, "T1", "delta_3.gz"))
	require.NoError(t, err)

	got, err := blobs.Retrieve("T1", false, 3)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestStorageDeleteAndInfo(t *testing.T) {
	_, blobs, _ := newTestManager(t)

	_, _, err := blobs.Store("T1", []byte(`{"a":1}`), true, 1)
	require.NoError(t, err)
	_, _, err = blobs.Store("T1", []byte(`{"b":2}`), false, 2)
	require.NoError(t, err)

	info, err := blobs.GetInfo("T1")
	require.NoError(t, err)
	assert.Greater(t, info.BaseSizeBytes, 0)
	assert.Equal(t, 1, info.DeltaCount)
	assert.Greater(t, info.TotalSizeBytes, info.BaseSizeBytes)

	require.NoError(t, blobs.Delete("T1"))
	info, err = blobs.GetInfo("T1")
	require.NoError(t, err)
	assert.Zero(t, info.TotalSizeBytes)
}

func TestMergeOverlay(t *testing.T) {
	m := NewJSONMerger()

	tests := []struct {
		name  string
		base  string
		delta string
		want  string
	}{
		{"key overlay", `{"step":1,"w":[0.0,0.0]}`, `{"step":2}`, `{"step":2,"w":[0.0,0.0]}`},
		{"keys only in base retained", `{"a":1,"b":2}`, `{"b":3}`, `{"a":1,"b":3}`},
		{"numeric arrays add", `[1,2,3]`, `[0.5,0.5,0.5]`, `[1.5,2.5,3.5]`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Merge([]byte(tt.base), []byte(tt.delta))
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestMergeUnclassifiableKeepsBase(t *testing.T) {
	m := NewJSONMerger()

	tests := []struct {
		name  string
		base  string
		delta string
	}{
		{"scalar", `42`, `7`},
		{"mismatched array lengths", `[1,2]`, `[1]`},
		{"object vs array", `{"a":1}`, `[1]`},
		{"not json", `garbage`, `{"a":1}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := m.Merge([]byte(tt.base), []byte(tt.delta))
			assert.Equal(t, tt.base, string(got))
		})
	}
}

func TestStoreBaseCheckpoint(t *testing.T) {
	m, _, store := newTestManager(t)
	taskID := seedTask(t, store, "J1")

	base := []byte(`{"step":1,"w":[0.0,0.0]}`)
	require.NoError(t, m.StoreCheckpoint(taskID, true, base, 10, 1, "gzip"))

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.NotEmpty(t, task.BaseCheckpointRef)
	assert.Greater(t, task.BaseCheckpointSize, 0)
	assert.Empty(t, task.DeltaCheckpoints)
	assert.Equal(t, 1, task.CheckpointCount)
	assert.Equal(t, 10.0, task.ProgressPercent)
	assert.NotNil(t, task.LastCheckpointAt)

	// Base-only reconstruction returns the stored bytes
	state, err := m.ReconstructState(taskID)
	require.NoError(t, err)
	assert.Equal(t, base, state)
}

func TestStoreCheckpointUnknownTask(t *testing.T) {
	m, _, _ := newTestManager(t)
	err := m.StoreCheckpoint("ghost_task_0", true, []byte(`{}`), 0, 1, "gzip")
	assert.Error(t, err)
}

// TestReconstructFold covers the base + delta fold law with the
// right-biased overlay merge.
func TestReconstructFold(t *testing.T) {
	m, _, store := newTestManager(t)
	taskID := seedTask(t, store, "J1")

	require.NoError(t, m.StoreCheckpoint(taskID, true, []byte(`{"step":1,"w":[0.0,0.0]}`), 10, 1, "gzip"))
	require.NoError(t, m.StoreCheckpoint(taskID, false, []byte(`{"step":2}`), 50, 2, "gzip"))
	require.NoError(t, m.StoreCheckpoint(taskID, false, []byte(`{"w":[0.1,0.2]}`), 90, 3, "gzip"))

	state, err := m.ReconstructState(taskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":2,"w":[0.1,0.2]}`, string(state))
}

func TestReconstructNoBase(t *testing.T) {
	m, _, store := newTestManager(t)
	taskID := seedTask(t, store, "J1")

	state, err := m.ReconstructState(taskID)
	require.NoError(t, err)
	assert.Nil(t, state)
}

func TestNewBaseClearsDeltas(t *testing.T) {
	m, _, store := newTestManager(t)
	taskID := seedTask(t, store, "J1")

	require.NoError(t, m.StoreCheckpoint(taskID, true, []byte(`{"a":1}`), 0, 1, "gzip"))
	require.NoError(t, m.StoreCheckpoint(taskID, false, []byte(`{"b":2}`), 0, 2, "gzip"))
	require.NoError(t, m.StoreCheckpoint(taskID, true, []byte(`{"a":9}`), 0, 3, "gzip"))

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Empty(t, task.DeltaCheckpoints)
	assert.Greater(t, task.BaseCheckpointSize, 0)

	state, err := m.ReconstructState(taskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":9}`, string(state))
}

// TestCompaction drives the delta chain exactly to the threshold and
// verifies the fold is preserved by the new base.
func TestCompaction(t *testing.T) {
	m, _, store := newTestManager(t)
	m.SetCompactThreshold(5)
	taskID := seedTask(t, store, "J1")

	require.NoError(t, m.StoreCheckpoint(taskID, true, []byte(`{"step":0}`), 0, 1, "gzip"))
	for i := 1; i <= 5; i++ {
		delta, _ := json.Marshal(map[string]int{"step": i})
		require.NoError(t, m.StoreCheckpoint(taskID, false, delta, float64(i), i+1, "gzip"))
	}

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	// Deltas cleared; the new base id is one past the replaced chain
	assert.Empty(t, task.DeltaCheckpoints)
	assert.Equal(t, 7, task.CheckpointCount)

	state, err := m.ReconstructState(taskID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"step":5}`, string(state))
}

func TestDefaultCompactThreshold(t *testing.T) {
	assert.Equal(t, 50, DefaultCompactThreshold)
}

func TestCleanup(t *testing.T) {
	m, blobs, store := newTestManager(t)
	taskID := seedTask(t, store, "J1")

	require.NoError(t, m.StoreCheckpoint(taskID, true, []byte(`{"a":1}`), 0, 1, "gzip"))
	require.NoError(t, m.StoreCheckpoint(taskID, false, []byte(`{"b":2}`), 0, 2, "gzip"))

	require.NoError(t, m.Cleanup(taskID))

	task, err := store.GetTask(taskID)
	require.NoError(t, err)
	assert.Empty(t, task.BaseCheckpointRef)
	assert.Zero(t, task.CheckpointCount)

	info, err := blobs.GetInfo(taskID)
	require.NoError(t, err)
	assert.Zero(t, info.TotalSizeBytes)
}

func TestShouldResume(t *testing.T) {
	m, _, _ := newTestManager(t)
	now := time.Now()
	stale := now.Add(-2 * time.Hour)
	fresh := now.Add(-time.Minute)

	tests := []struct {
		name string
		task types.Task
		want bool
	}{
		{"fresh checkpoint", types.Task{Status: types.TaskStatusPending, BaseCheckpointRef: "db_1", LastCheckpointAt: &fresh}, true},
		{"stale checkpoint", types.Task{Status: types.TaskStatusPending, BaseCheckpointRef: "db_1", LastCheckpointAt: &stale}, false},
		{"no base", types.Task{Status: types.TaskStatusPending, LastCheckpointAt: &fresh}, false},
		{"completed task", types.Task{Status: types.TaskStatusCompleted, BaseCheckpointRef: "db_1", LastCheckpointAt: &fresh}, false},
		{"failed task", types.Task{Status: types.TaskStatusFailed, BaseCheckpointRef: "db_1", LastCheckpointAt: &fresh}, false},
		{"no timestamp", types.Task{Status: types.TaskStatusPending, BaseCheckpointRef: "db_1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, m.ShouldResume(&tt.task))
		})
	}
}

func TestBuildResumeEnvelope(t *testing.T) {
	m, _, store := newTestManager(t)
	taskID := seedTask(t, store, "J1")

	require.NoError(t, m.StoreCheckpoint(taskID, true, []byte(`{"step":3}`), 30, 4, "gzip"))

	msg, err := m.BuildResumeEnvelope("J1", taskID, "train")
	require.NoError(t, err)

	var data struct {
		TaskID                string `json:"task_id"`
		FuncCode              string `json:"func_code"`
		ReconstructedStateHex string `json:"reconstructed_state_hex"`
		CheckpointCount       int    `json:"checkpoint_count"`
	}
	require.NoError(t, json.Unmarshal(msg.Data, &data))
	assert.Equal(t, taskID, data.TaskID)
	assert.Equal(t, "train", data.FuncCode)
	assert.Equal(t, 4, data.CheckpointCount)
	assert.True(t, strings.HasPrefix(data.ReconstructedStateHex, "7b")) // '{'
}
