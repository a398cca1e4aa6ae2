package checkpoint

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/metrics"
	"github.com/crowdio/foreman/pkg/protocol"
	"github.com/crowdio/foreman/pkg/storage"
	"github.com/crowdio/foreman/pkg/types"
)

// DefaultCompactThreshold is the delta count that triggers compaction
const DefaultCompactThreshold = 50

// DefaultResumeMaxAge is how old a checkpoint may be and still seed a
// resumed task.
const DefaultResumeMaxAge = time.Hour

// Manager owns base/delta checkpoint accounting for tasks: storing
// incoming checkpoints, reconstructing state for resume, compacting long
// delta chains, and reclaiming space on completion.
type Manager struct {
	store            storage.Store
	blobs            *Storage
	merger           Merger
	compactThreshold int
	resumeMaxAge     time.Duration
	logger           zerolog.Logger
}

// NewManager creates a checkpoint manager with the default merger,
// compaction threshold, and resume cutoff.
func NewManager(store storage.Store, blobs *Storage) *Manager {
	return &Manager{
		store:            store,
		blobs:            blobs,
		merger:           NewJSONMerger(),
		compactThreshold: DefaultCompactThreshold,
		resumeMaxAge:     DefaultResumeMaxAge,
		logger:           log.WithComponent("checkpoint_manager"),
	}
}

// SetCompactThreshold overrides the delta count that triggers compaction
func (m *Manager) SetCompactThreshold(n int) {
	if n > 0 {
		m.compactThreshold = n
	}
}

// SetResumeMaxAge overrides the staleness cutoff for resume eligibility
func (m *Manager) SetResumeMaxAge(d time.Duration) {
	if d > 0 {
		m.resumeMaxAge = d
	}
}

// StoreCheckpoint persists one base or delta checkpoint from a worker.
// A base replaces any previous base and clears the delta chain; a delta
// appends a descriptor. Reaching the compaction threshold folds the
// chain into a fresh base. Returns an error when nothing was stored, so
// the worker gets no ack and may resend.
func (m *Manager) StoreCheckpoint(taskID string, isBase bool, data []byte, progress float64, checkpointID int, compression string) error {
	if _, err := m.store.GetTask(taskID); err != nil {
		return fmt.Errorf("checkpoint for unknown task: %w", err)
	}

	ref, size, err := m.blobs.Store(taskID, data, isBase, checkpointID)
	if err != nil {
		return err
	}

	if isBase {
		if err := m.store.SetBaseCheckpoint(taskID, ref, size, checkpointID, progress); err != nil {
			return m.rollbackBlob(taskID, isBase, checkpointID, err)
		}
		metrics.CheckpointsStored.WithLabelValues("base").Inc()
		metrics.CheckpointBytes.Add(float64(size))
		m.logger.Info().
			Str("task_id", taskID).
			Int("checkpoint_id", checkpointID).
			Int("size", size).
			Msg("Stored base checkpoint")
		return nil
	}

	delta := types.DeltaCheckpoint{
		ID:          checkpointID,
		Size:        size,
		StoredAt:    time.Now(),
		Compression: compression,
		StorageRef:  ref,
	}
	count, err := m.store.AppendDeltaCheckpoint(taskID, delta, progress)
	if err != nil {
		return m.rollbackBlob(taskID, isBase, checkpointID, err)
	}
	metrics.CheckpointsStored.WithLabelValues("delta").Inc()
	metrics.CheckpointBytes.Add(float64(size))
	m.logger.Debug().
		Str("task_id", taskID).
		Int("checkpoint_id", checkpointID).
		Int("delta_count", count).
		Msg("Stored delta checkpoint")

	if count >= m.compactThreshold {
		if err := m.compact(taskID); err != nil {
			m.logger.Error().Err(err).Str("task_id", taskID).Msg("Compaction failed")
		}
	}
	return nil
}

// rollbackBlob undoes a blob write whose row mutation failed, so the
// row and the blob tiers stay consistent.
func (m *Manager) rollbackBlob(taskID string, isBase bool, checkpointID int, cause error) error {
	if err := m.blobs.DeleteOne(taskID, isBase, checkpointID); err != nil {
		m.logger.Error().Err(err).Str("task_id", taskID).Msg("Blob rollback failed")
	}
	return cause
}

// ReconstructState rebuilds the full task state by loading the base and
// folding every delta in order. Missing deltas are logged and skipped.
// Returns nil with no error when the task has no base checkpoint.
func (m *Manager) ReconstructState(taskID string) ([]byte, error) {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if task.BaseCheckpointRef == "" {
		return nil, nil
	}

	state, err := m.blobs.Retrieve(taskID, true, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load base checkpoint: %w", err)
	}

	for _, delta := range task.DeltaCheckpoints {
		blob, err := m.blobs.Retrieve(taskID, false, delta.ID)
		if err != nil {
			m.logger.Warn().
				Str("task_id", taskID).
				Int("checkpoint_id", delta.ID).
				Msg("Delta checkpoint missing, skipping")
			continue
		}
		state = m.merger.Merge(state, blob)
	}
	return state, nil
}

// Cleanup deletes a task's blobs and clears its checkpoint bookkeeping.
// Called on successful terminal completion to reclaim space.
func (m *Manager) Cleanup(taskID string) error {
	if err := m.blobs.Delete(taskID); err != nil {
		return err
	}
	return m.store.ClearCheckpoints(taskID)
}

// compact folds base + deltas into a new base whose id is one past the
// highest replaced id. The row swap is a single transaction.
func (m *Manager) compact(taskID string) error {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return err
	}
	state, err := m.ReconstructState(taskID)
	if err != nil {
		return err
	}
	if state == nil {
		return nil
	}

	if err := m.blobs.Delete(taskID); err != nil {
		return err
	}

	newID := task.CheckpointCount + 1
	ref, size, err := m.blobs.Store(taskID, state, true, newID)
	if err != nil {
		return err
	}
	if err := m.store.SetBaseCheckpoint(taskID, ref, size, newID, -1); err != nil {
		return err
	}

	metrics.CheckpointCompactions.Inc()
	m.logger.Info().
		Str("task_id", taskID).
		Int("new_base_id", newID).
		Msg("Compacted checkpoint chain")
	return nil
}

// ShouldResume reports whether a task can pick up from its checkpoint: a
// base exists, the task is not terminal, and the checkpoint is fresh.
func (m *Manager) ShouldResume(task *types.Task) bool {
	if task.BaseCheckpointRef == "" {
		return false
	}
	if task.Status.Terminal() {
		return false
	}
	if task.LastCheckpointAt == nil {
		return false
	}
	if age := time.Since(*task.LastCheckpointAt); age > m.resumeMaxAge {
		m.logger.Info().
			Str("task_id", task.ID).
			Dur("age", age).
			Msg("Checkpoint too stale to resume")
		return false
	}
	return true
}

// BuildResumeEnvelope reconstructs the task state and wraps it in a
// resume_task message. The worker seeds its local checkpoint sequence
// from the carried count. Remaining-args tracking is a future extension;
// the reconstructed state is assumed to fold the args in.
func (m *Manager) BuildResumeEnvelope(jobID, taskID, funcCode string) (*protocol.Message, error) {
	state, err := m.ReconstructState(taskID)
	if err != nil {
		return nil, err
	}
	if state == nil {
		return nil, fmt.Errorf("task %s has no checkpoint to resume from", taskID)
	}
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	return protocol.NewResumeTask(jobID, taskID, funcCode,
		hex.EncodeToString(state), nil, task.CheckpointCount), nil
}

// GetInfo exposes per-task blob totals for the observability surface
func (m *Manager) GetInfo(taskID string) (Info, error) {
	return m.blobs.GetInfo(taskID)
}
