package job

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/storage"
	"github.com/crowdio/foreman/pkg/types"
)

// cacheEntry holds the per-job state kept in memory between acceptance
// and finalization.
type cacheEntry struct {
	funcCode              string
	supportsCheckpointing bool
}

// Manager owns job lifecycle: batch creation, task state transitions,
// ordered result assembly, and completion detection. All state
// transitions persist through the gateway; the in-memory cache holds
// only the function kind and checkpoint flag for active jobs.
type Manager struct {
	store    storage.Store
	retryCap int
	logger   zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

// NewManager creates a job manager. retryCap bounds per-task retries;
// zero or negative means unbounded.
func NewManager(store storage.Store, retryCap int) *Manager {
	return &Manager{
		store:    store,
		retryCap: retryCap,
		logger:   log.WithComponent("job_manager"),
		cache:    make(map[string]cacheEntry),
	}
}

// CreateJob atomically writes the job row and one pending task row per
// argument. The cache entry is created under the same manager lock that
// orders concurrent submissions of the same id; duplicates fail with a
// conflict.
func (m *Manager) CreateJob(jobID, funcCode string, argsList []json.RawMessage, totalTasks int, supportsCheckpointing bool) (*types.Job, error) {
	if jobID == "" {
		return nil, fmt.Errorf("job id is required")
	}
	if totalTasks != len(argsList) {
		return nil, fmt.Errorf("total_tasks %d does not match %d args", totalTasks, len(argsList))
	}

	j := &types.Job{
		ID:                    jobID,
		Status:                types.JobStatusRunning,
		TotalTasks:            totalTasks,
		CreatedAt:             time.Now(),
		SupportsCheckpointing: supportsCheckpointing,
	}
	tasks := make([]*types.Task, 0, totalTasks)
	for i, args := range argsList {
		tasks = append(tasks, &types.Task{
			ID:     types.TaskID(jobID, i),
			JobID:  jobID,
			Status: types.TaskStatusPending,
			Args:   string(args),
		})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.cache[jobID]; exists {
		return nil, storage.ConflictErr("create job", fmt.Errorf("job %s already active", jobID))
	}
	if err := m.store.CreateJob(j, tasks); err != nil {
		return nil, err
	}
	m.cache[jobID] = cacheEntry{funcCode: funcCode, supportsCheckpointing: supportsCheckpointing}

	m.logger.Info().
		Str("job_id", jobID).
		Int("total_tasks", totalTasks).
		Str("func_code", funcCode).
		Msg("Job created")
	return j, nil
}

// FuncCode returns the cached function kind for an active job
func (m *Manager) FuncCode(jobID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.cache[jobID]
	return entry.funcCode, ok
}

// SupportsCheckpointing reports the cached checkpoint flag for a job
func (m *Manager) SupportsCheckpointing(jobID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache[jobID].supportsCheckpointing
}

// ActiveJobs returns the number of jobs between acceptance and
// finalization.
func (m *Manager) ActiveJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.cache)
}

// MarkTaskCompleted applies a compare-and-set completion. Stale or
// duplicate completions return accepted=false without touching any
// counter, which is the idempotence guard for at-least-once execution.
// jobComplete is also reported when every task is terminal and some of
// them failed permanently.
func (m *Manager) MarkTaskCompleted(taskID, workerID string, result json.RawMessage) (accepted, jobComplete bool, err error) {
	res, err := m.store.CompleteTaskIfAssigned(taskID, workerID, string(result))
	if err != nil {
		return false, false, err
	}
	if !res.Accepted {
		m.logger.Warn().
			Str("task_id", taskID).
			Str("worker_id", workerID).
			Msg("Task completion rejected (stale or duplicate)")
		return false, false, nil
	}
	if res.JobComplete() {
		return true, true, nil
	}
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return true, false, err
	}
	completed, failed, err := m.store.CountTerminalTasks(task.JobID)
	if err != nil {
		return true, false, err
	}
	return true, failed > 0 && completed+failed >= res.TotalTasks, nil
}

// MarkTaskFailed records the failure and resets the task to pending for
// retry, or marks it terminally failed past the retry cap. allTerminal
// reports that every task of the job has now reached a terminal state,
// so the job can finalize with partial results.
func (m *Manager) MarkTaskFailed(taskID, jobID, workerID, errMsg string, checkpointAvailable bool) (terminal, allTerminal bool, err error) {
	if recErr := m.store.RecordWorkerFailure(&types.WorkerFailure{
		WorkerID:            workerID,
		TaskID:              taskID,
		JobID:               jobID,
		ErrorMessage:        errMsg,
		CheckpointAvailable: checkpointAvailable,
	}); recErr != nil {
		m.logger.Error().Err(recErr).
			Str("worker_id", workerID).
			Str("task_id", taskID).
			Msg("Failed to record worker failure")
	}

	task, err := m.store.FailTaskForRetry(taskID, workerID, errMsg, m.retryCap)
	if err != nil {
		return false, false, err
	}
	if task.Status != types.TaskStatusFailed {
		m.logger.Info().
			Str("task_id", taskID).
			Int("retry_count", task.RetryCount).
			Msg("Task reset to pending for retry")
		return false, false, nil
	}

	m.logger.Warn().
		Str("task_id", taskID).
		Int("retry_count", task.RetryCount).
		Msg("Task exceeded retry cap, marked failed")

	// Trust the task row for the job id; the envelope's may be absent
	job, err := m.store.GetJob(task.JobID)
	if err != nil {
		return true, false, err
	}
	completed, failed, err := m.store.CountTerminalTasks(task.JobID)
	if err != nil {
		return true, false, err
	}
	return true, completed+failed >= job.TotalTasks, nil
}

// JobResults assembles results in task-index order. Failed or missing
// tasks contribute a null slot. A stored result that parses as JSON is
// passed through as-is; anything else is returned as a JSON string of
// the raw value.
func (m *Manager) JobResults(jobID string) ([]json.RawMessage, error) {
	j, err := m.store.GetJob(jobID)
	if err != nil {
		return nil, err
	}
	tasks, err := m.store.GetJobTasks(jobID)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]*types.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	results := make([]json.RawMessage, j.TotalTasks)
	for i := 0; i < j.TotalTasks; i++ {
		results[i] = json.RawMessage("null")
		task, ok := byID[types.TaskID(jobID, i)]
		if !ok || task.Status != types.TaskStatusCompleted {
			continue
		}
		results[i] = decodeResult(task.Result)
	}
	return results, nil
}

// decodeResult passes JSON values through verbatim and wraps anything
// else as a JSON string, so a worker's raw string result survives the
// round trip to the client.
func decodeResult(stored string) json.RawMessage {
	if json.Valid([]byte(stored)) {
		return json.RawMessage(stored)
	}
	wrapped, err := json.Marshal(stored)
	if err != nil {
		return json.RawMessage("null")
	}
	return wrapped
}

// FinalizeJob marks the job completed and evicts the cache entry. Jobs
// with terminally failed tasks keep an error message on the row.
func (m *Manager) FinalizeJob(jobID string) error {
	_, failed, err := m.store.CountTerminalTasks(jobID)
	if err != nil {
		return err
	}
	errMsg := ""
	if failed > 0 {
		errMsg = fmt.Sprintf("%d tasks failed permanently", failed)
	}
	if err := m.store.UpdateJobStatus(jobID, types.JobStatusCompleted, errMsg); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.cache, jobID)
	m.mu.Unlock()

	m.logger.Info().Str("job_id", jobID).Msg("Job finalized")
	return nil
}

// Progress reports (completed, total) for a job
func (m *Manager) Progress(jobID string) (int, int, error) {
	j, err := m.store.GetJob(jobID)
	if err != nil {
		return 0, 0, err
	}
	return j.CompletedTasks, j.TotalTasks, nil
}
