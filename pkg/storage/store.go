package storage

import (
	"errors"
	"fmt"

	"github.com/crowdio/foreman/pkg/types"
)

// ErrKind classifies storage failures so callers can pick a recovery path
type ErrKind int

const (
	// KindNotFound means the requested row does not exist
	KindNotFound ErrKind = iota
	// KindConflict means a compare-and-set or uniqueness check lost
	KindConflict
	// KindTransient means the operation may succeed if retried
	KindTransient
)

// StorageError is the error type returned by all gateway operations
type StorageError struct {
	Kind ErrKind
	Op   string
	Err  error
}

func (e *StorageError) Error() string {
	switch e.Kind {
	case KindNotFound:
		return fmt.Sprintf("%s: not found: %v", e.Op, e.Err)
	case KindConflict:
		return fmt.Sprintf("%s: conflict: %v", e.Op, e.Err)
	default:
		return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
	}
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NotFoundErr wraps err as a not-found storage error
func NotFoundErr(op string, err error) error {
	return &StorageError{Kind: KindNotFound, Op: op, Err: err}
}

// ConflictErr wraps err as a conflict storage error
func ConflictErr(op string, err error) error {
	return &StorageError{Kind: KindConflict, Op: op, Err: err}
}

// TransientErr wraps err as a retryable storage error
func TransientErr(op string, err error) error {
	return &StorageError{Kind: KindTransient, Op: op, Err: err}
}

// IsNotFound reports whether err is a not-found storage error
func IsNotFound(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindNotFound
}

// IsConflict reports whether err is a conflict storage error
func IsConflict(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindConflict
}

// IsTransient reports whether err is a retryable storage error
func IsTransient(err error) bool {
	var se *StorageError
	return errors.As(err, &se) && se.Kind == KindTransient
}

// CompletionResult reports the outcome of a task-completion compare-and-set
type CompletionResult struct {
	// Accepted is false for stale or duplicate completions; counters are
	// untouched in that case
	Accepted bool
	// CompletedTasks is the job counter after the increment
	CompletedTasks int
	// TotalTasks is the job's task count
	TotalTasks int
}

// JobComplete reports whether the accepted completion finished the job
func (r CompletionResult) JobComplete() bool {
	return r.Accepted && r.CompletedTasks >= r.TotalTasks
}

// Store defines sessioned, transactional access to job, task, and worker
// state. Every multi-statement mutation runs inside one transaction.
type Store interface {
	// Jobs
	CreateJob(job *types.Job, tasks []*types.Task) error
	GetJob(id string) (*types.Job, error)
	ListJobs() ([]*types.Job, error)
	UpdateJobStatus(id string, status types.JobStatus, errorMessage string) error

	// Tasks
	GetTask(id string) (*types.Task, error)
	GetJobTasks(jobID string) ([]*types.Task, error)
	GetPendingTasks(jobID string) ([]*types.Task, error)
	MarkTaskAssigned(taskID, workerID string) error
	ResetTaskPending(taskID, errorMessage string) error
	CompleteTaskIfAssigned(taskID, workerID, result string) (CompletionResult, error)
	FailTaskForRetry(taskID, workerID, errorMessage string, retryCap int) (*types.Task, error)
	CountTerminalTasks(jobID string) (completed, failed int, err error)

	// Workers
	UpsertWorker(id string) (*types.Worker, error)
	GetWorker(id string) (*types.Worker, error)
	ListWorkers() ([]*types.Worker, error)
	UpdateWorkerStatus(id string, status types.WorkerStatus, currentTaskID string) error
	UpdateWorkerStats(id string, completed bool) error
	TouchWorker(id string) error

	// Worker failure history
	RecordWorkerFailure(failure *types.WorkerFailure) error
	ListWorkerFailures(workerID string) ([]*types.WorkerFailure, error)

	// Checkpoint fields on Task
	SetBaseCheckpoint(taskID, ref string, size, checkpointID int, progress float64) error
	AppendDeltaCheckpoint(taskID string, delta types.DeltaCheckpoint, progress float64) (deltaCount int, err error)
	ClearCheckpoints(taskID string) error

	// Checkpoint blobs small enough to live in the durable store
	PutBlob(key string, data []byte) error
	GetBlob(key string) ([]byte, error)
	DeleteBlobs(prefix string) error
	ListBlobs(prefix string) (map[string]int, error)

	// Utility
	Close() error
}
