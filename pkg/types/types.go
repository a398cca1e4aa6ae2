package types

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Job represents a client batch of tasks sharing one function
type Job struct {
	ID                     string     `json:"id"`
	Status                 JobStatus  `json:"status"`
	TotalTasks             int        `json:"total_tasks"`
	CompletedTasks         int        `json:"completed_tasks"`
	CreatedAt              time.Time  `json:"created_at"`
	CompletedAt            *time.Time `json:"completed_at,omitempty"`
	ErrorMessage           string     `json:"error_message,omitempty"`
	SupportsCheckpointing  bool       `json:"supports_checkpointing"`
}

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Task represents one function-plus-arg unit of a job. Its index in the
// client's input sequence determines its result slot.
type Task struct {
	ID           string     `json:"id"`
	JobID        string     `json:"job_id"`
	WorkerID     string     `json:"worker_id,omitempty"`
	Status       TaskStatus `json:"status"`
	Args         string     `json:"args,omitempty"`
	Result       string     `json:"result,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	Priority     int        `json:"priority,omitempty"`
	RetryCount   int        `json:"retry_count,omitempty"`
	AssignedAt   *time.Time `json:"assigned_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`

	// Checkpoint bookkeeping
	BaseCheckpointRef  string            `json:"base_checkpoint_ref,omitempty"`
	BaseCheckpointSize int               `json:"base_checkpoint_size,omitempty"`
	DeltaCheckpoints   []DeltaCheckpoint `json:"delta_checkpoints,omitempty"`
	CheckpointCount    int               `json:"checkpoint_count,omitempty"`
	LastCheckpointAt   *time.Time        `json:"last_checkpoint_at,omitempty"`
	ProgressPercent    float64           `json:"progress_percent,omitempty"`
}

// TaskStatus represents the state of a task
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusAssigned  TaskStatus = "assigned"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Terminal reports whether the task can no longer change state
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// DeltaCheckpoint describes one incremental checkpoint applied atop the base
type DeltaCheckpoint struct {
	ID          int       `json:"checkpoint_id"`
	Size        int       `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
	Compression string    `json:"compression"`
	StorageRef  string    `json:"storage_ref"`
}

// Worker represents an execution peer registered with the foreman.
// Rows persist across disconnects so statistics accumulate.
type Worker struct {
	ID                  string       `json:"id"`
	Status              WorkerStatus `json:"status"`
	LastSeen            time.Time    `json:"last_seen"`
	CurrentTaskID       string       `json:"current_task_id,omitempty"`
	TotalTasksCompleted int          `json:"total_tasks_completed"`
	TotalTasksFailed    int          `json:"total_tasks_failed"`
}

// WorkerStatus represents the connection state of a worker
type WorkerStatus string

const (
	WorkerStatusOnline  WorkerStatus = "online"
	WorkerStatusOffline WorkerStatus = "offline"
	WorkerStatusBusy    WorkerStatus = "busy"
)

// SuccessRate returns completed/(completed+failed). A worker with no
// history gets 1.0 so new workers are eligible for performance scheduling.
func (w *Worker) SuccessRate() float64 {
	total := w.TotalTasksCompleted + w.TotalTasksFailed
	if total == 0 {
		return 1.0
	}
	return float64(w.TotalTasksCompleted) / float64(total)
}

// WorkerFailure is an append-only failure history record
type WorkerFailure struct {
	ID                  string    `json:"id"`
	WorkerID            string    `json:"worker_id"`
	TaskID              string    `json:"task_id"`
	JobID               string    `json:"job_id"`
	ErrorMessage        string    `json:"error_message"`
	FailedAt            time.Time `json:"failed_at"`
	CheckpointAvailable bool      `json:"checkpoint_available"`
}

// Stats is the read-only observability snapshot exposed by the foreman
type Stats struct {
	ConnectedWorkers int `json:"connected_workers"`
	AvailableWorkers int `json:"available_workers"`
	BusyWorkers      int `json:"busy_workers"`
	ActiveJobs       int `json:"active_jobs"`
}

// TaskID builds the canonical task identifier for a job and index.
// The index embedded here is the ordering primitive for result assembly.
func TaskID(jobID string, index int) string {
	return fmt.Sprintf("%s_task_%d", jobID, index)
}

// TaskIndex extracts the index from a canonical task id. Returns -1 when
// the id does not follow the {job_id}_task_{index} form.
func TaskIndex(taskID string) int {
	pos := strings.LastIndex(taskID, "_task_")
	if pos < 0 {
		return -1
	}
	idx, err := strconv.Atoi(taskID[pos+len("_task_"):])
	if err != nil || idx < 0 {
		return -1
	}
	return idx
}
