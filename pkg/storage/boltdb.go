package storage

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/crowdio/foreman/pkg/types"
)

var (
	// Bucket names
	bucketJobs           = []byte("jobs")
	bucketTasks          = []byte("tasks")
	bucketWorkers        = []byte("workers")
	bucketWorkerFailures = []byte("worker_failures")
	bucketBlobs          = []byte("checkpoint_blobs")
)

// maxTransientRetries bounds the in-gateway retry loop before a transient
// error surfaces to the caller as fatal.
const maxTransientRetries = 3

// BoltStore implements Store using bbolt. Each Update call is one
// transaction, which is the gateway's session boundary.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (or creates) the database under dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "foreman.db")

	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketJobs,
			bucketTasks,
			bucketWorkers,
			bucketWorkerFailures,
			bucketBlobs,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// update runs fn in one write transaction, retrying transient failures
// with capped exponential backoff before surfacing them.
func (s *BoltStore) update(op string, fn func(tx *bolt.Tx) error) error {
	attempt := func() error {
		err := s.db.Update(fn)
		if err == bolt.ErrTimeout || err == bolt.ErrDatabaseNotOpen {
			return TransientErr(op, err)
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	err := backoff.Retry(attempt, backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxTransientRetries))
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}

func putJSON(b *bolt.Bucket, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func getTask(tx *bolt.Tx, id string) (*types.Task, error) {
	data := tx.Bucket(bucketTasks).Get([]byte(id))
	if data == nil {
		return nil, NotFoundErr("get task", fmt.Errorf("task %s", id))
	}
	var task types.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

func getJob(tx *bolt.Tx, id string) (*types.Job, error) {
	data := tx.Bucket(bucketJobs).Get([]byte(id))
	if data == nil {
		return nil, NotFoundErr("get job", fmt.Errorf("job %s", id))
	}
	var job types.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Job operations

// CreateJob writes the job row and every task row in one transaction.
// Fails with a conflict if the job id already exists.
func (s *BoltStore) CreateJob(job *types.Job, tasks []*types.Task) error {
	return s.update("create job", func(tx *bolt.Tx) error {
		jobs := tx.Bucket(bucketJobs)
		if jobs.Get([]byte(job.ID)) != nil {
			return ConflictErr("create job", fmt.Errorf("job %s already exists", job.ID))
		}
		if err := putJSON(jobs, job.ID, job); err != nil {
			return err
		}
		taskBucket := tx.Bucket(bucketTasks)
		for _, task := range tasks {
			if err := putJSON(taskBucket, task.ID, task); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BoltStore) GetJob(id string) (*types.Job, error) {
	var job *types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		j, err := getJob(tx, id)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	return job, err
}

func (s *BoltStore) ListJobs() ([]*types.Job, error) {
	var jobs []*types.Job
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketJobs).ForEach(func(k, v []byte) error {
			var job types.Job
			if err := json.Unmarshal(v, &job); err != nil {
				return err
			}
			jobs = append(jobs, &job)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

func (s *BoltStore) UpdateJobStatus(id string, status types.JobStatus, errorMessage string) error {
	return s.update("update job status", func(tx *bolt.Tx) error {
		job, err := getJob(tx, id)
		if err != nil {
			return err
		}
		job.Status = status
		if errorMessage != "" {
			job.ErrorMessage = errorMessage
		}
		if status == types.JobStatusCompleted || status == types.JobStatusFailed {
			now := time.Now()
			job.CompletedAt = &now
		}
		return putJSON(tx.Bucket(bucketJobs), id, job)
	})
}

// Task operations

func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var task *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		t, err := getTask(tx, id)
		if err != nil {
			return err
		}
		task = t
		return nil
	})
	return task, err
}

func (s *BoltStore) GetJobTasks(jobID string) ([]*types.Task, error) {
	return s.scanTasks(func(t *types.Task) bool { return t.JobID == jobID })
}

// GetPendingTasks returns pending tasks ordered by job id and task index,
// optionally filtered to one job.
func (s *BoltStore) GetPendingTasks(jobID string) ([]*types.Task, error) {
	return s.scanTasks(func(t *types.Task) bool {
		if t.Status != types.TaskStatusPending {
			return false
		}
		return jobID == "" || t.JobID == jobID
	})
}

func (s *BoltStore) scanTasks(keep func(*types.Task) bool) ([]*types.Task, error) {
	var tasks []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			var task types.Task
			if err := json.Unmarshal(v, &task); err != nil {
				return err
			}
			if keep(&task) {
				tasks = append(tasks, &task)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].JobID != tasks[j].JobID {
			return tasks[i].JobID < tasks[j].JobID
		}
		return types.TaskIndex(tasks[i].ID) < types.TaskIndex(tasks[j].ID)
	})
	return tasks, nil
}

// MarkTaskAssigned compare-and-sets a task from pending to assigned. A
// task already claimed by another dispatch loses with a conflict.
func (s *BoltStore) MarkTaskAssigned(taskID, workerID string) error {
	return s.update("mark task assigned", func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusPending {
			return ConflictErr("mark task assigned",
				fmt.Errorf("task %s is %s, not pending", taskID, task.Status))
		}
		now := time.Now()
		task.Status = types.TaskStatusAssigned
		task.WorkerID = workerID
		task.AssignedAt = &now
		return putJSON(tx.Bucket(bucketTasks), taskID, task)
	})
}

// ResetTaskPending returns an assigned task to the pending pool, clearing
// its worker so the dispatcher can hand it to someone else.
func (s *BoltStore) ResetTaskPending(taskID, errorMessage string) error {
	return s.update("reset task pending", func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		task.Status = types.TaskStatusPending
		task.WorkerID = ""
		task.AssignedAt = nil
		if errorMessage != "" {
			task.ErrorMessage = errorMessage
		}
		return putJSON(tx.Bucket(bucketTasks), taskID, task)
	})
}

// CompleteTaskIfAssigned is the exactly-once completion accounting
// primitive. The task row and the job counter move in the same
// transaction; a stale or duplicate completion mutates nothing.
func (s *BoltStore) CompleteTaskIfAssigned(taskID, workerID, result string) (CompletionResult, error) {
	var res CompletionResult
	err := s.update("complete task", func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusAssigned || task.WorkerID != workerID {
			res = CompletionResult{Accepted: false}
			return nil
		}
		now := time.Now()
		task.Status = types.TaskStatusCompleted
		task.Result = result
		task.CompletedAt = &now
		if err := putJSON(tx.Bucket(bucketTasks), taskID, task); err != nil {
			return err
		}

		job, err := getJob(tx, task.JobID)
		if err != nil {
			return err
		}
		job.CompletedTasks++
		if err := putJSON(tx.Bucket(bucketJobs), job.ID, job); err != nil {
			return err
		}
		res = CompletionResult{
			Accepted:       true,
			CompletedTasks: job.CompletedTasks,
			TotalTasks:     job.TotalTasks,
		}
		return nil
	})
	return res, err
}

// FailTaskForRetry records a failure against an assigned task. Below the
// retry cap the task returns to pending; past it the task goes terminally
// failed. A retryCap of zero or less means unbounded retries.
func (s *BoltStore) FailTaskForRetry(taskID, workerID, errorMessage string, retryCap int) (*types.Task, error) {
	var out *types.Task
	err := s.update("fail task", func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.Status != types.TaskStatusAssigned || task.WorkerID != workerID {
			return ConflictErr("fail task",
				fmt.Errorf("task %s not assigned to worker %s", taskID, workerID))
		}
		task.RetryCount++
		task.ErrorMessage = errorMessage
		if retryCap > 0 && task.RetryCount > retryCap {
			now := time.Now()
			task.Status = types.TaskStatusFailed
			task.CompletedAt = &now
		} else {
			task.Status = types.TaskStatusPending
			task.WorkerID = ""
			task.AssignedAt = nil
		}
		if err := putJSON(tx.Bucket(bucketTasks), taskID, task); err != nil {
			return err
		}
		out = task
		return nil
	})
	return out, err
}

// CountTerminalTasks reports how many of a job's tasks are completed or
// terminally failed.
func (s *BoltStore) CountTerminalTasks(jobID string) (int, int, error) {
	tasks, err := s.GetJobTasks(jobID)
	if err != nil {
		return 0, 0, err
	}
	var completed, failed int
	for _, t := range tasks {
		switch t.Status {
		case types.TaskStatusCompleted:
			completed++
		case types.TaskStatusFailed:
			failed++
		}
	}
	return completed, failed, nil
}

// Worker operations

// UpsertWorker creates the worker row on first registration and marks an
// existing row online, preserving accumulated statistics.
func (s *BoltStore) UpsertWorker(id string) (*types.Worker, error) {
	var out *types.Worker
	err := s.update("upsert worker", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		var worker types.Worker
		if data := b.Get([]byte(id)); data != nil {
			if err := json.Unmarshal(data, &worker); err != nil {
				return err
			}
			worker.Status = types.WorkerStatusOnline
			worker.CurrentTaskID = ""
		} else {
			worker = types.Worker{ID: id, Status: types.WorkerStatusOnline}
		}
		worker.LastSeen = time.Now()
		if err := putJSON(b, id, &worker); err != nil {
			return err
		}
		out = &worker
		return nil
	})
	return out, err
}

func (s *BoltStore) GetWorker(id string) (*types.Worker, error) {
	var worker types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketWorkers).Get([]byte(id))
		if data == nil {
			return NotFoundErr("get worker", fmt.Errorf("worker %s", id))
		}
		return json.Unmarshal(data, &worker)
	})
	if err != nil {
		return nil, err
	}
	return &worker, nil
}

func (s *BoltStore) ListWorkers() ([]*types.Worker, error) {
	var workers []*types.Worker
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkers).ForEach(func(k, v []byte) error {
			var worker types.Worker
			if err := json.Unmarshal(v, &worker); err != nil {
				return err
			}
			workers = append(workers, &worker)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })
	return workers, nil
}

func (s *BoltStore) UpdateWorkerStatus(id string, status types.WorkerStatus, currentTaskID string) error {
	return s.update("update worker status", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return NotFoundErr("update worker status", fmt.Errorf("worker %s", id))
		}
		var worker types.Worker
		if err := json.Unmarshal(data, &worker); err != nil {
			return err
		}
		worker.Status = status
		worker.CurrentTaskID = currentTaskID
		worker.LastSeen = time.Now()
		return putJSON(b, id, &worker)
	})
}

func (s *BoltStore) UpdateWorkerStats(id string, completed bool) error {
	return s.update("update worker stats", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return NotFoundErr("update worker stats", fmt.Errorf("worker %s", id))
		}
		var worker types.Worker
		if err := json.Unmarshal(data, &worker); err != nil {
			return err
		}
		if completed {
			worker.TotalTasksCompleted++
		} else {
			worker.TotalTasksFailed++
		}
		return putJSON(b, id, &worker)
	})
}

// TouchWorker refreshes last_seen, e.g. on a pong
func (s *BoltStore) TouchWorker(id string) error {
	return s.update("touch worker", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketWorkers)
		data := b.Get([]byte(id))
		if data == nil {
			return NotFoundErr("touch worker", fmt.Errorf("worker %s", id))
		}
		var worker types.Worker
		if err := json.Unmarshal(data, &worker); err != nil {
			return err
		}
		worker.LastSeen = time.Now()
		return putJSON(b, id, &worker)
	})
}

// Worker failure history

func (s *BoltStore) RecordWorkerFailure(failure *types.WorkerFailure) error {
	if failure.ID == "" {
		failure.ID = uuid.New().String()
	}
	if failure.FailedAt.IsZero() {
		failure.FailedAt = time.Now()
	}
	return s.update("record worker failure", func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(bucketWorkerFailures), failure.ID, failure)
	})
}

// ListWorkerFailures returns failure records, optionally filtered by
// worker, oldest first.
func (s *BoltStore) ListWorkerFailures(workerID string) ([]*types.WorkerFailure, error) {
	var failures []*types.WorkerFailure
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketWorkerFailures).ForEach(func(k, v []byte) error {
			var f types.WorkerFailure
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if workerID == "" || f.WorkerID == workerID {
				failures = append(failures, &f)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(failures, func(i, j int) bool { return failures[i].FailedAt.Before(failures[j].FailedAt) })
	return failures, nil
}

// Checkpoint field mutations

// SetBaseCheckpoint installs a new base checkpoint reference and clears
// any delta descriptors in the same transaction.
func (s *BoltStore) SetBaseCheckpoint(taskID, ref string, size, checkpointID int, progress float64) error {
	return s.update("set base checkpoint", func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		now := time.Now()
		task.BaseCheckpointRef = ref
		task.BaseCheckpointSize = size
		task.DeltaCheckpoints = nil
		task.CheckpointCount = checkpointID
		task.LastCheckpointAt = &now
		if progress >= 0 {
			task.ProgressPercent = progress
		}
		return putJSON(tx.Bucket(bucketTasks), taskID, task)
	})
}

// AppendDeltaCheckpoint appends one delta descriptor and returns the
// resulting delta count so the caller can decide about compaction.
func (s *BoltStore) AppendDeltaCheckpoint(taskID string, delta types.DeltaCheckpoint, progress float64) (int, error) {
	var count int
	err := s.update("append delta checkpoint", func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		if task.BaseCheckpointRef == "" {
			return ConflictErr("append delta checkpoint",
				fmt.Errorf("task %s has no base checkpoint", taskID))
		}
		now := time.Now()
		task.DeltaCheckpoints = append(task.DeltaCheckpoints, delta)
		task.CheckpointCount = delta.ID
		task.LastCheckpointAt = &now
		if progress >= 0 {
			task.ProgressPercent = progress
		}
		count = len(task.DeltaCheckpoints)
		return putJSON(tx.Bucket(bucketTasks), taskID, task)
	})
	return count, err
}

// ClearCheckpoints wipes all checkpoint bookkeeping from the task row
func (s *BoltStore) ClearCheckpoints(taskID string) error {
	return s.update("clear checkpoints", func(tx *bolt.Tx) error {
		task, err := getTask(tx, taskID)
		if err != nil {
			return err
		}
		task.BaseCheckpointRef = ""
		task.BaseCheckpointSize = 0
		task.DeltaCheckpoints = nil
		task.CheckpointCount = 0
		task.LastCheckpointAt = nil
		return putJSON(tx.Bucket(bucketTasks), taskID, task)
	})
}

// Checkpoint blob storage (small blobs only; large blobs live on disk)

func (s *BoltStore) PutBlob(key string, data []byte) error {
	return s.update("put blob", func(tx *bolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(key), data)
	})
}

func (s *BoltStore) GetBlob(key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketBlobs).Get([]byte(key))
		if data == nil {
			return NotFoundErr("get blob", fmt.Errorf("blob %s", key))
		}
		out = append([]byte(nil), data...)
		return nil
	})
	return out, err
}

// ListBlobs reports the size of every blob whose key starts with prefix
func (s *BoltStore) ListBlobs(prefix string) (map[string]int, error) {
	out := make(map[string]int)
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketBlobs).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			out[string(k)] = len(v)
		}
		return nil
	})
	return out, err
}

// DeleteBlobs removes every blob whose key starts with prefix
func (s *BoltStore) DeleteBlobs(prefix string) error {
	return s.update("delete blobs", func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketBlobs)
		c := b.Cursor()
		p := []byte(prefix)
		var keys [][]byte
		for k, _ := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, _ = c.Next() {
			keys = append(keys, append([]byte(nil), k...))
		}
		for _, k := range keys {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}
