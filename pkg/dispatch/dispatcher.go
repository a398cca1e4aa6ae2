package dispatch

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/checkpoint"
	"github.com/crowdio/foreman/pkg/events"
	"github.com/crowdio/foreman/pkg/job"
	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/metrics"
	"github.com/crowdio/foreman/pkg/protocol"
	"github.com/crowdio/foreman/pkg/registry"
	"github.com/crowdio/foreman/pkg/scheduler"
	"github.com/crowdio/foreman/pkg/storage"
	"github.com/crowdio/foreman/pkg/types"
)

// Dispatcher joins the scheduler, the connection registry, and the
// persistence gateway to turn pending tasks into assignment envelopes.
type Dispatcher struct {
	store       storage.Store
	reg         *registry.Registry
	jobs        *job.Manager
	checkpoints *checkpoint.Manager
	broker      *events.Broker
	logger      zerolog.Logger

	mu       sync.RWMutex
	strategy scheduler.Strategy
}

// New creates a dispatcher using the given strategy
func New(store storage.Store, reg *registry.Registry, jobs *job.Manager, checkpoints *checkpoint.Manager, broker *events.Broker, strategy scheduler.Strategy) *Dispatcher {
	return &Dispatcher{
		store:       store,
		reg:         reg,
		jobs:        jobs,
		checkpoints: checkpoints,
		broker:      broker,
		logger:      log.WithComponent("dispatcher"),
		strategy:    strategy,
	}
}

// SetStrategy swaps the scheduling strategy at runtime
func (d *Dispatcher) SetStrategy(s scheduler.Strategy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.strategy = s
}

func (d *Dispatcher) currentStrategy() scheduler.Strategy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.strategy
}

// AssignTasksForJob drains a job's pending tasks against the available
// workers. Returns how many tasks were assigned; tasks that find no
// worker stay pending for the next worker_ready.
func (d *Dispatcher) AssignTasksForJob(jobID, funcCode string) (int, error) {
	pending, err := d.store.GetPendingTasks(jobID)
	if err != nil {
		return 0, err
	}
	if len(pending) == 0 {
		return 0, nil
	}

	strategy := d.currentStrategy()
	assigned := 0
	for _, task := range pending {
		available := d.reg.AvailableWorkers()
		if len(available) == 0 {
			d.logger.Debug().
				Str("job_id", jobID).
				Int("remaining", len(pending)-assigned).
				Msg("No available workers, tasks stay pending")
			break
		}
		workers, err := d.workerStats()
		if err != nil {
			return assigned, err
		}
		workerID := strategy.SelectWorker(task, available, workers)
		if workerID == "" {
			continue
		}
		if err := d.assign(task, workerID, funcCode); err != nil {
			d.logger.Error().Err(err).
				Str("task_id", task.ID).
				Str("worker_id", workerID).
				Msg("Assignment failed")
			continue
		}
		assigned++
	}
	return assigned, nil
}

// AssignToWorker hands one pending task (from any job) to a specific
// worker. Returns false when nothing was assigned.
func (d *Dispatcher) AssignToWorker(workerID string) (bool, error) {
	pending, err := d.store.GetPendingTasks("")
	if err != nil {
		return false, err
	}
	if len(pending) == 0 {
		return false, nil
	}

	task := d.currentStrategy().SelectTask(pending, workerID)
	if task == nil {
		return false, nil
	}
	funcCode, ok := d.jobs.FuncCode(task.JobID)
	if !ok {
		d.logger.Warn().
			Str("job_id", task.JobID).
			Str("task_id", task.ID).
			Msg("No cached function kind for job, skipping assignment")
		return false, nil
	}
	if err := d.assign(task, workerID, funcCode); err != nil {
		return false, err
	}
	return true, nil
}

// assign commits the paired transition (worker busy, task assigned).
// Claiming the worker and compare-and-setting the task happen before the
// envelope is emitted; emission runs outside any registry lock. Emit
// failure rolls both effects back.
func (d *Dispatcher) assign(task *types.Task, workerID, funcCode string) error {
	timer := metrics.NewTimer()

	conn := d.reg.Acquire(workerID)
	if conn == nil {
		return fmt.Errorf("worker %s is not available", workerID)
	}
	if err := d.store.MarkTaskAssigned(task.ID, workerID); err != nil {
		d.reg.Release(workerID)
		return fmt.Errorf("failed to claim task %s: %w", task.ID, err)
	}

	msg, resumed := d.buildEnvelope(task, funcCode)
	if err := conn.Send(msg); err != nil {
		// Roll back both halves of the assignment
		if resetErr := d.store.ResetTaskPending(task.ID, ""); resetErr != nil {
			d.logger.Error().Err(resetErr).Str("task_id", task.ID).Msg("Rollback failed")
		}
		d.reg.Release(workerID)
		return fmt.Errorf("failed to emit assignment: %w", err)
	}

	if err := d.store.UpdateWorkerStatus(workerID, types.WorkerStatusBusy, task.ID); err != nil {
		d.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to persist busy status")
	}

	timer.ObserveDuration(metrics.SchedulingLatency)
	metrics.TasksAssigned.Inc()
	eventType := events.EventTaskAssigned
	if resumed {
		eventType = events.EventTaskResumed
	}
	d.broker.Publish(&events.Event{
		Type:     eventType,
		JobID:    task.JobID,
		TaskID:   task.ID,
		WorkerID: workerID,
	})
	d.logger.Info().
		Str("task_id", task.ID).
		Str("worker_id", workerID).
		Bool("resumed", resumed).
		Msg("Assigned task to worker")
	return nil
}

// buildEnvelope prefers a resume_task for checkpoint-eligible tasks and
// falls back to a fresh assign_task.
func (d *Dispatcher) buildEnvelope(task *types.Task, funcCode string) (*protocol.Message, bool) {
	if d.checkpoints != nil && d.checkpoints.ShouldResume(task) {
		msg, err := d.checkpoints.BuildResumeEnvelope(task.JobID, task.ID, funcCode)
		if err == nil {
			return msg, true
		}
		d.logger.Warn().Err(err).
			Str("task_id", task.ID).
			Msg("Could not build resume envelope, assigning fresh")
	}
	return protocol.NewAssignTask(task.JobID, task.ID, funcCode, taskArgs(task)), false
}

// taskArgs wraps the task's stored argument for the wire. The stored
// value is one serialized argument; the envelope carries a list.
func taskArgs(task *types.Task) []json.RawMessage {
	if task.Args == "" || !json.Valid([]byte(task.Args)) {
		return []json.RawMessage{}
	}
	return []json.RawMessage{json.RawMessage(task.Args)}
}

// workerStats loads the stats rows the strategies rank workers by
func (d *Dispatcher) workerStats() (map[string]*types.Worker, error) {
	workers, err := d.store.ListWorkers()
	if err != nil {
		return nil, err
	}
	out := make(map[string]*types.Worker, len(workers))
	for _, w := range workers {
		out[w.ID] = w
	}
	return out, nil
}
