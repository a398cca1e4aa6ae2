package router

import (
	"encoding/hex"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/checkpoint"
	"github.com/crowdio/foreman/pkg/dispatch"
	"github.com/crowdio/foreman/pkg/events"
	"github.com/crowdio/foreman/pkg/job"
	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/metrics"
	"github.com/crowdio/foreman/pkg/protocol"
	"github.com/crowdio/foreman/pkg/registry"
	"github.com/crowdio/foreman/pkg/storage"
	"github.com/crowdio/foreman/pkg/transport"
	"github.com/crowdio/foreman/pkg/types"
)

// role is what the first envelope on a connection made it
type role int

const (
	roleUnknown role = iota
	roleClient
	roleWorker
)

// Router drives one goroutine per connection, reading envelopes
// sequentially and dispatching them to client-role or worker-role
// handlers. Handlers for different connections run concurrently;
// handlers for one connection are strictly serialized by the read loop.
type Router struct {
	store       storage.Store
	reg         *registry.Registry
	jobs        *job.Manager
	dispatcher  *dispatch.Dispatcher
	checkpoints *checkpoint.Manager
	broker      *events.Broker
	logger      zerolog.Logger
}

// New creates a router over the foreman's core components
func New(store storage.Store, reg *registry.Registry, jobs *job.Manager, dispatcher *dispatch.Dispatcher, checkpoints *checkpoint.Manager, broker *events.Broker) *Router {
	return &Router{
		store:       store,
		reg:         reg,
		jobs:        jobs,
		dispatcher:  dispatcher,
		checkpoints: checkpoints,
		broker:      broker,
		logger:      log.WithComponent("router"),
	}
}

// HandleConnection services one connection until its transport closes.
// The first envelope fixes the role: submit_job makes it a client,
// worker_ready makes it a worker, anything else ends the connection.
func (r *Router) HandleConnection(conn transport.Conn) {
	connRole := roleUnknown
	defer func() {
		r.cleanup(conn, connRole)
		conn.Close()
	}()

	for {
		msg, err := conn.Receive()
		if err != nil {
			r.logger.Debug().Str("remote", conn.RemoteAddr()).Msg("Connection closed")
			return
		}

		if connRole == roleUnknown {
			switch msg.Type {
			case protocol.TypeSubmitJob:
				connRole = roleClient
			case protocol.TypeWorkerReady:
				connRole = roleWorker
			default:
				r.logger.Warn().
					Str("type", string(msg.Type)).
					Str("remote", conn.RemoteAddr()).
					Msg("Unexpected first envelope, closing connection")
				return
			}
		}

		var done bool
		if connRole == roleClient {
			done = r.handleClientMessage(msg, conn)
		} else {
			done = r.handleWorkerMessage(msg, conn)
		}
		if done {
			return
		}
	}
}

// cleanup runs the disconnect handling for whichever role the
// connection held.
func (r *Router) cleanup(conn transport.Conn, connRole role) {
	switch connRole {
	case roleWorker:
		workerID, ok := r.reg.FindWorkerByConn(conn)
		if !ok {
			return
		}
		r.reg.RemoveWorker(workerID)
		r.updateWorkerGauges()

		// Preserve counters and any in-flight assigned task row; the
		// sweeper resets stalled assignments later.
		currentTask := ""
		if w, err := r.store.GetWorker(workerID); err == nil {
			currentTask = w.CurrentTaskID
		}
		if err := r.store.UpdateWorkerStatus(workerID, types.WorkerStatusOffline, currentTask); err != nil {
			r.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to mark worker offline")
		}
		r.broker.Publish(&events.Event{Type: events.EventWorkerLeft, WorkerID: workerID})
		r.logger.Info().Str("worker_id", workerID).Msg("Worker disconnected")

	case roleClient:
		jobID, ok := r.reg.FindJobByConn(conn)
		if !ok {
			return
		}
		// The job keeps running; results accumulate on the job rows and
		// the completion emission no-ops without a client conn.
		r.reg.RemoveClient(jobID)
		r.logger.Info().Str("job_id", jobID).Msg("Client disconnected, job continues")
	}
}

// Client-role handling

func (r *Router) handleClientMessage(msg *protocol.Message, conn transport.Conn) bool {
	switch msg.Type {
	case protocol.TypeSubmitJob:
		r.handleSubmitJob(msg, conn)
	case protocol.TypeDisconnect:
		return true
	default:
		r.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown client envelope, ignoring")
	}
	return false
}

func (r *Router) handleSubmitJob(msg *protocol.Message, conn transport.Conn) {
	var data protocol.SubmitJobData
	if err := msg.DecodeData(&data); err != nil {
		r.replyJobError(conn, msg.JobID, fmt.Sprintf("malformed submission: %v", err))
		return
	}
	if msg.JobID == "" {
		r.replyJobError(conn, "", "missing required field: job_id")
		return
	}
	if data.FuncCode == "" {
		r.replyJobError(conn, msg.JobID, "missing required field: func_code")
		return
	}

	r.reg.AddClient(msg.JobID, conn)

	_, err := r.jobs.CreateJob(msg.JobID, data.FuncCode, data.ArgsList, data.TotalTasks, true)
	if err != nil {
		r.reg.RemoveClient(msg.JobID)
		r.replyJobError(conn, msg.JobID, err.Error())
		return
	}
	metrics.JobsSubmitted.Inc()
	r.broker.Publish(&events.Event{Type: events.EventJobSubmitted, JobID: msg.JobID})

	assigned, err := r.dispatcher.AssignTasksForJob(msg.JobID, data.FuncCode)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Initial assignment failed")
	}
	r.logger.Info().
		Str("job_id", msg.JobID).
		Int("total_tasks", data.TotalTasks).
		Int("assigned", assigned).
		Msg("Job accepted")

	if err := conn.Send(protocol.NewJobAccepted(msg.JobID)); err != nil {
		r.logger.Error().Err(err).Str("job_id", msg.JobID).Msg("Failed to send job_accepted")
	}

	// An empty batch is complete the moment it is accepted
	if data.TotalTasks == 0 {
		r.completeJob(msg.JobID)
	}
}

func (r *Router) replyJobError(conn transport.Conn, jobID, reason string) {
	r.logger.Warn().Str("job_id", jobID).Str("reason", reason).Msg("Rejecting job submission")
	if err := conn.Send(protocol.NewJobError(jobID, reason)); err != nil {
		r.logger.Error().Err(err).Msg("Failed to send job_error")
	}
}

// Worker-role handling

func (r *Router) handleWorkerMessage(msg *protocol.Message, conn transport.Conn) bool {
	switch msg.Type {
	case protocol.TypeWorkerReady:
		r.handleWorkerReady(msg, conn)
	case protocol.TypeTaskResult:
		r.handleTaskResult(msg, conn)
	case protocol.TypeTaskError:
		r.handleTaskError(msg, conn)
	case protocol.TypePong:
		r.handlePong(conn)
	case protocol.TypeWorkerHeartbeat:
		r.handleWorkerHeartbeat(msg, conn)
	case protocol.TypeTaskCheckpoint:
		r.handleTaskCheckpoint(msg, conn)
	default:
		// Unknown envelopes are ignored for forward compatibility
		r.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown worker envelope, ignoring")
	}
	return false
}

func (r *Router) handleWorkerReady(msg *protocol.Message, conn transport.Conn) {
	var data protocol.WorkerReadyData
	if err := msg.DecodeData(&data); err != nil || data.WorkerID == "" {
		r.logger.Warn().Err(err).Msg("Malformed worker_ready, ignoring")
		return
	}

	r.reg.AddWorker(data.WorkerID, conn)
	if _, err := r.store.UpsertWorker(data.WorkerID); err != nil {
		r.logger.Error().Err(err).Str("worker_id", data.WorkerID).Msg("Failed to upsert worker row")
		return
	}
	r.updateWorkerGauges()
	r.broker.Publish(&events.Event{Type: events.EventWorkerJoined, WorkerID: data.WorkerID})
	r.logger.Info().Str("worker_id", data.WorkerID).Msg("Worker registered")

	assigned, err := r.dispatcher.AssignToWorker(data.WorkerID)
	if err != nil {
		r.logger.Error().Err(err).Str("worker_id", data.WorkerID).Msg("Assignment after registration failed")
	} else if !assigned {
		r.logger.Debug().Str("worker_id", data.WorkerID).Msg("No pending tasks for new worker")
	}
}

func (r *Router) handleTaskResult(msg *protocol.Message, conn transport.Conn) {
	workerID, ok := r.reg.FindWorkerByConn(conn)
	if !ok {
		r.logger.Warn().Msg("Task result from unregistered connection, ignoring")
		return
	}
	var data protocol.TaskResultData
	if err := msg.DecodeData(&data); err != nil || data.TaskID == "" {
		r.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Malformed task_result, ignoring")
		return
	}

	accepted, jobComplete, err := r.jobs.MarkTaskCompleted(data.TaskID, workerID, data.Result)
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", data.TaskID).Msg("Failed to mark task completed")
	}
	if accepted {
		metrics.TasksCompleted.Inc()
		if err := r.store.UpdateWorkerStats(workerID, true); err != nil {
			r.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to update worker stats")
		}
		// Terminal success reclaims any checkpoint space
		if err := r.checkpoints.Cleanup(data.TaskID); err != nil {
			r.logger.Error().Err(err).Str("task_id", data.TaskID).Msg("Checkpoint cleanup failed")
		}
		r.broker.Publish(&events.Event{
			Type:     events.EventTaskCompleted,
			JobID:    msg.JobID,
			TaskID:   data.TaskID,
			WorkerID: workerID,
		})
	}

	r.markWorkerFree(workerID)

	if accepted && jobComplete {
		r.completeJob(msg.JobID)
	}

	if _, err := r.dispatcher.AssignToWorker(workerID); err != nil {
		r.logger.Error().Err(err).Str("worker_id", workerID).Msg("Follow-up assignment failed")
	}
}

func (r *Router) handleTaskError(msg *protocol.Message, conn transport.Conn) {
	workerID, ok := r.reg.FindWorkerByConn(conn)
	if !ok {
		r.logger.Warn().Msg("Task error from unregistered connection, ignoring")
		return
	}
	var data protocol.TaskErrorData
	if err := msg.DecodeData(&data); err != nil || data.TaskID == "" {
		r.logger.Warn().Err(err).Str("worker_id", workerID).Msg("Malformed task_error, ignoring")
		return
	}

	r.logger.Warn().
		Str("task_id", data.TaskID).
		Str("worker_id", workerID).
		Str("error", data.Error).
		Msg("Task failed on worker")
	metrics.TasksFailed.Inc()

	checkpointAvailable := false
	if task, err := r.store.GetTask(data.TaskID); err == nil {
		checkpointAvailable = task.BaseCheckpointRef != ""
	}

	terminal, allTerminal, err := r.jobs.MarkTaskFailed(data.TaskID, msg.JobID, workerID, data.Error, checkpointAvailable)
	if err != nil {
		r.logger.Error().Err(err).Str("task_id", data.TaskID).Msg("Failed to mark task failed")
	} else if !terminal {
		metrics.TasksRetried.Inc()
	}
	if err := r.store.UpdateWorkerStats(workerID, false); err != nil {
		r.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to update worker stats")
	}
	r.broker.Publish(&events.Event{
		Type:     events.EventTaskFailed,
		JobID:    msg.JobID,
		TaskID:   data.TaskID,
		WorkerID: workerID,
		Message:  data.Error,
	})

	r.markWorkerFree(workerID)

	if allTerminal {
		r.completeJob(msg.JobID)
	}

	if _, err := r.dispatcher.AssignToWorker(workerID); err != nil {
		r.logger.Error().Err(err).Str("worker_id", workerID).Msg("Follow-up assignment failed")
	}
}

func (r *Router) handlePong(conn transport.Conn) {
	workerID, ok := r.reg.FindWorkerByConn(conn)
	if !ok {
		return
	}
	if err := r.store.TouchWorker(workerID); err != nil {
		r.logger.Debug().Err(err).Str("worker_id", workerID).Msg("Failed to touch worker")
	}
}

func (r *Router) handleWorkerHeartbeat(msg *protocol.Message, conn transport.Conn) {
	var data protocol.WorkerHeartbeatData
	if err := msg.DecodeData(&data); err != nil {
		return
	}
	workerID := data.WorkerID
	if workerID == "" {
		if id, ok := r.reg.FindWorkerByConn(conn); ok {
			workerID = id
		}
	}
	if workerID == "" {
		return
	}
	if err := r.store.TouchWorker(workerID); err != nil {
		r.logger.Debug().Err(err).Str("worker_id", workerID).Msg("Failed to touch worker")
	}
}

func (r *Router) handleTaskCheckpoint(msg *protocol.Message, conn transport.Conn) {
	var data protocol.TaskCheckpointData
	if err := msg.DecodeData(&data); err != nil || data.TaskID == "" {
		r.logger.Warn().Err(err).Msg("Malformed task_checkpoint, ignoring")
		return
	}
	blob, err := hex.DecodeString(data.DeltaDataHex)
	if err != nil {
		r.logger.Warn().Err(err).Str("task_id", data.TaskID).Msg("Checkpoint payload is not valid hex")
		return
	}

	err = r.checkpoints.StoreCheckpoint(data.TaskID, data.IsBase, blob,
		data.ProgressPercent, data.CheckpointID, data.CompressionType)
	if err != nil {
		// No ack: the worker may resend
		r.logger.Error().Err(err).Str("task_id", data.TaskID).Msg("Failed to store checkpoint")
		return
	}
	r.broker.Publish(&events.Event{
		Type:   events.EventCheckpointSaved,
		JobID:  msg.JobID,
		TaskID: data.TaskID,
	})

	if err := conn.Send(protocol.NewCheckpointAck(msg.JobID, data.TaskID, data.CheckpointID)); err != nil {
		r.logger.Error().Err(err).Str("task_id", data.TaskID).Msg("Failed to send checkpoint_ack")
	}
}

// markWorkerFree returns a worker to the available pool after a result
// or error envelope.
func (r *Router) markWorkerFree(workerID string) {
	r.reg.Release(workerID)
	r.updateWorkerGauges()
	if err := r.store.UpdateWorkerStatus(workerID, types.WorkerStatusOnline, ""); err != nil {
		r.logger.Error().Err(err).Str("worker_id", workerID).Msg("Failed to mark worker online")
	}
}

// completeJob assembles ordered results, emits them when the client is
// still connected, and finalizes the job. With the client gone the
// results stay on the job rows for later retrieval.
func (r *Router) completeJob(jobID string) {
	results, err := r.jobs.JobResults(jobID)
	if err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to assemble job results")
		return
	}

	conn := r.reg.ClientConn(jobID)
	if conn == nil {
		r.logger.Warn().Str("job_id", jobID).Msg("No client connection for completed job")
		return
	}
	if err := conn.Send(protocol.NewJobResults(jobID, results)); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to send job_results")
	}

	if err := r.jobs.FinalizeJob(jobID); err != nil {
		r.logger.Error().Err(err).Str("job_id", jobID).Msg("Failed to finalize job")
		return
	}
	metrics.JobsCompleted.Inc()
	r.broker.Publish(&events.Event{Type: events.EventJobCompleted, JobID: jobID})
}

// updateWorkerGauges refreshes the prometheus worker gauges from the
// registry snapshot.
func (r *Router) updateWorkerGauges() {
	stats := r.reg.Stats()
	metrics.WorkersConnected.Set(float64(stats.ConnectedWorkers))
	metrics.WorkersAvailable.Set(float64(stats.AvailableWorkers))
}
