package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/protocol"
	"github.com/crowdio/foreman/pkg/transport"
)

// Worker is the execution agent: it connects to a foreman, registers,
// executes assigned task kinds, and ships results, errors, and
// checkpoints back over the same connection.
type Worker struct {
	id       string
	url      string
	registry *Registry
	logger   zerolog.Logger
}

// New creates a worker agent. url is the foreman's WebSocket endpoint,
// e.g. ws://host:7070/ws.
func New(id, url string, registry *Registry) *Worker {
	return &Worker{
		id:       id,
		url:      url,
		registry: registry,
		logger:   log.WithWorkerID(id),
	}
}

// Run connects, registers, and services assignments until the context
// is cancelled or the connection drops.
func (w *Worker) Run(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, w.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial foreman: %w", err)
	}
	conn := transport.NewWSConn(ws)
	defer conn.Close()

	if err := conn.Send(protocol.NewWorkerReady(w.id)); err != nil {
		return fmt.Errorf("failed to register: %w", err)
	}
	w.logger.Info().Str("foreman", w.url).Msg("Worker registered")

	// Close the transport when the context ends so Receive unblocks
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	for {
		msg, err := conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("connection lost: %w", err)
		}
		w.handle(ctx, msg, conn)
	}
}

func (w *Worker) handle(ctx context.Context, msg *protocol.Message, conn transport.Conn) {
	switch msg.Type {
	case protocol.TypeAssignTask:
		var data protocol.AssignTaskData
		if err := msg.DecodeData(&data); err != nil {
			w.logger.Warn().Err(err).Msg("Malformed assign_task, ignoring")
			return
		}
		// Execute off the read loop so pings keep getting answered;
		// the foreman's busy bookkeeping prevents a second assignment.
		go w.execute(ctx, conn, msg.JobID, data.TaskID, data.FuncCode, data.TaskArgs, 0, nil)

	case protocol.TypeResumeTask:
		var data protocol.ResumeTaskData
		if err := msg.DecodeData(&data); err != nil {
			w.logger.Warn().Err(err).Msg("Malformed resume_task, ignoring")
			return
		}
		state, err := hex.DecodeString(data.ReconstructedStateHex)
		if err != nil {
			w.logger.Warn().Err(err).Str("task_id", data.TaskID).Msg("Resume state is not valid hex")
			w.sendError(conn, msg.JobID, data.TaskID, "resume state is not valid hex")
			return
		}
		go w.execute(ctx, conn, msg.JobID, data.TaskID, data.FuncCode, data.RemainingArgs, data.CheckpointCount, state)

	case protocol.TypePing:
		if err := conn.Send(protocol.NewPong()); err != nil {
			w.logger.Debug().Err(err).Msg("Failed to send pong")
		}

	case protocol.TypeCheckpointAck:
		var data protocol.CheckpointAckData
		if err := msg.DecodeData(&data); err == nil {
			w.logger.Debug().
				Str("task_id", data.TaskID).
				Int("checkpoint_id", data.CheckpointID).
				Msg("Checkpoint acknowledged")
		}

	default:
		w.logger.Warn().Str("type", string(msg.Type)).Msg("Unknown envelope, ignoring")
	}
}

// execute runs one task and reports the outcome
func (w *Worker) execute(ctx context.Context, conn transport.Conn, jobID, taskID, kind string, args []json.RawMessage, checkpointSeq int, resumedState []byte) {
	logger := w.logger.With().Str("task_id", taskID).Str("kind", kind).Logger()

	fn, ok := w.registry.Get(kind)
	if !ok {
		logger.Warn().Msg("Unknown task kind")
		w.sendError(conn, jobID, taskID, fmt.Sprintf("unknown task kind: %s", kind))
		return
	}

	cp := newCheckpointer(conn, jobID, taskID, checkpointSeq, resumedState)
	result, err := fn(ctx, args, cp)
	if err != nil {
		logger.Warn().Err(err).Msg("Task failed")
		w.sendError(conn, jobID, taskID, err.Error())
		return
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		logger.Error().Err(err).Msg("Result is not serializable")
		w.sendError(conn, jobID, taskID, fmt.Sprintf("unserializable result: %v", err))
		return
	}
	if err := conn.Send(protocol.NewTaskResult(jobID, taskID, encoded)); err != nil {
		logger.Error().Err(err).Msg("Failed to send task result")
		return
	}
	logger.Info().Msg("Task completed")
}

func (w *Worker) sendError(conn transport.Conn, jobID, taskID, errMsg string) {
	if err := conn.Send(protocol.NewTaskError(jobID, taskID, errMsg)); err != nil {
		w.logger.Error().Err(err).Str("task_id", taskID).Msg("Failed to send task error")
	}
}
