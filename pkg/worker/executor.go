package worker

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/crowdio/foreman/pkg/protocol"
	"github.com/crowdio/foreman/pkg/transport"
)

// Func executes one task kind. Args is the task's argument list; the
// checkpointer lets long-running funcs ship incremental state and read
// resumed state. Functions must tolerate re-execution: delivery is
// at-least-once.
type Func func(ctx context.Context, args []json.RawMessage, cp *Checkpointer) (any, error)

// Registry maps task kind tags to their implementations. The set of
// kinds is fixed at startup; the wire never carries executable code.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry creates an empty kind registry
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds a task kind. Registering an existing kind replaces it.
func (r *Registry) Register(kind string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[kind] = fn
}

// Get looks up a task kind
func (r *Registry) Get(kind string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[kind]
	return fn, ok
}

// Kinds lists the registered kind tags
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.funcs))
	for k := range r.funcs {
		out = append(out, k)
	}
	return out
}

// Checkpointer ships incremental task state to the foreman and exposes
// resumed state to the task function. The sequence counter is seeded
// from the resume envelope so ids keep increasing across workers.
type Checkpointer struct {
	conn   transport.Conn
	jobID  string
	taskID string

	mu     sync.Mutex
	seq    int
	seeded []byte
}

func newCheckpointer(conn transport.Conn, jobID, taskID string, seq int, seeded []byte) *Checkpointer {
	return &Checkpointer{conn: conn, jobID: jobID, taskID: taskID, seq: seq, seeded: seeded}
}

// ResumedState returns the reconstructed state this task was resumed
// with, or nil for a fresh start.
func (c *Checkpointer) ResumedState() []byte {
	return c.seeded
}

// SaveBase ships a full state snapshot. It replaces any earlier base and
// clears the delta chain on the foreman.
func (c *Checkpointer) SaveBase(state []byte, progress float64) error {
	return c.send(state, true, progress)
}

// SaveDelta ships an incremental update atop the last base
func (c *Checkpointer) SaveDelta(delta []byte, progress float64) error {
	return c.send(delta, false, progress)
}

func (c *Checkpointer) send(data []byte, isBase bool, progress float64) error {
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	msg := protocol.NewTaskCheckpoint(c.jobID, protocol.TaskCheckpointData{
		TaskID:          c.taskID,
		IsBase:          isBase,
		DeltaDataHex:    hex.EncodeToString(data),
		ProgressPercent: progress,
		CheckpointID:    seq,
		CompressionType: "gzip",
	})
	if err := c.conn.Send(msg); err != nil {
		return fmt.Errorf("failed to ship checkpoint %d: %w", seq, err)
	}
	return nil
}
