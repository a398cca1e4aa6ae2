package router

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crowdio/foreman/pkg/checkpoint"
	"github.com/crowdio/foreman/pkg/dispatch"
	"github.com/crowdio/foreman/pkg/events"
	"github.com/crowdio/foreman/pkg/job"
	"github.com/crowdio/foreman/pkg/protocol"
	"github.com/crowdio/foreman/pkg/registry"
	"github.com/crowdio/foreman/pkg/scheduler"
	"github.com/crowdio/foreman/pkg/storage"
	"github.com/crowdio/foreman/pkg/types"
)

const (
	waitFor = 3 * time.Second
	tick    = 5 * time.Millisecond
)

// scriptConn scripts one peer: the test pushes inbound envelopes and
// inspects what the router sent back.
type scriptConn struct {
	mu       sync.Mutex
	sent     []*protocol.Message
	failSend bool
	incoming chan *protocol.Message
	done     chan struct{}
	once     sync.Once
}

func newScriptConn() *scriptConn {
	return &scriptConn{
		incoming: make(chan *protocol.Message, 16),
		done:     make(chan struct{}),
	}
}

func (c *scriptConn) Send(msg *protocol.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return errors.New("broken pipe")
	}
	c.sent = append(c.sent, msg)
	return nil
}

func (c *scriptConn) Receive() (*protocol.Message, error) {
	select {
	case msg, ok := <-c.incoming:
		if !ok {
			return nil, errors.New("connection closed")
		}
		return msg, nil
	case <-c.done:
		return nil, errors.New("connection closed")
	}
}

func (c *scriptConn) Close() error {
	c.once.Do(func() { close(c.done) })
	return nil
}

func (c *scriptConn) RemoteAddr() string { return "script" }

func (c *scriptConn) push(msg *protocol.Message) { c.incoming <- msg }

// disconnect ends the read loop as a transport close would
func (c *scriptConn) disconnect() { c.Close() }

func (c *scriptConn) setFailSend(fail bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failSend = fail
}

func (c *scriptConn) snapshot() []*protocol.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*protocol.Message(nil), c.sent...)
}

func (c *scriptConn) countByType(mt protocol.MessageType) int {
	n := 0
	for _, m := range c.snapshot() {
		if m.Type == mt {
			n++
		}
	}
	return n
}

// waitForType blocks until the conn has seen at least n envelopes of
// the given type and returns the n-th.
func waitForType(t *testing.T, c *scriptConn, mt protocol.MessageType, n int) *protocol.Message {
	t.Helper()
	var found *protocol.Message
	require.Eventually(t, func() bool {
		seen := 0
		for _, m := range c.snapshot() {
			if m.Type == mt {
				seen++
				if seen == n {
					found = m
					return true
				}
			}
		}
		return false
	}, waitFor, tick, "waiting for %s #%d", mt, n)
	return found
}

type fixture struct {
	store  storage.Store
	reg    *registry.Registry
	jobs   *job.Manager
	router *Router
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	blobs, err := checkpoint.NewStorage(t.TempDir(), store)
	require.NoError(t, err)
	cpm := checkpoint.NewManager(store, blobs)

	reg := registry.New()
	jobs := job.NewManager(store, 3)
	strategy, err := scheduler.New(scheduler.NameFIFO)
	require.NoError(t, err)
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	disp := dispatch.New(store, reg, jobs, cpm, broker, strategy)
	return &fixture{
		store:  store,
		reg:    reg,
		jobs:   jobs,
		router: New(store, reg, jobs, disp, cpm, broker),
	}
}

// connect starts the read loop for one scripted peer
func (f *fixture) connect(t *testing.T) *scriptConn {
	t.Helper()
	conn := newScriptConn()
	go f.router.HandleConnection(conn)
	t.Cleanup(conn.disconnect)
	return conn
}

// respondSquares emulates a worker that squares the numeric argument of
// every assignment it receives.
func respondSquares(t *testing.T, conn *scriptConn) {
	t.Helper()
	stop := make(chan struct{})
	t.Cleanup(func() { close(stop) })
	go func() {
		answered := make(map[string]bool)
		ticker := time.NewTicker(tick)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				for _, msg := range conn.snapshot() {
					if msg.Type != protocol.TypeAssignTask {
						continue
					}
					var data protocol.AssignTaskData
					if err := msg.DecodeData(&data); err != nil {
						continue
					}
					if answered[data.TaskID] {
						continue
					}
					answered[data.TaskID] = true
					var x float64
					if len(data.TaskArgs) == 1 {
						_ = json.Unmarshal(data.TaskArgs[0], &x)
					}
					result, _ := json.Marshal(x * x)
					conn.push(protocol.NewTaskResult(msg.JobID, data.TaskID, result))
				}
			}
		}
	}()
}

func submitJob(jobID, kind string, args ...string) *protocol.Message {
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		raw[i] = json.RawMessage(a)
	}
	return protocol.NewSubmitJob(jobID, kind, raw)
}

// TestSmallJobHappyPath: three tasks over two workers, results arrive in
// input order regardless of completion order.
func TestSmallJobHappyPath(t *testing.T) {
	f := newFixture(t)

	w1 := f.connect(t)
	w1.push(protocol.NewWorkerReady("W1"))
	w2 := f.connect(t)
	w2.push(protocol.NewWorkerReady("W2"))
	respondSquares(t, w1)
	respondSquares(t, w2)

	// Both workers registered before the job lands
	require.Eventually(t, func() bool {
		return len(f.reg.WorkerIDs()) == 2
	}, waitFor, tick)

	client := f.connect(t)
	client.push(submitJob("J1", "square", "2", "3", "4"))

	waitForType(t, client, protocol.TypeJobAccepted, 1)
	resultsMsg := waitForType(t, client, protocol.TypeJobResults, 1)

	var data protocol.JobResultsData
	require.NoError(t, resultsMsg.DecodeData(&data))
	require.Len(t, data.Results, 3)
	assert.Equal(t, "4", string(data.Results[0]))
	assert.Equal(t, "9", string(data.Results[1]))
	assert.Equal(t, "16", string(data.Results[2]))

	jobRow, err := f.store.GetJob("J1")
	require.NoError(t, err)
	assert.Equal(t, types.JobStatusCompleted, jobRow.Status)
	assert.Equal(t, 3, jobRow.CompletedTasks)
}

// TestRetryOnFailure: W1 fails the task, W2 picks it up and succeeds.
func TestRetryOnFailure(t *testing.T) {
	f := newFixture(t)

	w1 := f.connect(t)
	w1.push(protocol.NewWorkerReady("W1"))
	require.Eventually(t, func() bool { return len(f.reg.WorkerIDs()) == 1 }, waitFor, tick)

	client := f.connect(t)
	client.push(submitJob("J2", "square", "7"))
	waitForType(t, client, protocol.TypeJobAccepted, 1)

	assign := waitForType(t, w1, protocol.TypeAssignTask, 1)
	var assignData protocol.AssignTaskData
	require.NoError(t, assign.DecodeData(&assignData))

	// Break W1's send path so the retry cannot land back on it, then
	// report the failure
	w1.setFailSend(true)
	w1.push(protocol.NewTaskError("J2", assignData.TaskID, "boom"))

	// The failure is recorded and the task is pending again
	require.Eventually(t, func() bool {
		failures, err := f.store.ListWorkerFailures("W1")
		return err == nil && len(failures) == 1
	}, waitFor, tick)
	require.Eventually(t, func() bool {
		task, err := f.store.GetTask(assignData.TaskID)
		return err == nil && task.Status == types.TaskStatusPending
	}, waitFor, tick)

	// W2 arrives and picks the task up
	w2 := f.connect(t)
	w2.push(protocol.NewWorkerReady("W2"))
	assign2 := waitForType(t, w2, protocol.TypeAssignTask, 1)
	var assign2Data protocol.AssignTaskData
	require.NoError(t, assign2.DecodeData(&assign2Data))
	assert.Equal(t, assignData.TaskID, assign2Data.TaskID)

	w2.push(protocol.NewTaskResult("J2", assign2Data.TaskID, json.RawMessage(`49`)))

	resultsMsg := waitForType(t, client, protocol.TypeJobResults, 1)
	var data protocol.JobResultsData
	require.NoError(t, resultsMsg.DecodeData(&data))
	require.Len(t, data.Results, 1)
	assert.Equal(t, "49", string(data.Results[0]))
}

// TestDuplicateResultIdempotence: a resent TASK_RESULT changes nothing
// and triggers no second completion emission.
func TestDuplicateResultIdempotence(t *testing.T) {
	f := newFixture(t)

	w1 := f.connect(t)
	w1.push(protocol.NewWorkerReady("W1"))
	require.Eventually(t, func() bool { return len(f.reg.WorkerIDs()) == 1 }, waitFor, tick)

	client := f.connect(t)
	client.push(submitJob("J3", "square", "11"))

	assign := waitForType(t, w1, protocol.TypeAssignTask, 1)
	var assignData protocol.AssignTaskData
	require.NoError(t, assign.DecodeData(&assignData))

	result := protocol.NewTaskResult("J3", assignData.TaskID, json.RawMessage(`11`))
	w1.push(result)
	waitForType(t, client, protocol.TypeJobResults, 1)

	// Network duplicate, then a disconnect to flush the read loop
	w1.push(result)
	w1.disconnect()
	require.Eventually(t, func() bool {
		w, err := f.store.GetWorker("W1")
		return err == nil && w.Status == types.WorkerStatusOffline
	}, waitFor, tick)

	jobRow, err := f.store.GetJob("J3")
	require.NoError(t, err)
	assert.Equal(t, 1, jobRow.CompletedTasks)
	assert.Equal(t, 1, client.countByType(protocol.TypeJobResults))
}

// TestZeroTaskJob: accepted and immediately complete with empty results
func TestZeroTaskJob(t *testing.T) {
	f := newFixture(t)

	client := f.connect(t)
	client.push(submitJob("J0", "square"))

	waitForType(t, client, protocol.TypeJobAccepted, 1)
	resultsMsg := waitForType(t, client, protocol.TypeJobResults, 1)

	var data protocol.JobResultsData
	require.NoError(t, resultsMsg.DecodeData(&data))
	assert.Empty(t, data.Results)
}

func TestSubmitMissingFields(t *testing.T) {
	f := newFixture(t)

	client := f.connect(t)
	client.push(submitJob("", "square", "1"))
	errMsg := waitForType(t, client, protocol.TypeJobError, 1)

	var data protocol.JobErrorData
	require.NoError(t, errMsg.DecodeData(&data))
	assert.Contains(t, data.Error, "job_id")
}

// TestUnexpectedFirstEnvelope: anything but submit_job or worker_ready
// terminates the connection before a role is assigned.
func TestUnexpectedFirstEnvelope(t *testing.T) {
	f := newFixture(t)

	conn := newScriptConn()
	loopDone := make(chan struct{})
	go func() {
		f.router.HandleConnection(conn)
		close(loopDone)
	}()
	conn.push(protocol.NewPong())

	select {
	case <-loopDone:
	case <-time.After(waitFor):
		t.Fatal("read loop did not terminate on unexpected first envelope")
	}
	assert.Empty(t, f.reg.WorkerIDs())
}

// TestCheckpointAckFlow: a stored checkpoint is acknowledged, a second
// one for an unknown task is not.
func TestCheckpointAckFlow(t *testing.T) {
	f := newFixture(t)

	w1 := f.connect(t)
	w1.push(protocol.NewWorkerReady("W1"))
	require.Eventually(t, func() bool { return len(f.reg.WorkerIDs()) == 1 }, waitFor, tick)

	client := f.connect(t)
	client.push(submitJob("J1", "train", "1"))
	assign := waitForType(t, w1, protocol.TypeAssignTask, 1)
	var assignData protocol.AssignTaskData
	require.NoError(t, assign.DecodeData(&assignData))

	w1.push(protocol.NewTaskCheckpoint("J1", protocol.TaskCheckpointData{
		TaskID:          assignData.TaskID,
		IsBase:          true,
		DeltaDataHex:    fmt.Sprintf("%x", `{"step":1}`),
		ProgressPercent: 25,
		CheckpointID:    1,
		CompressionType: "gzip",
	}))

	ack := waitForType(t, w1, protocol.TypeCheckpointAck, 1)
	var ackData protocol.CheckpointAckData
	require.NoError(t, ack.DecodeData(&ackData))
	assert.Equal(t, assignData.TaskID, ackData.TaskID)
	assert.Equal(t, 1, ackData.CheckpointID)

	// Unknown task: no ack, read loop unaffected
	w1.push(protocol.NewTaskCheckpoint("J9", protocol.TaskCheckpointData{
		TaskID:       "J9_task_0",
		IsBase:       true,
		DeltaDataHex: "00",
		CheckpointID: 1,
	}))
	w1.push(protocol.NewTaskCheckpoint("J1", protocol.TaskCheckpointData{
		TaskID:          assignData.TaskID,
		IsBase:          false,
		DeltaDataHex:    fmt.Sprintf("%x", `{"step":2}`),
		ProgressPercent: 50,
		CheckpointID:    2,
		CompressionType: "gzip",
	}))
	waitForType(t, w1, protocol.TypeCheckpointAck, 2)
	assert.Equal(t, 2, w1.countByType(protocol.TypeCheckpointAck))
}

// TestWorkerDisconnectPreservesAssignment: the in-flight task row stays
// assigned for the sweeper; worker counters survive.
func TestWorkerDisconnectPreservesAssignment(t *testing.T) {
	f := newFixture(t)

	w1 := f.connect(t)
	w1.push(protocol.NewWorkerReady("W1"))
	require.Eventually(t, func() bool { return len(f.reg.WorkerIDs()) == 1 }, waitFor, tick)

	client := f.connect(t)
	client.push(submitJob("J1", "square", "2"))
	assign := waitForType(t, w1, protocol.TypeAssignTask, 1)
	var assignData protocol.AssignTaskData
	require.NoError(t, assign.DecodeData(&assignData))

	w1.disconnect()
	require.Eventually(t, func() bool {
		w, err := f.store.GetWorker("W1")
		return err == nil && w.Status == types.WorkerStatusOffline
	}, waitFor, tick)

	task, err := f.store.GetTask(assignData.TaskID)
	require.NoError(t, err)
	assert.Equal(t, types.TaskStatusAssigned, task.Status)
	assert.Equal(t, "W1", task.WorkerID)
	assert.Empty(t, f.reg.WorkerIDs())
}
