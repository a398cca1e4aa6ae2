package protocol

import "encoding/json"

// SubmitJobData carries a job submission from a client. FuncCode names a
// registered task kind on the workers; arbitrary code is never shipped.
type SubmitJobData struct {
	FuncCode   string            `json:"func_code"`
	ArgsList   []json.RawMessage `json:"args_list"`
	TotalTasks int               `json:"total_tasks"`
}

// JobAcceptedData acknowledges a submission
type JobAcceptedData struct {
	JobID string `json:"job_id"`
}

// JobResultsData carries index-ordered results back to the client
type JobResultsData struct {
	Results []json.RawMessage `json:"results"`
}

// JobErrorData reports a client-facing failure
type JobErrorData struct {
	Error string `json:"error"`
}

// AssignTaskData dispatches one task to a worker
type AssignTaskData struct {
	FuncCode string            `json:"func_code"`
	TaskArgs []json.RawMessage `json:"task_args"`
	TaskID   string            `json:"task_id"`
}

// ResumeTaskData restarts a checkpointed task on a new worker
type ResumeTaskData struct {
	TaskID                string            `json:"task_id"`
	FuncCode              string            `json:"func_code"`
	ReconstructedStateHex string            `json:"reconstructed_state_hex"`
	RemainingArgs         []json.RawMessage `json:"remaining_args"`
	CheckpointCount       int               `json:"checkpoint_count"`
}

// WorkerReadyData registers a worker
type WorkerReadyData struct {
	WorkerID string `json:"worker_id"`
}

// WorkerHeartbeatData is an unsolicited liveness report from a worker
type WorkerHeartbeatData struct {
	WorkerID    string `json:"worker_id"`
	Status      string `json:"status"`
	CurrentTask string `json:"current_task,omitempty"`
}

// TaskResultData reports a successful task completion
type TaskResultData struct {
	Result json.RawMessage `json:"result"`
	TaskID string          `json:"task_id"`
}

// TaskErrorData reports a task execution failure
type TaskErrorData struct {
	Error  string `json:"error"`
	TaskID string `json:"task_id"`
}

// TaskCheckpointData ships one base or delta checkpoint to the foreman
type TaskCheckpointData struct {
	TaskID          string  `json:"task_id"`
	IsBase          bool    `json:"is_base"`
	DeltaDataHex    string  `json:"delta_data_hex"`
	ProgressPercent float64 `json:"progress_percent"`
	CheckpointID    int     `json:"checkpoint_id"`
	CompressionType string  `json:"compression_type"`
}

// CheckpointAckData acknowledges a stored checkpoint
type CheckpointAckData struct {
	TaskID       string `json:"task_id"`
	CheckpointID int    `json:"checkpoint_id"`
}

// NewSubmitJob creates a job submission message
func NewSubmitJob(jobID, funcCode string, argsList []json.RawMessage) *Message {
	return newMessage(TypeSubmitJob, SubmitJobData{
		FuncCode:   funcCode,
		ArgsList:   argsList,
		TotalTasks: len(argsList),
	}, jobID)
}

// NewJobAccepted creates a job accepted message
func NewJobAccepted(jobID string) *Message {
	return newMessage(TypeJobAccepted, JobAcceptedData{JobID: jobID}, jobID)
}

// NewJobResults creates a job results message
func NewJobResults(jobID string, results []json.RawMessage) *Message {
	return newMessage(TypeJobResults, JobResultsData{Results: results}, jobID)
}

// NewJobError creates a job error message
func NewJobError(jobID, errMsg string) *Message {
	return newMessage(TypeJobError, JobErrorData{Error: errMsg}, jobID)
}

// NewAssignTask creates a task assignment message
func NewAssignTask(jobID, taskID, funcCode string, taskArgs []json.RawMessage) *Message {
	return newMessage(TypeAssignTask, AssignTaskData{
		FuncCode: funcCode,
		TaskArgs: taskArgs,
		TaskID:   taskID,
	}, jobID)
}

// NewResumeTask creates a task resumption message
func NewResumeTask(jobID, taskID, funcCode, stateHex string, remaining []json.RawMessage, checkpointCount int) *Message {
	if remaining == nil {
		remaining = []json.RawMessage{}
	}
	return newMessage(TypeResumeTask, ResumeTaskData{
		TaskID:                taskID,
		FuncCode:              funcCode,
		ReconstructedStateHex: stateHex,
		RemainingArgs:         remaining,
		CheckpointCount:       checkpointCount,
	}, jobID)
}

// NewWorkerReady creates a worker registration message
func NewWorkerReady(workerID string) *Message {
	return newMessage(TypeWorkerReady, WorkerReadyData{WorkerID: workerID}, "")
}

// NewWorkerHeartbeat creates an unsolicited worker liveness report
func NewWorkerHeartbeat(workerID, status, currentTask string) *Message {
	return newMessage(TypeWorkerHeartbeat, WorkerHeartbeatData{WorkerID: workerID, Status: status, CurrentTask: currentTask}, "")
}

// NewTaskResult creates a task result message
func NewTaskResult(jobID, taskID string, result json.RawMessage) *Message {
	return newMessage(TypeTaskResult, TaskResultData{Result: result, TaskID: taskID}, jobID)
}

// NewTaskError creates a task error message
func NewTaskError(jobID, taskID, errMsg string) *Message {
	return newMessage(TypeTaskError, TaskErrorData{Error: errMsg, TaskID: taskID}, jobID)
}

// NewTaskCheckpoint creates a checkpoint upload message
func NewTaskCheckpoint(jobID string, data TaskCheckpointData) *Message {
	return newMessage(TypeTaskCheckpoint, data, jobID)
}

// NewCheckpointAck creates a checkpoint acknowledgment message
func NewCheckpointAck(jobID, taskID string, checkpointID int) *Message {
	return newMessage(TypeCheckpointAck, CheckpointAckData{
		TaskID:       taskID,
		CheckpointID: checkpointID,
	}, jobID)
}

// NewPing creates a keepalive probe
func NewPing() *Message {
	return newMessage(TypePing, struct{}{}, "")
}

// NewPong creates a keepalive reply
func NewPong() *Message {
	return newMessage(TypePong, struct{}{}, "")
}

// NewDisconnect creates a client disconnect message
func NewDisconnect() *Message {
	return newMessage(TypeDisconnect, struct{}{}, "")
}
