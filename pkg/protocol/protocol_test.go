package protocol

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEnvelopeRoundTrip verifies serialize-deserialize is the identity
// for every envelope constructor.
func TestEnvelopeRoundTrip(t *testing.T) {
	args := []json.RawMessage{json.RawMessage(`2`), json.RawMessage(`3`)}

	tests := []struct {
		name string
		msg  *Message
	}{
		{"submit_job", NewSubmitJob("J1", "square", args)},
		{"job_accepted", NewJobAccepted("J1")},
		{"job_results", NewJobResults("J1", []json.RawMessage{json.RawMessage(`4`), json.RawMessage(`9`)})},
		{"job_error", NewJobError("J1", "boom")},
		{"assign_task", NewAssignTask("J1", "J1_task_0", "square", args[:1])},
		{"resume_task", NewResumeTask("J1", "J1_task_0", "square", "00ff", nil, 7)},
		{"worker_ready", NewWorkerReady("W1")},
		{"task_result", NewTaskResult("J1", "J1_task_0", json.RawMessage(`4`))},
		{"task_error", NewTaskError("J1", "J1_task_0", "boom")},
		{"task_checkpoint", NewTaskCheckpoint("J1", TaskCheckpointData{
			TaskID:          "J1_task_0",
			IsBase:          true,
			DeltaDataHex:    "00ff",
			ProgressPercent: 12.5,
			CheckpointID:    1,
			CompressionType: "gzip",
		})},
		{"checkpoint_ack", NewCheckpointAck("J1", "J1_task_0", 1)},
		{"ping", NewPing()},
		{"pong", NewPong()},
		{"disconnect", NewDisconnect()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			frame, err := tt.msg.Encode()
			require.NoError(t, err)

			decoded, err := Decode(frame)
			require.NoError(t, err)
			assert.Equal(t, tt.msg.Type, decoded.Type)
			assert.Equal(t, tt.msg.JobID, decoded.JobID)
			assert.JSONEq(t, string(tt.msg.Data), string(decoded.Data))
		})
	}
}

func TestDecodePayloads(t *testing.T) {
	msg := NewSubmitJob("J1", "square", []json.RawMessage{json.RawMessage(`2`), json.RawMessage(`3`), json.RawMessage(`4`)})
	frame, err := msg.Encode()
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)

	var data SubmitJobData
	require.NoError(t, decoded.DecodeData(&data))
	assert.Equal(t, "square", data.FuncCode)
	assert.Equal(t, 3, data.TotalTasks)
	assert.Len(t, data.ArgsList, 3)
}

// TestDecodeUnknownTag ensures forward compatibility: unknown tags
// decode and carry their payload through.
func TestDecodeUnknownTag(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"future_thing","data":{"x":1},"job_id":"J9"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageType("future_thing"), msg.Type)
	assert.Equal(t, "J9", msg.JobID)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name  string
		frame string
	}{
		{"not json", "{{{"},
		{"missing type", `{"data":{}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.frame))
			assert.Error(t, err)
		})
	}
}
