package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType tags a wire envelope
type MessageType string

const (
	// Client -> Foreman
	TypeSubmitJob  MessageType = "submit_job"
	TypeDisconnect MessageType = "disconnect"

	// Foreman -> Worker
	TypeAssignTask    MessageType = "assign_task"
	TypePing          MessageType = "ping"
	TypeResumeTask    MessageType = "resume_task"
	TypeCheckpointAck MessageType = "checkpoint_ack"

	// Worker -> Foreman
	TypeTaskResult      MessageType = "task_result"
	TypeTaskError       MessageType = "task_error"
	TypeWorkerReady     MessageType = "worker_ready"
	TypeWorkerHeartbeat MessageType = "worker_heartbeat"
	TypePong            MessageType = "pong"
	TypeTaskCheckpoint  MessageType = "task_checkpoint"

	// Foreman -> Client
	TypeJobResults  MessageType = "job_results"
	TypeJobError    MessageType = "job_error"
	TypeJobAccepted MessageType = "job_accepted"
)

// Message is the tagged envelope carried one per frame on the transport.
// Data stays raw until the receiver picks a payload type for the tag,
// so unknown tags survive decoding.
type Message struct {
	Type  MessageType     `json:"type"`
	Data  json.RawMessage `json:"data"`
	JobID string          `json:"job_id,omitempty"`
}

// Encode serializes a message to its wire form
func (m *Message) Encode() ([]byte, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", m.Type, err)
	}
	return b, nil
}

// Decode parses a wire frame into a message
func Decode(frame []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(frame, &m); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if m.Type == "" {
		return nil, fmt.Errorf("message has no type tag")
	}
	return &m, nil
}

// DecodeData unmarshals the envelope payload into v
func (m *Message) DecodeData(v any) error {
	if len(m.Data) == 0 {
		return fmt.Errorf("%s message has no data", m.Type)
	}
	if err := json.Unmarshal(m.Data, v); err != nil {
		return fmt.Errorf("failed to decode %s data: %w", m.Type, err)
	}
	return nil
}

func newMessage(t MessageType, data any, jobID string) *Message {
	raw, err := json.Marshal(data)
	if err != nil {
		// Payload structs below marshal from plain fields; this only
		// trips on caller-supplied unmarshalable result values.
		raw = []byte("{}")
	}
	return &Message{Type: t, Data: raw, JobID: jobID}
}
