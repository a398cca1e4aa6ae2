package client

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/crowdio/foreman/pkg/log"
	"github.com/crowdio/foreman/pkg/protocol"
	"github.com/crowdio/foreman/pkg/transport"
)

// Client submits jobs to a foreman over its WebSocket endpoint and
// waits for ordered results. One client drives one job at a time.
type Client struct {
	conn   transport.Conn
	logger zerolog.Logger
}

// JobError is the foreman's rejection or failure reply
type JobError struct {
	JobID  string
	Reason string
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s: %s", e.JobID, e.Reason)
}

// Dial connects to a foreman, e.g. ws://host:7070/ws
func Dial(ctx context.Context, url string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial foreman: %w", err)
	}
	return &Client{
		conn:   transport.NewWSConn(ws),
		logger: log.WithComponent("client"),
	}, nil
}

// Close sends a disconnect and closes the connection
func (c *Client) Close() error {
	if err := c.conn.Send(protocol.NewDisconnect()); err != nil {
		return c.conn.Close()
	}
	return c.conn.Close()
}

// SubmitJob submits one task per argument under the given kind tag and
// returns the accepted job id. Pass an empty jobID to generate one.
func (c *Client) SubmitJob(jobID, funcKind string, args []any) (string, error) {
	if jobID == "" {
		jobID = uuid.New().String()
	}
	argsList := make([]json.RawMessage, len(args))
	for i, a := range args {
		encoded, err := json.Marshal(a)
		if err != nil {
			return "", fmt.Errorf("argument %d is not serializable: %w", i, err)
		}
		argsList[i] = encoded
	}

	if err := c.conn.Send(protocol.NewSubmitJob(jobID, funcKind, argsList)); err != nil {
		return "", err
	}

	msg, err := c.conn.Receive()
	if err != nil {
		return "", fmt.Errorf("connection lost waiting for acceptance: %w", err)
	}
	switch msg.Type {
	case protocol.TypeJobAccepted:
		c.logger.Info().Str("job_id", jobID).Int("tasks", len(args)).Msg("Job accepted")
		return jobID, nil
	case protocol.TypeJobError:
		var data protocol.JobErrorData
		_ = msg.DecodeData(&data)
		return "", &JobError{JobID: jobID, Reason: data.Error}
	default:
		return "", fmt.Errorf("unexpected reply to submission: %s", msg.Type)
	}
}

// WaitResults blocks until the job's ordered results arrive. Failed
// task slots decode as JSON null.
func (c *Client) WaitResults(ctx context.Context) ([]json.RawMessage, error) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.conn.Close()
		case <-done:
		}
	}()

	for {
		msg, err := c.conn.Receive()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("connection lost waiting for results: %w", err)
		}
		switch msg.Type {
		case protocol.TypeJobResults:
			var data protocol.JobResultsData
			if err := msg.DecodeData(&data); err != nil {
				return nil, err
			}
			return data.Results, nil
		case protocol.TypeJobError:
			var data protocol.JobErrorData
			_ = msg.DecodeData(&data)
			return nil, &JobError{JobID: msg.JobID, Reason: data.Error}
		default:
			// Other envelopes are not for us
			c.logger.Debug().Str("type", string(msg.Type)).Msg("Ignoring envelope")
		}
	}
}

// Run submits a job and blocks for its results
func (c *Client) Run(ctx context.Context, funcKind string, args []any) ([]json.RawMessage, error) {
	if _, err := c.SubmitJob("", funcKind, args); err != nil {
		return nil, err
	}
	return c.WaitResults(ctx)
}
