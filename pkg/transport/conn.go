package transport

import (
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/crowdio/foreman/pkg/protocol"
)

// Conn is one message-oriented full-duplex peer connection. Send is safe
// for concurrent use; Receive must only be called from the connection's
// read loop.
type Conn interface {
	Send(msg *protocol.Message) error
	Receive() (*protocol.Message, error)
	Close() error
	RemoteAddr() string
}

const writeTimeout = 10 * time.Second

// WSConn wraps a websocket connection with send-side serialization.
// The router reads it while the dispatcher and heartbeat write to it,
// so writes go through one mutex.
type WSConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

// NewWSConn wraps an upgraded or dialed websocket connection
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Send encodes the message and writes it as one text frame
func (c *WSConn) Send(msg *protocol.Message) error {
	frame, err := msg.Encode()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("failed to send %s message: %w", msg.Type, err)
	}
	return nil
}

// Receive blocks for the next frame and decodes it
func (c *WSConn) Receive() (*protocol.Message, error) {
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return nil, err
	}
	return protocol.Decode(frame)
}

// Close closes the underlying websocket
func (c *WSConn) Close() error {
	return c.ws.Close()
}

// RemoteAddr reports the peer address for logging
func (c *WSConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}
