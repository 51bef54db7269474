package session

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is the minimal bidirectional message transport a Kernel
// Session needs. Satisfied by WSChannel in production and by a mock in
// tests, so the session driver never depends on gorilla/websocket
// directly.
type Channel interface {
	// Send writes one outgoing envelope.
	Send(payload []byte) error
	// Recv blocks for at most the given timeout waiting for the next
	// envelope. It returns context.DeadlineExceeded-shaped behavior via
	// a bool: ok=false with err=nil means "timed out, keep looping";
	// err!=nil means the channel itself failed.
	Recv(timeout time.Duration) (payload []byte, ok bool, err error)
	// Close releases the underlying transport.
	Close() error
}

// WSChannel is a Channel backed by a real Jupyter kernel WebSocket
// connection, dialed once per Kernel Session (the execution engine
// holds it exclusively for the session's lifetime).
type WSChannel struct {
	conn *websocket.Conn
}

// DialWSChannel opens the kernel channel at
// {wsBase}/api/kernels/{id}/channels.
func DialWSChannel(ctx context.Context, wsBase, kernelID string, pingInterval, pingTimeout time.Duration) (*WSChannel, error) {
	url := fmt.Sprintf("%s/api/kernels/%s/channels", wsBase, kernelID)

	dialer := websocket.Dialer{
		HandshakeTimeout: pingTimeout,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &ChannelOpenFailure{KernelID: kernelID, Cause: err}
	}

	if pingInterval > 0 {
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pingInterval + pingTimeout))
		})
	}

	return &WSChannel{conn: conn}, nil
}

func (c *WSChannel) Send(payload []byte) error {
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *WSChannel) Recv(timeout time.Duration) ([]byte, bool, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, false, err
	}
	_, payload, err := c.conn.ReadMessage()
	if err != nil {
		if ne, isNetErr := err.(interface{ Timeout() bool }); isNetErr && ne.Timeout() {
			return nil, false, nil
		}
		return nil, false, err
	}
	return payload, true, nil
}

func (c *WSChannel) Close() error {
	return c.conn.Close()
}
