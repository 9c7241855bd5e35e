// Package remote owns the websocket leg to the Xiaozhi endpoint.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/gaspardpetit/xiaozhi-bridge/core/logx"
)

// StatusXiaozhiInternalError is the close code the Xiaozhi service sends when
// it rejects a relayed response; it shows up often enough in the field to
// deserve its own log line.
const StatusXiaozhiInternalError websocket.StatusCode = 4004

// ErrNotConnected is returned for send/receive/ping on a closed client.
var ErrNotConnected = errors.New("not connected to xiaozhi endpoint")

// Client is the websocket connection to the remote peer. Dial establishes the
// connection; Receive yields one message per call until the connection drops.
type Client struct {
	endpoint     string
	pingTimeout  time.Duration
	closeTimeout time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// New validates the endpoint scheme and returns an unconnected client.
func New(endpoint string, pingTimeout, closeTimeout time.Duration) (*Client, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("xiaozhi endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, fmt.Errorf("xiaozhi endpoint %q: scheme must be ws or wss", endpoint)
	}
	if pingTimeout <= 0 {
		pingTimeout = 10 * time.Second
	}
	if closeTimeout <= 0 {
		closeTimeout = 15 * time.Second
	}
	return &Client{endpoint: endpoint, pingTimeout: pingTimeout, closeTimeout: closeTimeout}, nil
}

// Dial opens the websocket connection, replacing any previous one.
func (c *Client) Dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, c.endpoint, nil)
	if err != nil {
		return fmt.Errorf("dial xiaozhi endpoint: %w", err)
	}
	conn.SetReadLimit(4 * 1024 * 1024)
	c.mu.Lock()
	old := c.conn
	c.conn = conn
	c.mu.Unlock()
	if old != nil {
		_ = old.CloseNow()
	}
	return nil
}

func (c *Client) current() *websocket.Conn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// Receive reads the next message. The error ends the receive sequence for
// this connection; a later Dial starts a new one.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	conn := c.current()
	if conn == nil {
		return nil, ErrNotConnected
	}
	_, data, err := conn.Read(ctx)
	if err != nil {
		if websocket.CloseStatus(err) == StatusXiaozhiInternalError {
			logx.Log.Error().Msg("xiaozhi closed the connection with internal error (4004); the service rejected a relayed payload")
		}
		return nil, err
	}
	return data, nil
}

// Send writes a payload as a text message.
func (c *Client) Send(ctx context.Context, payload []byte) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

// Ping issues a protocol-level ping and waits for the pong, bounded by the
// configured ping timeout.
func (c *Client) Ping(ctx context.Context) error {
	conn := c.current()
	if conn == nil {
		return ErrNotConnected
	}
	pctx, cancel := context.WithTimeout(ctx, c.pingTimeout)
	defer cancel()
	return conn.Ping(pctx)
}

// Close performs the close handshake, falling back to a hard close when the
// peer does not answer within the close timeout.
func (c *Client) Close() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = conn.Close(websocket.StatusNormalClosure, "closing")
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.closeTimeout):
		_ = conn.CloseNow()
	}
}
