package session

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/julia-epshtein/umunch/internal/config"
	"github.com/julia-epshtein/umunch/internal/reliability"
)

// Conn is one open duplex channel carrying JSON text frames.
type Conn interface {
	// ReadMessage blocks for the next text frame.
	ReadMessage() ([]byte, error)
	WriteMessage(ctx context.Context, data []byte) error
	Close() error
}

// Driver opens channels. The manager picks one at construction time.
type Driver interface {
	Dial(ctx context.Context, endpoint config.Endpoint) (Conn, error)
}

// EndpointResolver finds the channel to dial.
type EndpointResolver interface {
	Resolve(ctx context.Context) (config.Endpoint, error)
}

// invalidator is implemented by resolvers that cache their endpoint.
type invalidator interface {
	Invalidate()
}

// WebSocketDriver dials the agent service with gorilla/websocket.
type WebSocketDriver struct {
	Dialer       *websocket.Dialer
	Header       http.Header
	WriteTimeout time.Duration
}

func NewWebSocketDriver() *WebSocketDriver {
	return &WebSocketDriver{
		Dialer:       websocket.DefaultDialer,
		WriteTimeout: 5 * time.Second,
	}
}

func (d *WebSocketDriver) Dial(ctx context.Context, ep config.Endpoint) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, ep.URL, d.Header)
	if err != nil {
		ce := &ConnectionError{Op: "dial channel", Err: err}
		if resp != nil {
			ce.Status = resp.StatusCode
			ce.Retryable = reliability.IsRetryableHTTPStatus(resp.StatusCode)
		} else {
			ce.Retryable = reliability.IsRetryableNetError(err)
		}
		return nil, ce
	}
	writeTimeout := d.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &wsConn{conn: conn, writeTimeout: writeTimeout}, nil
}

type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
	writeMu      sync.Mutex
	closeOnce    sync.Once
	closeErr     error
}

// ReadMessage skips binary frames; the agent service only speaks JSON.
func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if typ == websocket.TextMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	deadline := time.Now().Add(c.writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

// isNormalClose reports a read error that ends the channel cleanly.
func isNormalClose(err error) bool {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return true
	}
	return errors.Is(err, errConnClosed)
}

// errConnClosed is returned by in-process conns after Close.
var errConnClosed = errors.New("connection closed")
