// Package stream runs duplex device streams and dispatches their events to a
// Handler. Sessions depend on the Transport interface; Conn is the WebSocket
// implementation.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Handler receives stream events. Run calls OnOpen once after the handshake,
// OnMessage for every text or binary frame, then exactly one of OnClose
// (local close or clean remote close) or OnError.
type Handler interface {
	OnOpen(ctx context.Context)
	OnMessage(data []byte)
	OnClose()
	OnError(err error)
}

// Transport is a duplex stream a session owns.
type Transport interface {
	// Run connects and blocks dispatching events to h until the stream ends.
	Run(ctx context.Context, h Handler) error
	// Send writes one text message.
	Send(msg string) error
	// Close ends the stream. It is idempotent.
	Close() error
}

// DialFunc opens the underlying WebSocket.
type DialFunc func(ctx context.Context) (*websocket.Conn, error)

// Conn is a Transport over gorilla/websocket.
type Conn struct {
	dial   DialFunc
	logger *slog.Logger

	mu     sync.Mutex
	ws     *websocket.Conn
	closed bool
	wmu    sync.Mutex
}

// NewConn returns a transport that dials lazily on Run.
func NewConn(dial DialFunc, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	return &Conn{dial: dial, logger: logger}
}

const closeGrace = time.Second

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("stream closed")

func (c *Conn) Run(ctx context.Context, h Handler) error {
	ws, err := c.dial(ctx)
	if err != nil {
		if c.isClosed() {
			h.OnClose()
			return nil
		}
		h.OnError(err)
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		h.OnClose()
		return nil
	}
	c.ws = ws
	c.mu.Unlock()

	// ctx cancellation closes the stream like an explicit Close.
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	h.OnOpen(ctx)

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if c.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.OnClose()
				return nil
			}
			err = fmt.Errorf("read stream: %w", err)
			h.OnError(err)
			return err
		}
		h.OnMessage(data)
	}
}

func (c *Conn) Send(msg string) error {
	c.mu.Lock()
	ws, closed := c.ws, c.closed
	c.mu.Unlock()
	if closed || ws == nil {
		return ErrClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, []byte(msg))
}

func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return nil
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
	if err := ws.Close(); err != nil {
		c.logger.Debug("stream close", "error", err)
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
