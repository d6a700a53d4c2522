// Package websocket is the transport layer: it upgrades HTTP requests,
// wraps gorilla connections behind the pool's Handle interface, and runs the
// per-connection receive loop feeding the registry.
package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait     = 5 * time.Second
	sendQueueSize = 100
)

var (
	// ErrConnClosed is returned by Send after the connection has closed.
	ErrConnClosed = errors.New("connection closed")

	// ErrSendQueueFull is returned when the outbound buffer is full; the
	// caller (the registry) queues the frame for retry instead.
	ErrSendQueueFull = errors.New("send queue full")
)

// Conn wraps a websocket connection behind a single writer goroutine so that
// writes from the registry, the pool's broadcasts and retry loops never race
// on the socket. Send never blocks.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger

	sendCh    chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewConn wraps an upgraded websocket connection and starts its writer.
func NewConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	c := &Conn{
		ws:     ws,
		logger: logger,
		sendCh: make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

func (c *Conn) writeLoop() {
	for {
		select {
		case data := <-c.sendCh:
			if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				c.shutdown()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug("socket write failed", zap.Error(err))
				c.shutdown()
				return
			}
		case <-c.done:
			return
		}
	}
}

// Send marshals the frame and enqueues it for the writer. It fails fast when
// the connection is closed or the queue is full.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}

	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}

	select {
	case c.sendCh <- data:
		return nil
	case <-c.done:
		return ErrConnClosed
	default:
		return ErrSendQueueFull
	}
}

// ReadFrame blocks until the next client frame arrives.
func (c *Conn) ReadFrame() ([]byte, error) {
	_, data, err := c.ws.ReadMessage()
	return data, err
}

// Close sends a close control frame with the given policy code and reason,
// then tears the connection down. Safe to call more than once.
func (c *Conn) Close(code int, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(writeWait)
		msg := websocket.FormatCloseMessage(code, reason)
		if werr := c.ws.WriteControl(websocket.CloseMessage, msg, deadline); werr != nil {
			c.logger.Debug("close frame write failed", zap.Error(werr))
		}
		close(c.done)
		err = c.ws.Close()
	})
	return err
}

// shutdown tears the connection down without a close frame, used when the
// socket itself has already failed.
func (c *Conn) shutdown() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
