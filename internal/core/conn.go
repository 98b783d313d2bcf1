package core

import (
	"sync"
	"time"

	"pathhole/internal/model"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// transport is the subset of *websocket.Conn used by the hub.
type transport interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Conn is one websocket peer. Role and liveness fields are owned by the hub
// loop; the outbound queue is drained by the connection's write pump.
type Conn struct {
	id       string
	ws       transport
	out      chan []byte
	closed   chan struct{}
	once     sync.Once
	deadline time.Duration

	role      model.Role
	deviceID  string
	lastSeen  time.Time // connect time, then every transport pong
	lastProbe time.Time // last heartbeat ping sent
}

func newConn(ws transport, outbox int, writeTimeout time.Duration) *Conn {
	return &Conn{
		id:       uuid.NewString(),
		ws:       ws,
		out:      make(chan []byte, outbox),
		closed:   make(chan struct{}),
		deadline: writeTimeout,
		role:     model.RoleUnknown,
	}
}

// ID identifies the connection in logs.
func (c *Conn) ID() string { return c.id }

// Role is the role adopted through hello.
func (c *Conn) Role() model.Role { return c.role }

// send queues a text frame. It reports false when the connection is closed
// or its queue is full.
func (c *Conn) send(b []byte) bool {
	select {
	case <-c.closed:
		return false
	default:
	}
	select {
	case c.out <- b:
		return true
	default:
		return false
	}
}

// ping writes a transport-level ping. Control frames may be written
// concurrently with the write pump.
func (c *Conn) ping() error {
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.deadline))
}

func (c *Conn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// close terminates the socket; the read pump then reports the close.
func (c *Conn) close() {
	c.once.Do(func() {
		close(c.closed)
		_ = c.ws.Close()
	})
}

// writePump drains the outbound queue until the connection closes.
func (c *Conn) writePump() {
	for {
		select {
		case b := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.deadline))
			if err := c.ws.WriteMessage(websocket.TextMessage, b); err != nil {
				c.close()
				return
			}
		case <-c.closed:
			return
		}
	}
}
