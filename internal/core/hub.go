// Package core implements the relay hub that sits between the vehicle and the
// dashboards. A single event loop owns the connection registry, the current
// route correlation and the liveness bookkeeping. Per-connection read pumps
// post events into the loop; per-connection write pumps drain bounded
// outbound queues so one slow peer never stalls another.
package core

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pathhole/internal/metrics"
	"pathhole/internal/model"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// ErrStopped is returned when the hub loop is no longer running.
var ErrStopped = errors.New("hub stopped")

// Checkpointer receives the vehicle stream for persistence. Both methods must
// return without blocking.
type Checkpointer interface {
	Telemetry(now time.Time, t model.Telemetry, routeID string) bool
	Pothole(now time.Time, p model.Pothole, routeID string) bool
}

type eventKind int

const (
	evJoin eventKind = iota
	evFrame
	evPong
	evLeave
	evCall
)

type event struct {
	kind eventKind
	conn *Conn
	raw  []byte
	fn   func(now time.Time)
}

// Snapshot is a point-in-time view of the hub.
type Snapshot struct {
	ESP32Connected bool   `json:"esp32Connected"`
	Vehicles       int    `json:"vehicles"`
	Dashboards     int    `json:"dashboards"`
	Unidentified   int    `json:"unidentified"`
	RouteID        string `json:"routeId,omitempty"`
}

// Options carries the hub's collaborators. Zero values are replaced with
// working defaults.
type Options struct {
	Logger      *zap.Logger
	Metrics     *metrics.Recorder
	Clock       clock.Clock
	Checkpoints Checkpointer
}

// Hub relays envelopes between the vehicle and the dashboards.
type Hub struct {
	cfg         model.HubConfig
	logger      *zap.Logger
	metrics     *metrics.Recorder
	clock       clock.Clock
	checkpoints Checkpointer
	upgrader    websocket.Upgrader

	events chan event
	done   chan struct{}

	// owned by the event loop
	conns    map[*Conn]struct{}
	registry *registry
	routeID  string
}

// New creates a hub. Call Run to start its event loop.
func New(cfg model.HubConfig, opts Options) *Hub {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	return &Hub{
		cfg:         cfg,
		logger:      opts.Logger.Named("hub"),
		metrics:     opts.Metrics,
		clock:       opts.Clock,
		checkpoints: opts.Checkpoints,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		events:   make(chan event, 1024),
		done:     make(chan struct{}),
		conns:    map[*Conn]struct{}{},
		registry: newRegistry(),
	}
}

// Run processes events and drives the heartbeat until ctx is cancelled. All
// connections are closed on return.
func (h *Hub) Run(ctx context.Context) error {
	ticker := h.clock.Ticker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	defer close(h.done)
	defer h.closeAll()

	h.logger.Info("hub running", zap.Duration("heartbeat", h.cfg.HeartbeatInterval))
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("hub stopping", zap.Int("connections", len(h.conns)))
			return nil
		case <-ticker.C:
			h.sweep(h.clock.Now())
		case ev := <-h.events:
			h.handle(ev, h.clock.Now())
		}
	}
}

func (h *Hub) handle(ev event, now time.Time) {
	switch ev.kind {
	case evJoin:
		h.join(ev.conn, now)
	case evFrame:
		if _, ok := h.conns[ev.conn]; ok {
			h.handleFrame(ev.conn, ev.raw, now)
		}
	case evPong:
		if _, ok := h.conns[ev.conn]; ok {
			ev.conn.lastSeen = now
		}
	case evLeave:
		h.leave(ev.conn, now)
	case evCall:
		ev.fn(now)
	}
}

// post hands an event to the loop. It reports false once the loop has exited.
func (h *Hub) post(ev event) bool {
	select {
	case h.events <- ev:
		return true
	case <-h.done:
		return false
	}
}

// Snapshot reads the hub state from inside the event loop.
func (h *Hub) Snapshot(ctx context.Context) (Snapshot, error) {
	result := make(chan Snapshot, 1)
	ok := h.post(event{kind: evCall, fn: func(time.Time) {
		result <- h.snapshot()
	}})
	if !ok {
		return Snapshot{}, ErrStopped
	}
	select {
	case s := <-result:
		return s, nil
	case <-h.done:
		return Snapshot{}, ErrStopped
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

func (h *Hub) snapshot() Snapshot {
	vehicles := h.registry.count(model.RoleESP32)
	dashboards := h.registry.count(model.RoleDashboard)
	return Snapshot{
		ESP32Connected: vehicles > 0,
		Vehicles:       vehicles,
		Dashboards:     dashboards,
		Unidentified:   len(h.conns) - vehicles - dashboards,
		RouteID:        h.routeID,
	}
}

// ServeHTTP upgrades the request to a websocket and attaches it to the hub.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}
	h.attach(ws, r.RemoteAddr)
}

// attach registers a transport with the loop and starts its pumps.
func (h *Hub) attach(ws transport, remote string) *Conn {
	c := newConn(ws, h.cfg.OutboxSize, h.cfg.WriteTimeout)
	if h.cfg.MaxMessageBytes > 0 {
		ws.SetReadLimit(h.cfg.MaxMessageBytes)
	}
	ws.SetPongHandler(func(string) error {
		h.post(event{kind: evPong, conn: c})
		return nil
	})
	if !h.post(event{kind: evJoin, conn: c}) {
		c.close()
		return c
	}
	h.logger.Debug("connection opened", zap.String("conn", c.id), zap.String("remote", remote))
	go c.writePump()
	go h.readPump(c)
	return c
}

func (h *Hub) readPump(c *Conn) {
	defer h.post(event{kind: evLeave, conn: c})
	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && !c.isClosed() {
				h.logger.Debug("read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		if !h.post(event{kind: evFrame, conn: c, raw: raw}) {
			return
		}
	}
}

func (h *Hub) join(c *Conn, now time.Time) {
	c.lastSeen = now
	h.conns[c] = struct{}{}
	h.reportConnections()
}

// leave removes c and notifies dashboards. It is a no-op for a connection
// that already left, so each close produces exactly one status broadcast.
func (h *Hub) leave(c *Conn, now time.Time) {
	if _, ok := h.conns[c]; !ok {
		return
	}
	delete(h.conns, c)
	h.registry.unregister(c)
	c.close()
	h.logger.Info("connection closed", zap.String("conn", c.id), zap.String("role", string(c.role)))
	h.reportConnections()
	h.broadcastStatus(now)
}

func (h *Hub) closeAll() {
	for c := range h.conns {
		c.close()
		delete(h.conns, c)
		h.registry.unregister(c)
	}
	h.reportConnections()
}

func (h *Hub) reportConnections() {
	vehicles := h.registry.count(model.RoleESP32)
	dashboards := h.registry.count(model.RoleDashboard)
	h.metrics.SetConnections(string(model.RoleESP32), vehicles)
	h.metrics.SetConnections(string(model.RoleDashboard), dashboards)
	h.metrics.SetConnections(string(model.RoleUnknown), len(h.conns)-vehicles-dashboards)
}
