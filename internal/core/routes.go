package core

import (
	"errors"
	"time"

	"pathhole/internal/model"
	"pathhole/internal/parser"

	"go.uber.org/zap"
)

type handlerFunc func(h *Hub, c *Conn, env model.Envelope, now time.Time)

// anyRole marks routes that accept frames from any connection.
const anyRole model.Role = ""

type route struct {
	role   model.Role
	handle handlerFunc
}

// routes is the dispatch table. Types without an entry (status, pong, error
// sent by a peer) are accepted and dropped. Frames from a connection whose
// role differs from the entry's role are ignored.
var routes = map[model.Type]route{
	model.TypeHello:         {anyRole, (*Hub).onHello},
	model.TypePing:          {anyRole, (*Hub).onPing},
	model.TypeTelemetry:     {model.RoleESP32, (*Hub).onTelemetry},
	model.TypePothole:       {model.RoleESP32, (*Hub).onPothole},
	model.TypeRouteComplete: {model.RoleESP32, (*Hub).onRouteComplete},
	model.TypeMotorControl:  {model.RoleDashboard, (*Hub).onMotorControl},
	model.TypePathCommand:   {model.RoleDashboard, (*Hub).onRouteCommand},
	model.TypeAutoDrive:     {model.RoleDashboard, (*Hub).onRouteCommand},
}

// handleFrame validates one inbound frame and dispatches it.
func (h *Hub) handleFrame(c *Conn, raw []byte, now time.Time) {
	env, err := parser.Decode(raw)
	if err != nil {
		var ve *parser.ValidationError
		if !errors.As(err, &ve) {
			ve = &parser.ValidationError{Reason: model.ReasonInvalidJSON}
		}
		h.metrics.Rejected(ve.Reason)
		h.logger.Debug("frame rejected",
			zap.String("conn", c.id), zap.String("reason", ve.Reason),
			zap.Bool("silent", ve.Silent), zap.String("detail", ve.Detail))
		if !ve.Silent {
			h.sendError(c, ve.Reason, now)
		}
		return
	}
	h.metrics.Frame(string(env.Type))

	r, ok := routes[env.Type]
	if !ok {
		return
	}
	if r.role != anyRole && c.role != r.role {
		h.logger.Debug("frame ignored for role",
			zap.String("conn", c.id), zap.String("type", string(env.Type)), zap.String("role", string(c.role)))
		return
	}
	r.handle(h, c, env, now)
}

func (h *Hub) onHello(c *Conn, env model.Envelope, now time.Time) {
	hello, err := parser.Payload[model.Hello](env)
	if err != nil {
		return
	}
	switch c.role {
	case model.RoleUnknown:
		c.role = hello.Role
		c.deviceID = hello.DeviceID
		h.registry.register(c, hello.Role)
		h.reportConnections()
		h.logger.Info("peer registered",
			zap.String("conn", c.id), zap.String("role", string(hello.Role)), zap.String("device", hello.DeviceID))
	case hello.Role:
	default:
		h.logger.Warn("role change refused",
			zap.String("conn", c.id), zap.String("role", string(c.role)), zap.String("requested", string(hello.Role)))
	}
	h.broadcastStatus(now)
}

func (h *Hub) onPing(c *Conn, _ model.Envelope, now time.Time) {
	h.sendTo(c, model.TypePong, nil, now)
}

func (h *Hub) onTelemetry(_ *Conn, env model.Envelope, now time.Time) {
	h.relay(env, now)
	if h.checkpoints == nil {
		return
	}
	t, err := parser.Payload[model.Telemetry](env)
	if err != nil {
		h.logger.Warn("telemetry not checkpointed", zap.Error(err))
		return
	}
	h.checkpoints.Telemetry(now, t, h.routeID)
}

func (h *Hub) onPothole(_ *Conn, env model.Envelope, now time.Time) {
	h.relay(env, now)
	if h.checkpoints == nil {
		return
	}
	p, err := parser.Payload[model.Pothole](env)
	if err != nil {
		h.logger.Warn("pothole not checkpointed", zap.Error(err))
		return
	}
	h.checkpoints.Pothole(now, p, h.routeID)
}

func (h *Hub) onRouteComplete(_ *Conn, _ model.Envelope, now time.Time) {
	ref := model.RouteRef{}
	if h.routeID != "" {
		id := h.routeID
		ref.RouteID = &id
	}
	h.routeID = ""
	h.broadcast(model.RoleDashboard, model.TypeRouteComplete, ref, now)
}

// onMotorControl forwards a manual command. Manual control ends any
// autonomous run.
func (h *Hub) onMotorControl(c *Conn, env model.Envelope, now time.Time) {
	h.forward(c, env, now)
	h.routeID = ""
}

// onRouteCommand forwards pathCommand and autoDrive and records the route
// they belong to once the vehicle has been sent the command.
func (h *Hub) onRouteCommand(c *Conn, env model.Envelope, now time.Time) {
	if !h.forward(c, env, now) {
		return
	}
	h.routeID = ""
	if ref, err := parser.Payload[model.RouteRef](env); err == nil && ref.RouteID != nil {
		h.routeID = *ref.RouteID
	}
	h.logger.Info("route command sent", zap.String("type", string(env.Type)), zap.String("route", h.routeID))
}

// forward sends a dashboard command to the vehicle. Without a vehicle the
// sender gets esp32_disconnected and dashboards get a fresh status.
func (h *Hub) forward(from *Conn, env model.Envelope, now time.Time) bool {
	target := h.registry.pickTarget(model.RoleESP32)
	if target == nil {
		h.metrics.Forwarded(string(env.Type), false)
		h.sendError(from, model.ReasonESP32Disconnected, now)
		h.broadcastStatus(now)
		return false
	}
	h.metrics.Forwarded(string(env.Type), true)
	h.sendTo(target, env.Type, env.Data, now)
	return true
}

// relay re-stamps a vehicle frame and fans it out to every dashboard.
func (h *Hub) relay(env model.Envelope, now time.Time) {
	h.broadcast(model.RoleDashboard, env.Type, env.Data, now)
}
