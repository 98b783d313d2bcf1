package core

import (
	"time"

	"pathhole/internal/model"

	"go.uber.org/zap"
)

func (h *Hub) encode(t model.Type, data any, now time.Time) []byte {
	env, err := model.NewEnvelope(t, model.SourceServer, now, data)
	if err != nil {
		h.logger.Error("encode envelope", zap.String("type", string(t)), zap.Error(err))
		return nil
	}
	b, err := env.Marshal()
	if err != nil {
		h.logger.Error("marshal envelope", zap.String("type", string(t)), zap.Error(err))
		return nil
	}
	return b
}

func (h *Hub) sendTo(c *Conn, t model.Type, data any, now time.Time) {
	b := h.encode(t, data, now)
	if b == nil {
		return
	}
	if !c.send(b) && !c.isClosed() {
		h.metrics.OutboundDropped()
		h.logger.Warn("outbound queue full", zap.String("conn", c.id), zap.String("type", string(t)))
	}
}

func (h *Hub) sendError(c *Conn, reason string, now time.Time) {
	h.sendTo(c, model.TypeError, model.ErrorData{Reason: reason}, now)
}

func (h *Hub) broadcast(role model.Role, t model.Type, data any, now time.Time) {
	b := h.encode(t, data, now)
	if b == nil {
		return
	}
	if dropped := h.registry.broadcast(role, b); dropped > 0 {
		for range dropped {
			h.metrics.OutboundDropped()
		}
		h.logger.Warn("broadcast dropped", zap.String("type", string(t)), zap.Int("peers", dropped))
	}
}

// broadcastStatus pushes the current connectivity to every dashboard.
func (h *Hub) broadcastStatus(now time.Time) {
	h.broadcast(model.RoleDashboard, model.TypeStatus, model.Status{
		ESP32Connected: h.registry.count(model.RoleESP32) > 0,
		ReactClients:   h.registry.count(model.RoleDashboard),
	}, now)
}
