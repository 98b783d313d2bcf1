package core

import (
	"time"

	"pathhole/internal/model"

	"go.uber.org/zap"
)

// sweep runs one heartbeat round. A connection that has not answered the
// previous round's ping with a transport pong is terminated; every other
// connection is probed again. A silent peer is therefore dropped between one
// and two intervals after its last pong.
func (h *Hub) sweep(now time.Time) {
	var ping []byte
	for c := range h.conns {
		if c.lastSeen.Before(c.lastProbe) {
			h.metrics.Evicted()
			h.logger.Info("peer unresponsive",
				zap.String("conn", c.id), zap.String("role", string(c.role)),
				zap.Duration("silent", now.Sub(c.lastSeen)))
			h.leave(c, now)
			continue
		}
		c.lastProbe = now
		if err := c.ping(); err != nil {
			h.logger.Debug("transport ping failed", zap.String("conn", c.id), zap.Error(err))
		}
		if ping == nil {
			ping = h.encode(model.TypePing, nil, now)
		}
		c.send(ping)
	}
}
