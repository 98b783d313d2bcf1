package core

import (
	"context"
	"errors"
	"time"

	"pathhole/internal/device"
	"pathhole/internal/model"
	"pathhole/internal/parser"

	"go.uber.org/zap"
)

// Uplink is the hub-facing side of a gateway.
type Uplink interface {
	SendRaw(b []byte) error
}

// GatewayCommands are the envelope types a gateway writes to the vehicle.
var GatewayCommands = []model.Type{
	model.TypeMotorControl,
	model.TypePathCommand,
	model.TypeAutoDrive,
	model.TypePing,
}

// Gateway bridges a vehicle on a serial line to the hub. Lines read from the
// device are validated and relayed verbatim; commands from the hub are
// written back one envelope per line.
type Gateway struct {
	ID     string
	Device device.Device
	uplink Uplink
	logger *zap.Logger
}

// NewGateway constructs a gateway over dev.
func NewGateway(id string, dev device.Device, up Uplink, logger *zap.Logger) *Gateway {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{ID: id, Device: dev, uplink: up, logger: logger.Named("gateway").With(zap.String("gateway", id))}
}

// Run relays device lines until ctx is cancelled or the device fails.
func (g *Gateway) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		line, err := g.Device.ReadLine(500 * time.Millisecond)
		switch {
		case errors.Is(err, device.ErrTimeout):
			continue
		case errors.Is(err, device.ErrClosed):
			return nil
		case err != nil:
			return err
		}
		g.relay([]byte(line))
	}
}

func (g *Gateway) relay(line []byte) {
	env, err := parser.Decode(line)
	if err != nil {
		g.logger.Debug("line dropped", zap.ByteString("line", line), zap.Error(err))
		return
	}
	// the uplink announces itself on connect
	if env.Type == model.TypeHello {
		return
	}
	if err := g.uplink.SendRaw(line); err != nil {
		g.logger.Debug("uplink send failed", zap.String("type", string(env.Type)), zap.Error(err))
	}
}

// Deliver writes a hub command to the vehicle.
func (g *Gateway) Deliver(env model.Envelope) {
	b, err := env.Marshal()
	if err != nil {
		g.logger.Warn("encode command", zap.String("type", string(env.Type)), zap.Error(err))
		return
	}
	if err := g.Device.WriteLine(string(b)); err != nil {
		g.logger.Warn("device write failed", zap.String("type", string(env.Type)), zap.Error(err))
	}
}
