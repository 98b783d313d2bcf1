// Vehicle simulator: joins the hub as the esp32 peer and drives a simulated
// differential-drive vehicle. With -virtual the simulator talks to a serial
// bridge over a socat pseudo terminal pair instead, exercising the same path
// as real hardware.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pathhole/internal/client"
	"pathhole/internal/core"
	"pathhole/internal/device"
	"pathhole/internal/model"
	"pathhole/internal/parser"
	"pathhole/internal/util"

	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("c", "configs/config.yml", "path to configuration file")
	url := flag.String("url", "", "hub websocket url (overrides config)")
	id := flag.String("id", "VEH_SIM_01", "simulated vehicle id")
	interval := flag.Int("interval", 100, "ms between telemetry samples")
	potholes := flag.Float64("pothole-rate", 0.01, "probability of a pothole per sample while moving")
	virtual := flag.Bool("virtual", false, "route traffic through a virtual serial pair and bridge")
	flag.Parse()

	cfg, err := model.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	cfg.Client.Role = model.RoleESP32
	cfg.Client.DeviceID = *id

	logger, err := util.NewLogger(cfg.Log, "simulation")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := core.VehicleOptions{
		Interval:    time.Duration(*interval) * time.Millisecond,
		PotholeRate: *potholes,
		Seed:        uint64(time.Now().UnixNano()),
		Logger:      logger,
	}
	peer := client.New(cfg.Client, client.Options{Logger: logger})

	if !*virtual {
		veh := core.NewVehicle(*id, peer, opts)
		for _, t := range core.GatewayCommands {
			peer.On(t, veh.Handle)
		}
		go func() { _ = peer.Run(ctx) }()
		logger.Info("simulator running", zap.String("hub", cfg.Client.URL))
		_ = veh.Run(ctx)
		return
	}

	if err := runVirtual(ctx, *id, peer, opts, logger); err != nil {
		logger.Fatal("virtual serial", zap.Error(err))
	}
}

// runVirtual wires vehicle <-> pty pair <-> gateway <-> hub.
func runVirtual(ctx context.Context, id string, peer *client.Client, opts core.VehicleOptions, logger *zap.Logger) error {
	pair := util.NewVirtualSerial(logger)
	defer pair.Close()

	vehicleEnd, bridgeEnd := "/tmp/pathhole-esp32", "/tmp/pathhole-bridge"
	if err := pair.Pair(ctx, vehicleEnd, bridgeEnd); err != nil {
		return err
	}

	firmware, err := device.OpenSerial(model.SerialConfig{Device: vehicleEnd, Baud: 115200})
	if err != nil {
		return err
	}
	defer func() { _ = firmware.Close() }()
	uart, err := device.OpenSerial(model.SerialConfig{Device: bridgeEnd, Baud: 115200})
	if err != nil {
		return err
	}
	defer func() { _ = uart.Close() }()

	veh := core.NewVehicle(id, device.EnvelopeWriter{Device: firmware, Source: model.SourceESP32}, opts)
	gw := core.NewGateway(id, uart, peer, logger)
	for _, t := range core.GatewayCommands {
		peer.On(t, gw.Deliver)
	}

	go func() { _ = peer.Run(ctx) }()
	go func() { _ = gw.Run(ctx) }()
	go firmwareLoop(ctx, firmware, veh, logger)

	logger.Info("simulator running over virtual serial", zap.String("vehicle", vehicleEnd), zap.String("bridge", bridgeEnd))
	return veh.Run(ctx)
}

// firmwareLoop feeds command lines written by the gateway to the vehicle.
func firmwareLoop(ctx context.Context, dev device.Device, veh *core.Vehicle, logger *zap.Logger) {
	for ctx.Err() == nil {
		line, err := dev.ReadLine(500 * time.Millisecond)
		if errors.Is(err, device.ErrTimeout) {
			continue
		}
		if err != nil {
			logger.Warn("firmware read", zap.Error(err))
			return
		}
		env, err := parser.Decode([]byte(line))
		if err != nil {
			continue
		}
		veh.Handle(env)
	}
}
