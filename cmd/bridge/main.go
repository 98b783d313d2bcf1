// Bridge connects an ESP32 on a serial port to the hub. It joins the hub as
// the esp32 peer, relays every envelope line the firmware prints and writes
// hub commands back to the serial line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"pathhole/internal/client"
	"pathhole/internal/core"
	"pathhole/internal/device"
	"pathhole/internal/model"
	"pathhole/internal/util"

	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("c", "configs/config.yml", "path to configuration file")
	dev := flag.String("dev", "", "serial device (overrides config)")
	baud := flag.Int("baud", 0, "baud rate (overrides config)")
	url := flag.String("url", "", "hub websocket url (overrides config)")
	id := flag.String("id", "esp32-serial", "device id announced in hello")
	list := flag.Bool("list", false, "list serial ports and exit")
	flag.Parse()

	if *list {
		ports, err := device.Ports()
		if err != nil {
			log.Fatalf("list ports: %v", err)
		}
		for _, p := range ports {
			fmt.Println(p)
		}
		return
	}

	cfg, err := model.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *dev != "" {
		cfg.Serial.Device = *dev
	}
	if *baud > 0 {
		cfg.Serial.Baud = *baud
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	cfg.Client.Role = model.RoleESP32
	cfg.Client.DeviceID = *id

	logger, err := util.NewLogger(cfg.Log, "bridge")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	line, err := device.OpenSerial(cfg.Serial)
	if err != nil {
		logger.Fatal("open serial", zap.Error(err))
	}
	defer func() { _ = line.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peer := client.New(cfg.Client, client.Options{Logger: logger})
	gw := core.NewGateway(*id, line, peer, logger)
	for _, t := range core.GatewayCommands {
		peer.On(t, gw.Deliver)
	}
	go func() { _ = peer.Run(ctx) }()

	logger.Info("bridge running", zap.String("serial", cfg.Serial.Device), zap.Int("baud", cfg.Serial.Baud), zap.String("hub", cfg.Client.URL))
	if err := gw.Run(ctx); err != nil {
		logger.Error("serial link failed", zap.Error(err))
	}
	logger.Info("bridge stopped")
}
