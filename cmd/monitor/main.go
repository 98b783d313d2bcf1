// Monitor is a headless dashboard: it joins the hub as a dashboard peer and
// logs what a dashboard would show.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pathhole/internal/client"
	"pathhole/internal/model"
	"pathhole/internal/util"

	"go.uber.org/zap"
)

func main() {
	cfgPath := flag.String("c", "configs/config.yml", "path to configuration file")
	url := flag.String("url", "", "hub websocket url (overrides config)")
	every := flag.Duration("summary", 5*time.Second, "interval between state summaries")
	flag.Parse()

	cfg, err := model.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *url != "" {
		cfg.Client.URL = *url
	}
	cfg.Client.Role = model.RoleDashboard

	logger, err := util.NewLogger(cfg.Log, "monitor")
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	peer := client.New(cfg.Client, client.Options{Logger: logger})
	peer.On(model.TypeStatus, func(model.Envelope) {
		s := peer.State().Status
		logger.Info("status", zap.Bool("esp32", s.ESP32Connected), zap.Int("dashboards", s.ReactClients))
	})
	peer.On(model.TypePothole, func(model.Envelope) {
		if p := peer.State().Pothole; p != nil {
			logger.Warn("pothole", zap.String("severity", p.Severity), zap.Float64("value", p.Value))
		}
	})
	peer.On(model.TypeRouteComplete, func(model.Envelope) {
		if r := peer.State().Route; r != nil && r.RouteID != nil {
			logger.Info("route complete", zap.String("route", *r.RouteID))
		} else {
			logger.Info("route complete")
		}
	})
	peer.On(model.TypeError, func(model.Envelope) {
		logger.Warn("hub error", zap.String("reason", peer.State().LastError))
	})

	go func() { _ = peer.Run(ctx) }()

	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := peer.State()
			fields := []zap.Field{zap.Bool("connected", st.Connected)}
			if t := st.Telemetry; t != nil {
				fields = append(fields, zap.Int("speedLeft", t.SpeedLeft), zap.Int("speedRight", t.SpeedRight))
				if t.PosX != nil && t.PosY != nil {
					fields = append(fields, zap.Float64("x", *t.PosX), zap.Float64("y", *t.PosY))
				}
			}
			logger.Info("summary", fields...)
		}
	}
}
