// Package app wires the hub, the checkpoint writer, the route store and the
// HTTP surface into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"pathhole/internal/checkpoint"
	"pathhole/internal/core"
	"pathhole/internal/metrics"
	"pathhole/internal/model"
	"pathhole/internal/store"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// App is the hub process.
type App struct {
	cfg     model.Config
	logger  *zap.Logger
	Store   *store.Store
	Hub     *core.Hub
	Writer  *checkpoint.Writer
	Metrics *metrics.Recorder
	Mux     *http.ServeMux
	Server  *http.Server

	kafka    *checkpoint.KafkaSink
	stats    *expirable.LRU[string, model.RouteStats]
	listener net.Listener
	cancel   context.CancelFunc
	hubDone  chan error
	stopOnce sync.Once
}

// NewApp opens the store and builds every component. Nothing runs until Start.
func NewApp(cfg model.Config, logger *zap.Logger, reg *prometheus.Registry) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	st, err := store.Open(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("[app] %w", err)
	}
	rec := metrics.NewRecorder(reg)

	writer := checkpoint.NewWriter(cfg.Checkpoint, logger, rec)
	writer.AddSink("bolt", st)

	a := &App{
		cfg:     cfg,
		logger:  logger.Named("app"),
		Store:   st,
		Writer:  writer,
		Metrics: rec,
		Mux:     http.NewServeMux(),
		stats:   expirable.NewLRU[string, model.RouteStats](cfg.Server.StatsCacheSize, nil, cfg.Server.StatsCacheTTL),
	}

	if cfg.Kafka.Enabled {
		ks, err := checkpoint.NewKafkaSink(cfg.Kafka)
		if err != nil {
			_ = st.Close()
			return nil, fmt.Errorf("[app] %w", err)
		}
		a.kafka = ks
		writer.AddSink("kafka", ks)
	}

	a.Hub = core.New(cfg.Hub, core.Options{
		Logger:      logger,
		Metrics:     rec,
		Checkpoints: writer,
	})

	a.registerRoutes()
	return a, nil
}

// Start binds the listener and runs the hub, the writer and the HTTP server
// in the background.
func (a *App) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.Addr)
	if err != nil {
		return fmt.Errorf("[app] listen %s: %w", a.cfg.Server.Addr, err)
	}
	a.listener = ln

	a.Writer.Start()
	hubCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	a.cancel = cancel
	a.hubDone = make(chan error, 1)
	go func() { a.hubDone <- a.Hub.Run(hubCtx) }()

	a.Server = &http.Server{Handler: a.Mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := a.Server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server failed", zap.Error(err))
		}
	}()
	a.logger.Info("listening", zap.String("addr", ln.Addr().String()), zap.String("ws", a.cfg.Server.WSPath))
	return nil
}

// Addr is the bound listener address, or "" before Start.
func (a *App) Addr() string {
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Stop shuts the server down, stops the hub, flushes pending checkpoints and
// closes the store.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if a.Server != nil {
			if err := a.Server.Shutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("[app] http shutdown: %w", err))
			}
		}
		if a.cancel != nil {
			a.cancel()
			<-a.hubDone
		}
		if err := a.Writer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("[app] checkpoint flush: %w", err))
		}
		if a.kafka != nil {
			if err := a.kafka.Close(); err != nil {
				errs = append(errs, fmt.Errorf("[app] kafka close: %w", err))
			}
		}
		if err := a.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("[app] store close: %w", err))
		}
		a.logger.Info("stopped")
	})
	return errors.Join(errs...)
}
