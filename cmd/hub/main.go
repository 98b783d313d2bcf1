// Package main is the entry point of the relay hub. It loads the
// configuration, builds the application with fx and runs until interrupted.
package main

import (
	"context"
	"flag"

	"pathhole/internal/app"
	"pathhole/internal/model"
	"pathhole/internal/util"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"
)

type configPath string

func main() {
	cfgPath := flag.String("c", "configs/config.yml", "path to configuration file")
	flag.Parse()

	fx.New(
		fx.Supply(configPath(*cfgPath)),
		fx.Provide(loadConfig, newLogger, newRegistry, newApp),
		fx.WithLogger(func(l *zap.Logger) fxevent.Logger {
			return &fxevent.ZapLogger{Logger: l.Named("fx")}
		}),
		fx.Invoke(registerLifecycle),
	).Run()
}

func loadConfig(p configPath) (model.Config, error) {
	return model.LoadConfig(string(p))
}

func newLogger(cfg model.Config) (*zap.Logger, error) {
	return util.NewLogger(cfg.Log, "hub")
}

func newRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

func newApp(cfg model.Config, logger *zap.Logger, reg *prometheus.Registry) (*app.App, error) {
	return app.NewApp(cfg, logger, reg)
}

func registerLifecycle(lc fx.Lifecycle, a *app.App, cfg model.Config, logger *zap.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting hub", zap.String("addr", cfg.Server.Addr), zap.String("store", cfg.Store.Path))
			return a.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
			defer cancel()
			err := a.Stop(ctx)
			_ = logger.Sync()
			return err
		},
	})
}
