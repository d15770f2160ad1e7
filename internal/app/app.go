// Package app wires the configured components into a running process:
// sinks, the logger pipeline, the ops server, the resource monitor, and
// the config reloader.
package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"reflect"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"auditcore/internal/config"
	"auditcore/internal/logger"
	"auditcore/internal/server"
	"auditcore/internal/sinks"
	"auditcore/pkg/hotreload"
	"auditcore/pkg/monitoring"
	"auditcore/pkg/types"
)

const shutdownTimeout = 30 * time.Second

// App owns the process lifecycle.
type App struct {
	configFile string
	cfg        *config.Config
	diag       *logrus.Logger

	pipeline *logger.Logger
	ops      *server.Server
	monitor  *monitoring.ResourceMonitor
	reloader *hotreload.ConfigReloader
}

// New loads the configuration and assembles every component.
func New(configFile string) (*App, error) {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return nil, err
	}

	app := &App{
		configFile: configFile,
		cfg:        cfg,
		diag:       cfg.Diagnostics(),
	}

	sinkList, err := app.buildSinks()
	if err != nil {
		return nil, err
	}

	app.pipeline, err = logger.New(logger.Options{
		Levels:      cfg.Logger,
		Sanitizer:   cfg.Sanitizer,
		RateLimiter: cfg.RateLimiter,
		Buffer:      cfg.Buffer,
		Batch:       cfg.Batch,
		Sinks:       sinkList,
		Provider:    logger.SpanContextProvider{},
		Diagnostics: app.diag,
	})
	if err != nil {
		return nil, err
	}

	app.ops = server.New(cfg.Server, server.Sources{
		Health: app.pipeline.Router().Healthy,
		Stats:  app.pipeline.Stats,
		DLQ:    app.pipeline.ExportDLQ,
	}, app.diag)

	app.monitor = monitoring.NewResourceMonitor(
		cfg.Monitor, app.pipeline.RateLimiter(), app.pipeline.BufferFillFraction, app.diag)

	if cfg.Reload.Enabled {
		app.reloader, err = hotreload.NewConfigReloader(cfg.Reload, configFile, app.diag)
		if err != nil {
			return nil, err
		}
		app.reloader.OnChanged(app.applyConfigChange)
	}

	return app, nil
}

func (app *App) buildSinks() ([]types.Sink, error) {
	var sinkList []types.Sink

	if app.cfg.Stdout.Enabled {
		sinkList = append(sinkList, sinks.NewStdoutSink(app.cfg.Stdout.StdoutConfig, app.diag))
	}
	if app.cfg.File.Enabled {
		fileSink, err := sinks.NewFileSink(app.cfg.File.FileConfig, app.diag)
		if err != nil {
			return nil, err
		}
		sinkList = append(sinkList, fileSink)
	}
	if app.cfg.Network.Enabled {
		networkSink, err := sinks.NewNetworkSink(app.cfg.Network.NetworkConfig, app.diag)
		if err != nil {
			return nil, err
		}
		sinkList = append(sinkList, networkSink)
	}
	if app.cfg.Kafka.Enabled {
		kafkaSink, err := sinks.NewKafkaSink(app.cfg.Kafka, app.diag)
		if err != nil {
			return nil, err
		}
		sinkList = append(sinkList, kafkaSink)
	}
	return sinkList, nil
}

// applyConfigChange applies the mutable subset of a reloaded config:
// diagnostics level, global rate limits, and sanitizer toggles.
// Structural settings (sinks, buffer sizing, batch policy) need a
// restart; a change there is reported but not applied.
func (app *App) applyConfigChange(old, next *config.Config) error {
	if next.App.LogLevel != old.App.LogLevel {
		level, err := logrus.ParseLevel(next.App.LogLevel)
		if err != nil {
			return fmt.Errorf("bad log level %q: %w", next.App.LogLevel, err)
		}
		app.diag.SetLevel(level)
		app.diag.WithField("level", next.App.LogLevel).Info("Diagnostics level changed")
	}

	if next.RateLimiter.Capacity != old.RateLimiter.Capacity ||
		next.RateLimiter.RefillRatePerSecond != old.RateLimiter.RefillRatePerSecond {
		app.pipeline.RateLimiter().SetLimits(
			next.RateLimiter.Capacity, next.RateLimiter.RefillRatePerSecond)
		app.diag.WithFields(logrus.Fields{
			"capacity": next.RateLimiter.Capacity,
			"rate":     next.RateLimiter.RefillRatePerSecond,
		}).Info("Rate limits updated")
	}

	if !reflect.DeepEqual(old.Sanitizer, next.Sanitizer) {
		app.pipeline.SetSanitizer(next.Sanitizer)
		app.diag.Info("Sanitizer configuration updated")
	}

	if old.Buffer != next.Buffer || old.Batch != next.Batch ||
		old.Network.Enabled != next.Network.Enabled ||
		old.File.Enabled != next.File.Enabled ||
		old.Kafka.Enabled != next.Kafka.Enabled {
		app.diag.Warn("Structural config changes require a restart; keeping current pipeline")
	}
	return nil
}

// Start brings the process up.
func (app *App) Start() error {
	ctx := context.Background()
	if err := app.pipeline.Start(ctx); err != nil {
		return err
	}
	app.ops.Start()
	app.monitor.Start(ctx)
	if app.reloader != nil {
		if err := app.reloader.Start(); err != nil {
			return err
		}
	}

	app.diag.WithFields(logrus.Fields{
		"app":  app.cfg.App.Name,
		"addr": app.cfg.Server.Addr,
	}).Info("AuditCore started")
	return nil
}

// Stop drains and shuts everything down in reverse order.
func (app *App) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var firstErr error
	if app.reloader != nil {
		if err := app.reloader.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	app.monitor.Stop()
	if err := app.pipeline.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := app.ops.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}

	app.diag.Info("AuditCore stopped")
	return firstErr
}

// Run starts the app and blocks until SIGINT or SIGTERM.
func (app *App) Run() error {
	if err := app.Start(); err != nil {
		return err
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	app.diag.WithField("signal", sig.String()).Info("Shutdown signal received")

	return app.Stop()
}

// Pipeline exposes the logger facade, e.g. for embedding.
func (app *App) Pipeline() *logger.Logger {
	return app.pipeline
}
