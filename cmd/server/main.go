// Package main provides the entry point for the relay server.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"

	"github.com/omochice/ironwire/internal/blob"
	"github.com/omochice/ironwire/internal/config"
	"github.com/omochice/ironwire/internal/server"
	"github.com/omochice/ironwire/internal/telemetry/logger"
	"github.com/omochice/ironwire/internal/telemetry/metric"
)

// Build information, set via ldflags.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "ironwire-server",
		Usage:   "real-time websocket relay",
		Version: fmt.Sprintf("%s (commit: %s)", version, commit),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to a YAML configuration file",
				EnvVars: []string{"IRONWIRE_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "override server.http.addr",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	path := c.String("config")
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if addr := c.String("addr"); addr != "" {
		cfg.Server.HTTP.Addr = addr
	}

	log, err := logger.New(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: os.Stderr,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	slog.SetDefault(log)

	log.Info("starting ironwire-server",
		slog.String("version", version),
		slog.String("config", path))

	store, err := blob.OpenBadger(cfg.Blob.Dir, log)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Warn("failed to close blob store", slog.Any("error", err))
		}
	}()

	srv := server.New(cfg, server.Deps{
		Logger:  log,
		Store:   store,
		Metrics: metric.NewRegistry(),
	})

	if path != "" {
		w, err := config.NewWatcher(path, config.WithWatcherLogger(log))
		if err != nil {
			log.Warn("config reload disabled", slog.Any("error", err))
		} else {
			w.OnChange(func(next *config.Config) {
				if err := logger.SetLevel(next.Log.Level); err != nil {
					log.Warn("ignoring log level change", slog.Any("error", err))
					return
				}
				log.Info("log level updated", slog.String("level", logger.GetLevel()))
			})
			w.StartAsync()
			defer w.Stop()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		srv.Stop()
		return err
	case <-ctx.Done():
		log.Info("received shutdown signal")
		srv.Stop()
		return <-errCh
	}
}
