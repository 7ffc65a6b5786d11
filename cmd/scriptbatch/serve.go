package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/loykin/scriptbatch"
)

const defaultShutdownGrace = 30 * time.Second

func runServe(ctx context.Context, flags ServeFlags) error {
	cfg, err := scriptbatch.LoadConfig(flags.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if flags.Daemonize {
		return daemonize(flags.PidFile, flags.LogFile)
	}

	slog.SetDefault(cfg.Logger().NewSlogger())

	if flags.PidFile != "" {
		if err := writePidFile(flags.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(flags.PidFile) }()
	}

	svc, err := scriptbatch.Open(ctx, cfg)
	if err != nil {
		return err
	}
	slog.Info("Starting scriptbatch", "workers", cfg.Workers.Size, "server", cfg.Server.Enabled)

	serveErr := svc.Serve(ctx)

	grace := cfg.Workers.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	slog.Info("Shutting down", "grace", grace)
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), grace)
	defer cancel()
	return errors.Join(serveErr, svc.Close(closeCtx))
}
