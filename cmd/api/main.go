package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/markdave123-py/drivesync/internal/app"
	"github.com/markdave123-py/drivesync/internal/config"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.LoadConfig()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	logger := app.NewLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		logger.Error("refusing to start, invalid configuration", "err", err)
		os.Exit(1)
	}
	if cfg.PublicBaseURL == "" {
		logger.Warn("PUBLIC_BASE_URL not set, new subscriptions cannot be created")
	}

	application, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", "err", err)
		os.Exit(1)
	}
	defer application.Close()

	application.Start(ctx, true)
	server := app.NewServer(application)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	logger.Info("drivesync is running", "index", cfg.IndexBackend, "state", cfg.StateBackend)
	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server error", "err", err)
		}
		cancel()
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), 15*time.Second)
	defer stop()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown", "err", err)
	}
	logger.Info("shutting down...")
}
