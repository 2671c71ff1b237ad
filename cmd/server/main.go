// Command server runs the SafeTrade settlement API.
package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mbd888/safetrade/internal/config"
	"github.com/mbd888/safetrade/internal/logging"
	"github.com/mbd888/safetrade/internal/server"
	"github.com/mbd888/safetrade/internal/traces"
)

// Set with -ldflags "-X main.Version=...".
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(config.DefaultLogLevel, "text").Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With("version", Version)
	slog.SetDefault(logger)

	if err := run(context.Background(), cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	traces.Version = Version
	storage := "memory"
	if cfg.DatabaseURL != "" {
		storage = "postgres"
	}
	logger.Info("starting safetrade",
		"commit", Commit,
		"build_time", BuildTime,
		"env", cfg.Env,
		"storage", storage,
		"platform_fee_percent", cfg.PlatformFeePercent,
	)

	srv, err := server.New(cfg, server.WithLogger(logger))
	if err != nil {
		return err
	}
	return srv.Run(ctx)
}
