// Package main is the entry point for the ClassHub server.
//
// main stays minimal: load configuration, build the logger, hand both to
// internal/server. Everything else lives in imported packages.
//
// Configuration comes from .env (if present), the YAML file named by
// CONFIG_FILE, and the environment, in increasing precedence. See
// internal/config.
package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/sakif/classhub/internal/config"
	"github.com/sakif/classhub/internal/server"
)

func main() {
	// A missing .env is normal in production.
	_ = godotenv.Load(".env")

	cfg, err := config.Load()
	if err != nil {
		slog.New(slog.NewTextHandler(os.Stderr, nil)).Error("failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))

	// An invalid configuration still starts: the server answers every
	// request with the setup screen. Only an unreadable PORT stops here.
	srv, err := server.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Start() blocks until the server is shut down (via Ctrl+C or SIGTERM)
	if err := srv.Start(); err != nil {
		logger.Error("server error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// parseLevel maps LOG_LEVEL to a slog level. Unknown values mean info.
func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
