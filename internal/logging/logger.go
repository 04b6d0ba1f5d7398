// Package logging builds the structured logger the core's info/warn/error
// capability interface is satisfied by.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/poolingh/poolingh/internal/config"
)

// New builds a *slog.Logger writing to both a file under cfg.LoggingPath
// (auto-created) and stderr.
func New(cfg config.LoggingConfig) (*slog.Logger, func() error, error) {
	level := parseLevel(cfg.Level)

	if err := os.MkdirAll(cfg.LoggingPath, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create logging path %q: %w", cfg.LoggingPath, err)
	}

	logFile, err := os.OpenFile(filepath.Join(cfg.LoggingPath, "poolingh.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}

	writer := io.MultiWriter(logFile, os.Stderr)
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(writer, opts)
	} else {
		handler = slog.NewTextHandler(writer, opts)
	}

	return slog.New(handler), logFile.Close, nil
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
