package util

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	rotatelogs "github.com/lestrrat-go/file-rotatelogs"
)

// InitLogger configures the global slog logger with JSON output and level.
// Accepts levels: debug, info, warn, error. Defaults to info on unknown input.
// When logDir is non-empty, log lines are also written to a daily-rotated
// file under it (kept for 28 days).
func InitLogger(level, logDir string) (*slog.Logger, error) {
	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn", "warning":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}
	var out io.Writer = os.Stdout
	if logDir != "" {
		if err := os.MkdirAll(logDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		rotated, err := rotatelogs.New(
			filepath.Join(logDir, "server.log.%Y%m%d"),
			rotatelogs.WithLinkName(filepath.Join(logDir, "server.log")),
			rotatelogs.WithRotationTime(24*time.Hour),
			rotatelogs.WithMaxAge(28*24*time.Hour),
		)
		if err != nil {
			return nil, fmt.Errorf("open rotated log: %w", err)
		}
		out = io.MultiWriter(os.Stdout, rotated)
	}
	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level:     slogLevel,
		AddSource: true,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
