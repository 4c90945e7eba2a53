// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// Setup configures application logging and installs the logger as the
// slog default.
func Setup(levelStr, format string) error {
	var level slog.Level
	switch strings.ToLower(levelStr) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		return fmt.Errorf("invalid log level: %s", levelStr)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler

	switch strings.ToLower(format) {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid log format: %s", format)
	}

	slog.SetDefault(slog.New(handler))
	return nil
}
