package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	slogmulti "github.com/samber/slog-multi"
)

// ParseLevel maps debug|info|warn|error to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetupLogging builds the process logger: JSON on stdout, fanned out to file
// as well when file is set. The returned cleanup closes the file.
func SetupLogging(level, file string) (*slog.Logger, func() error, error) {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	stdout := slog.NewJSONHandler(os.Stdout, opts)
	if file == "" {
		return slog.New(stdout), func() error { return nil }, nil
	}

	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file: %w", err)
	}
	logger := slog.New(slogmulti.Fanout(stdout, slog.NewJSONHandler(f, opts)))
	return logger, f.Close, nil
}

// NewLogger fans JSON output to every writer. Used by tests and the CLI.
func NewLogger(level string, writers ...io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	handlers := make([]slog.Handler, 0, len(writers))
	for _, w := range writers {
		handlers = append(handlers, slog.NewJSONHandler(w, opts))
	}
	return slog.New(slogmulti.Fanout(handlers...))
}
