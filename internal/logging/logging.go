// Package logging provides the slog-based JSON logger shared by all stage
// services, plus an adapter so Watermill components log through the same
// output.
package logging

import (
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
)

var logLevelMapping = map[slog.Level]slog.Level{
	slog.LevelDebug: slog.LevelDebug,
	slog.LevelInfo:  slog.LevelInfo,
	slog.LevelWarn:  slog.LevelWarn,
	slog.LevelError: slog.LevelError,
}

// New returns a JSON logger writing to stdout, tagged with the service name so
// interleaved logs from multiple stages stay attributable.
func New(service string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	return slog.New(handler).With("service", service)
}

// Watermill adapts a slog logger for Watermill's router, publisher and
// subscriber internals.
func Watermill(log *slog.Logger) watermill.LoggerAdapter {
	if log == nil {
		panic("orderflow: slog logger cannot be nil")
	}
	return watermill.NewSlogLoggerWithLevelMapping(log, logLevelMapping)
}
