// Package logging constructs the hub's slog loggers.
package logging

import (
	"log/slog"
	"os"
)

// New builds the root logger. JSON output is for the serve path; the text
// handler keeps interactive CLI output readable.
func New(jsonMode bool) *slog.Logger {
	var handler slog.Handler
	if jsonMode {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return slog.New(handler)
}

// Component derives a child logger tagged with the owning component. A nil
// parent falls back to slog.Default so library packages never nil-check.
func Component(parent *slog.Logger, name string) *slog.Logger {
	if parent == nil {
		parent = slog.Default()
	}
	return parent.With("component", name)
}
