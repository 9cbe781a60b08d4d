// Package logging provides structured logging for casscope.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates the process logger. Format should be "json" or "text";
// verbose drops the level to debug and adds source locations. A non-nil
// ring receives a copy of every record for the admin listener's
// recent-logs view.
func New(format string, verbose bool, ring *Ring) *slog.Logger {
	handler := newHandler(os.Stderr, format, verbose)
	if ring != nil {
		handler = ring.Wrap(handler)
	}
	return slog.New(handler)
}

// NewWithWriter creates a logger that writes to a custom writer.
// Useful for testing.
func NewWithWriter(w io.Writer, format string, verbose bool) *slog.Logger {
	return slog.New(newHandler(w, format, verbose))
}

func newHandler(w io.Writer, format string, verbose bool) slog.Handler {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
		// Add source location for debug level
		AddSource: verbose,
	}

	switch strings.ToLower(format) {
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		// Default to JSON for structured logging
		return slog.NewJSONHandler(w, opts)
	}
}

// SetDefault sets the default logger for the slog package.
func SetDefault(logger *slog.Logger) {
	slog.SetDefault(logger)
}
