// Package logx builds the process slog logger from configuration strings.
package logx

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// ParseLevel converts debug|info|warn|error to a slog.Level. Unknown values
// become info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

// New returns a logger writing to stderr. format is "json" or "text".
func New(level, format string) *slog.Logger {
	return NewWriter(os.Stderr, level, format)
}

func NewWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: ParseLevel(level)}
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
