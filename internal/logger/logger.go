package logger

import (
	"io"
	"log/slog"
	"os"
)

// New creates a new slog.Logger instance that writes to os.Stdout.
// If debug is true, the log level is set to Debug. Otherwise, it's set to Info.
// format selects the handler: "text" for human-readable output, anything else for JSON.
func New(debug bool, format string) *slog.Logger {
	return NewWithWriter(os.Stdout, debug, format)
}

// NewWithWriter creates a new slog.Logger instance with a specific writer.
func NewWithWriter(w io.Writer, debug bool, format string) *slog.Logger {
	var level slog.Level
	if debug {
		level = slog.LevelDebug
	} else {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

// KeySuffix returns the last four characters of a secret so it can be logged safely.
func KeySuffix(key string) string {
	if len(key) > 4 {
		return key[len(key)-4:]
	}
	return key
}
