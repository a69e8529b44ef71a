package telemetry

import (
	"log/slog"
	"os"
	"strings"
)

// NewLogger builds the process-wide structured logger. format is "json" or
// "text"; level is any value log/slog.Level.UnmarshalText accepts.
func NewLogger(format, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: lvl}

	var handler slog.Handler
	if strings.EqualFold(format, "text") {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
