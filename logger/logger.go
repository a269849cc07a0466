// Package logger builds the structured slog.Logger shared by every
// component.
package logger

import (
	"log/slog"
	"os"
	"strings"
)

// New builds a JSON-handler slog.Logger tagged with the given component
// name, with its level taken from LOG_LEVEL (DEBUG|INFO|WARN|ERROR,
// default INFO).
func New(component string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: levelFromEnv()}
	base := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	return base.With(slog.String("component", component))
}

func levelFromEnv() slog.Level {
	switch strings.ToUpper(os.Getenv("LOG_LEVEL")) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
