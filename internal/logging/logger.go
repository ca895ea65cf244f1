// Package logging builds the slog logger shared by both binaries.
package logging

import (
	"log/slog"
	"os"
)

// envProduction matches config.Server.IsProduction; any other value is
// treated as a development environment.
const envProduction = "production"

// NewLogger creates a structured logger for the environment: JSON at
// Info level in production, human-readable text at Debug level
// everywhere else.
func NewLogger(env string) *slog.Logger {
	if env == envProduction {
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}
