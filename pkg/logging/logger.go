// Package logging configures the bridge's zerolog logger.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// NewLogger builds a zerolog logger at the given level ("debug", "info",
// "warn", "error", ...) and format ("json" or "console"/"pretty").
// An unparseable level falls back to info.
func NewLogger(level string, format string) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if format == "console" || format == "pretty" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component field.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
