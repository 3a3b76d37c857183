// Package logging builds the process-wide zerolog logger from configuration.
package logging

import (
	"os"

	"github.com/rs/zerolog"

	"github.com/clipforge/ingestgate/internal/config"
)

// New creates a zerolog.Logger from LoggingConfig. JSON output is the
// default; console format is for interactive use of the CLI.
func New(cfg config.LoggingConfig) zerolog.Logger {
	var logger zerolog.Logger
	if cfg.Format == "console" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		logger = zerolog.New(os.Stderr)
	}
	return logger.Level(cfg.ParseLevel()).With().Timestamp().Logger()
}
