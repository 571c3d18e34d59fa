// Package logging wires the worker's structured logger. Every internal
// package gets a sub-logger tagged with its own component name, in the
// chained zerolog style used throughout the example corpus
// (logger.Info().Str(...).Msg(...)).
package logging

import (
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds the process-wide base logger, leveled from the RUNPOD_DEBUG_LEVEL
// / --rp_log_level value. Unrecognized levels fall back to info.
func New(level string) zerolog.Logger {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		Level(Level(level)).
		With().
		Timestamp().
		Logger()
}

// Level maps the documented RUNPOD_DEBUG_LEVEL values onto zerolog levels.
func Level(level string) zerolog.Level {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARNING", "WARN":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	case "INFO", "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

// Component returns a sub-logger tagged with the given component name,
// e.g. Component(base, "fetcher").
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}
