// Package telemetry provides the structured logger shared by every
// long-lived component, the way accbroadcastingsdk's Client carries a
// zerolog.Logger field instead of calling the global std logger.
package telemetry

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process-wide base logger. Components derive their own
// sub-logger from it via With().Str("component", name).Logger() rather than
// looking up a global.
func New(w io.Writer, level zerolog.Level) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// Component returns a sub-logger tagged with a component name, used the way
// accbroadcastingsdk tags its UDP client logger and saturdaysspinout's
// ingestion processor tags its per-stage loggers.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// Race returns a sub-logger additionally tagged with a raceId. No component
// in this module derives its logger through it.
func Race(base zerolog.Logger, raceID string) zerolog.Logger {
	return base.With().Str("raceId", raceID).Logger()
}
