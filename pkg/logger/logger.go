// Package logger provides ready-made zerolog.Logger values a caller can
// inject into the library's Logger config fields. The library itself does
// not fall back to them: a Logger field left at its zero value stays the
// zero zerolog.Logger.
package logger

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Default returns the package-level github.com/rs/zerolog/log logger.
func Default() zerolog.Logger {
	return log.Logger
}

// Component returns Default() with a "component" field set, useful for
// tagging log lines emitted by a specific subsystem (conn, transport,
// session) without requiring every constructor to accept a logger.
func Component(name string) zerolog.Logger {
	return log.Logger.With().Str("component", name).Logger()
}

// New builds a console-friendly logger at the given level, for use by
// cmd/ binaries that don't want JSON output on a terminal.
func New(level zerolog.Level) zerolog.Logger {
	w := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
