// FILE: logging.go
// Package main – Structured logging setup.
//
// One zerolog root is built at boot; every component takes a child logger
// tagged with its name (component=trader, component=safety, ...) so log
// lines can be filtered per subsystem. LOG_LEVEL and LOG_FORMAT are env
// knobs: format "console" writes human-readable lines for an attached
// terminal, anything else emits JSON for collectors.

package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// newRootLogger builds the process-wide logger from env knobs.
func newRootLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(getEnv("LOG_LEVEL", "info")))
	if err != nil {
		level = zerolog.InfoLevel
	}

	var out io.Writer = os.Stdout
	if strings.EqualFold(getEnv("LOG_FORMAT", "console"), "console") {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// componentLogger tags a child logger for one subsystem.
func componentLogger(root zerolog.Logger, name string) zerolog.Logger {
	return root.With().Str("component", name).Logger()
}
