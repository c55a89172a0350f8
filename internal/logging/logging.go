// Package logging constructs Stratum's slog handler. Grounded directly on
// cmd/vista's initLogger: a level and format chosen from environment
// variables, writing structured output to stderr so stdout stays reserved
// for command results the CLI prints for scripting.
package logging

import (
	"log/slog"
	"os"
)

// Init builds and installs the process-wide default logger from
// STRATUM_LOG_LEVEL (debug|info|warn|error, default info) and
// STRATUM_LOG_FORMAT (text|json, default text).
func Init() *slog.Logger {
	level := slog.LevelInfo
	switch os.Getenv("STRATUM_LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if os.Getenv("STRATUM_LOG_FORMAT") == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Default mirrors the defaults()-style fallback every component uses when
// no logger was explicitly wired in (tests, or library callers that never
// called Init).
func Default(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return slog.Default()
}
