// Package log provides structured JSON logging for Hookline using zerolog.
//
// Call Init once at startup, then derive component loggers with
// WithComponent. All background loops log through a component logger so
// every line carries its origin.
package log

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the global logger.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string
	// Console switches to human-readable output for local development.
	Console bool
	// Output defaults to stdout when nil.
	Output io.Writer
}

var logger zerolog.Logger

func init() {
	// Usable default before Init runs (tests, early startup).
	logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// Init configures the global logger. Safe to call once at process start.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Console {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}

	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	logger = zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// Logger returns the global logger.
func Logger() zerolog.Logger {
	return logger
}

// WithComponent returns a logger tagged with the given component name.
func WithComponent(name string) *zerolog.Logger {
	l := logger.With().Str("component", name).Logger()
	return &l
}

// WithTenant returns a logger tagged with a tenant id.
func WithTenant(tenantID string) *zerolog.Logger {
	l := logger.With().Str("tenant_id", tenantID).Logger()
	return &l
}
