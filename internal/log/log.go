// Package log owns the process-wide zerolog configuration and hands out
// component-scoped child loggers.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// Config captures the options applied to the global logger.
type Config struct {
	Level   string    // "debug", "info", "warn", "error"; default info
	File    string    // optional log file; appended to, created if missing
	Output  io.Writer // optional writer override (wins over File), used by tests
	Console bool      // human-readable console output instead of JSON
}

var (
	once sync.Once
	base zerolog.Logger
)

// Configure initialises the global logger exactly once. Later calls are no-ops.
func Configure(cfg Config) {
	once.Do(func() {
		level := zerolog.InfoLevel
		if cfg.Level != "" {
			if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
				level = parsed
			}
		}
		zerolog.SetGlobalLevel(level)
		zerolog.TimeFieldFormat = time.RFC3339

		writer := cfg.Output
		if writer == nil {
			writer = os.Stdout
			if cfg.File != "" {
				if f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
					writer = io.MultiWriter(os.Stdout, f)
				}
			}
		}
		if cfg.Console && isatty.IsTerminal(os.Stdout.Fd()) {
			writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.TimeOnly}
		}

		base = zerolog.New(writer).With().
			Timestamp().
			Str("service", "vigil").
			Logger()
	})
}

func logger() zerolog.Logger {
	Configure(Config{})
	return base
}

// Base returns the configured base logger.
func Base() zerolog.Logger {
	return logger()
}

// WithComponent returns a child logger annotated with the given component name.
func WithComponent(component string) zerolog.Logger {
	return logger().With().Str("component", component).Logger()
}

// WithStream returns a child logger annotated with component and stream id.
func WithStream(component, streamID string) zerolog.Logger {
	return logger().With().Str("component", component).Str("stream_id", streamID).Logger()
}
