// Package log provides the logging infrastructure for docstral.
//
// It exposes a factory around log/slog so every component receives its
// logger via constructor injection rather than reaching for a global:
//
//	logger := log.New(log.Config{Level: slog.LevelDebug, Format: log.FormatPretty})
//	srv := api.NewServer(api.ServerConfig{Logger: logger.With("component", "api"), ...})
package log

import (
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
)

// Logger is a type alias for *slog.Logger. Components should accept
// log.Logger as a dependency and add context via With().
type Logger = *slog.Logger

// Output formats supported by New.
const (
	// FormatText emits logfmt-style lines (default).
	FormatText = "text"

	// FormatJSON emits one JSON object per line, for log shippers.
	FormatJSON = "json"

	// FormatPretty emits colorized human-readable output for development.
	FormatPretty = "pretty"
)

// Config defines logger configuration options.
type Config struct {
	// Level sets the minimum log level. Default: slog.LevelInfo.
	Level slog.Level

	// Format selects the output format: text, json, or pretty.
	// An unknown value falls back to text.
	Format string

	// AddSource adds source file information to log entries.
	AddSource bool
}

// New creates a logger writing to os.Stderr with the given configuration.
func New(cfg Config) Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger that writes to w. Useful in tests to
// capture output in a buffer.
func NewWithWriter(w io.Writer, cfg Config) Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	case FormatPretty:
		handler = tint.NewHandler(w, &tint.Options{
			Level:      cfg.Level,
			AddSource:  cfg.AddSource,
			TimeFormat: time.Kitchen,
		})
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// NewNop creates a logger that discards all output. Test use only.
func NewNop() Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
