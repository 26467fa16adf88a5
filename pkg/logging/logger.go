// Package logging provides structured logging configuration and utilities.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	slogzerolog "github.com/samber/slog-zerolog"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Pretty bool
	// Output defaults to os.Stdout.
	Output io.Writer
}

// NewLogger builds a slog logger backed by zerolog: JSON records by default, a console
// writer when Pretty. Colors are only used on a terminal stream.
func NewLogger(cfg Config) *slog.Logger {
	var output io.Writer = cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
			NoColor:    output != os.Stdout && output != os.Stderr,
		}
	}
	zl := zerolog.New(output).With().Timestamp().Logger()

	handler := slogzerolog.Option{
		Level:  ParseLevel(cfg.Level),
		Logger: &zl,
	}.NewZerologHandler()
	return slog.New(handler)
}

// ParseLevel maps debug, info, warn and error to slog levels. Unknown values fall back to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
