// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
)

// Level maps a verbosity count to a log level: 0=error, 1=warn, 2=info,
// 3 and above=debug.
func Level(verbose int) slog.Level {
	switch {
	case verbose >= 3:
		return slog.LevelDebug
	case verbose >= 2:
		return slog.LevelInfo
	case verbose >= 1:
		return slog.LevelWarn
	default:
		return slog.LevelError
	}
}

// New returns a logger writing to w. format is "text" (colored console
// output) or "json".
func New(w io.Writer, verbose int, format string) (*slog.Logger, error) {
	level := Level(verbose)

	switch strings.ToLower(format) {
	case "", "text":
		return slog.New(tint.NewHandler(w, &tint.Options{
			Level:      level,
			TimeFormat: time.TimeOnly,
		})), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})), nil
	default:
		return nil, fmt.Errorf("unsupported log format: %q", format)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
