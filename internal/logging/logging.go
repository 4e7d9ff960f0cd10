// Package logging wires log/slog to a tinted console handler, matching the
// leveled Fatal/Warn/Silent bands spec.md §7 defines: Fatal conditions are
// logged at Error and abort the process, Warn conditions are logged at
// Warn and the process continues, and Silent conditions are never logged
// at all.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

// Level is the configured console verbosity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

func (l Level) slogLevel() slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a tinted slog.Logger writing to w at the given level.
func New(w io.Writer, level Level) *slog.Logger {
	return slog.New(tint.NewHandler(w, &tint.Options{Level: level.slogLevel()}))
}

// Init builds a logger per New and installs it as slog's process-wide
// default, so every package's slog.Default() calls (parser, analyzer,
// supervisor) pick it up without an explicit dependency on this package.
func Init(level Level) *slog.Logger {
	logger := New(os.Stdout, level)
	slog.SetDefault(logger)
	return logger
}
