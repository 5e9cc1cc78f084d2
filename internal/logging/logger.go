// Package logging builds the process loggers from a 0-5 verbosity level.
package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
)

// LevelTrace sits below debug and carries raw tool output.
const LevelTrace = slog.Level(-8)

// LevelForVerbosity maps a verbosity (0 quietest, 5 loudest) to a slog level.
func LevelForVerbosity(verbosity int) slog.Level {
	switch {
	case verbosity <= 0:
		return slog.LevelError
	case verbosity == 1:
		return slog.LevelInfo
	case verbosity == 2:
		return slog.LevelDebug
	default:
		return LevelTrace
	}
}

// New creates a logger writing to w. Terminals get the text handler,
// everything else gets JSON lines.
func New(verbosity int, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       LevelForVerbosity(verbosity),
		ReplaceAttr: replaceLevel,
	}

	if isTerminal(w) {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func replaceLevel(groups []string, a slog.Attr) slog.Attr {
	if a.Key != slog.LevelKey || len(groups) > 0 {
		return a
	}
	if level, ok := a.Value.Any().(slog.Level); ok && level <= LevelTrace {
		a.Value = slog.StringValue("TRACE")
	}
	return a
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}
