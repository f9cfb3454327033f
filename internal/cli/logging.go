package cli

import (
	"io"
	"log/slog"
	"os"

	"golang.org/x/term"

	"github.com/Paintersrp/stallwatch/internal/config"
)

// newLogger builds the process logger. The auto format renders text on a
// terminal and JSON everywhere else.
func newLogger(spec config.LoggingSpec, out io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(spec.Level)}

	var handler slog.Handler
	switch spec.Format {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text":
		handler = slog.NewTextHandler(out, opts)
	default:
		if isTerminal(out) {
			handler = slog.NewTextHandler(out, opts)
		} else {
			handler = slog.NewJSONHandler(out, opts)
		}
	}
	return slog.New(handler)
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return term.IsTerminal(int(f.Fd()))
	}
	return false
}
