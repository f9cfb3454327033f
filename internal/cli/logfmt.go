package cli

import (
	stdcontext "context"
	"log/slog"

	"github.com/Paintersrp/stallwatch/internal/logmux"
)

func entryLevel(entry logmux.Entry) slog.Level {
	switch entry.Level {
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

// logJobEntry forwards a line of job output to logger.
func logJobEntry(logger *slog.Logger, entry logmux.Entry) {
	logger.LogAttrs(stdcontext.Background(), entryLevel(entry), entry.Message,
		slog.String("job", entry.Job),
		slog.Int("run", entry.Run),
		slog.String("stream", entry.Stream),
		slog.Time("ts", entry.Timestamp),
	)
}

// drainJobOutput logs every entry until the mux output is closed.
func drainJobOutput(logger *slog.Logger, entries <-chan logmux.Entry) {
	for entry := range entries {
		logJobEntry(logger, entry)
	}
}
