// Package logging builds the *slog.Logger used by the event-manager
// worker. Log lines follow the "<LEVEL>: <message>" format of the original
// PostgreSQL background worker: INFO and DEBUG go to stdout, WARNING,
// ERROR, and FATAL go to stderr, and DEBUG is suppressed unless debug mode
// is enabled.
//
// This mirrors cmd/server/main.go's newLogger (build a *slog.Logger once at
// startup from a level flag) but swaps the teacher's JSON handler for a
// plain line handler matching spec §6.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
)

// levelFatal is a synthetic level above slog.LevelError for unrecoverable
// startup failures (spec §7's Fatal error class). It has no effect on
// filtering; it only changes the rendered label.
const levelFatal = slog.Level(12)

// Fatal logs msg at the FATAL level and calls os.Exit(1). It never returns.
func Fatal(logger *slog.Logger, msg string, args ...any) {
	logger.Log(context.Background(), levelFatal, msg, args...)
	os.Exit(1)
}

// New returns a *slog.Logger that renders "<LEVEL>: <message>" lines,
// splitting output between stdout (INFO, DEBUG) and stderr (WARNING,
// ERROR, FATAL). debug enables DEBUG-level output; when false, DEBUG
// records are dropped entirely (spec §6: "DEBUG is suppressed unless a
// ... debug flag is set").
func New(debug bool) *slog.Logger {
	minLevel := slog.LevelInfo
	if debug {
		minLevel = slog.LevelDebug
	}
	return slog.New(&lineHandler{minLevel: minLevel})
}

// lineHandler is a minimal slog.Handler implementation; it does not support
// grouping or structured attribute nesting beyond a flat "key=value" tail,
// which is all the worker's call sites need.
type lineHandler struct {
	minLevel slog.Level
	attrs    []slog.Attr
}

func (h *lineHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.minLevel
}

func (h *lineHandler) Handle(_ context.Context, r slog.Record) error {
	w := h.writerFor(r.Level)

	line := fmt.Sprintf("%s: %s", levelLabel(r.Level), r.Message)
	for _, a := range h.attrs {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		line += fmt.Sprintf(" %s=%v", a.Key, a.Value)
		return true
	})

	_, err := fmt.Fprintln(w, line)
	return err
}

func (h *lineHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &lineHandler{minLevel: h.minLevel, attrs: append(append([]slog.Attr{}, h.attrs...), attrs...)}
}

func (h *lineHandler) WithGroup(_ string) slog.Handler {
	// Groups are not used anywhere in this worker; return the receiver
	// unchanged rather than silently dropping attributes.
	return h
}

func (h *lineHandler) writerFor(level slog.Level) io.Writer {
	if level >= slog.LevelWarn {
		return os.Stderr
	}
	return os.Stdout
}

func levelLabel(level slog.Level) string {
	switch {
	case level >= levelFatal:
		return "FATAL"
	case level >= slog.LevelError:
		return "ERROR"
	case level >= slog.LevelWarn:
		return "WARNING"
	case level >= slog.LevelInfo:
		return "INFO"
	default:
		return "DEBUG"
	}
}
