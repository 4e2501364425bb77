// Package logging provides the process-wide structured logger used by the
// daemon and CLI. It wraps log/slog with an atomically-swappable handler
// so the log level and format can change at runtime (e.g. on SIGHUP) and
// so tests can install a capturing handler without touching global state
// races.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

var (
	levelVar   slog.LevelVar
	opLogger   atomic.Pointer[slog.Logger]
)

func init() {
	opLogger.Store(newLogger(os.Stderr, "text"))
}

func newLogger(w io.Writer, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: &levelVar}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	return slog.New(h)
}

// Init installs the process-wide logger. format is "json" or "text";
// level is one of debug/info/warn/error.
func Init(format, level string) {
	switch level {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
	opLogger.Store(newLogger(os.Stderr, format))
}

// SetLevel changes the active log level without replacing the handler.
func SetLevel(level string) {
	SetLevelFromString(level)
}

// SetLevelFromString sets the log level from a string. Valid values:
// debug, info, warn/warning, error (case-insensitive); anything else
// falls back to info.
func SetLevelFromString(level string) {
	switch strings.ToLower(level) {
	case "debug":
		levelVar.Set(slog.LevelDebug)
	case "warn", "warning":
		levelVar.Set(slog.LevelWarn)
	case "error":
		levelVar.Set(slog.LevelError)
	default:
		levelVar.Set(slog.LevelInfo)
	}
}

// Op returns the process-wide operational logger.
func Op() *slog.Logger {
	return opLogger.Load()
}

// ForJob returns a logger tagged with run/job identifiers, for use along
// the executor's hot path so every line it emits is attributable without
// callers repeating the attributes.
func ForJob(runID, jobID string) *slog.Logger {
	return Op().With("run_id", runID, "job_id", jobID)
}

// ForStep extends a job logger with a step identifier.
func ForStep(l *slog.Logger, stepID string) *slog.Logger {
	return l.With("step_id", stepID)
}

// WithContext stashes a logger in a context so deep call chains
// (store -> scheduler -> executor -> agent) don't have to thread it
// explicitly through every function signature.
type ctxKey struct{}

// WithContext returns a context carrying l, retrievable with FromContext.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the logger stashed by WithContext, or the process
// logger if none was stashed.
func FromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(ctxKey{}).(*slog.Logger); ok {
		return l
	}
	return Op()
}
