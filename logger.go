package sharedb

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with sharedb-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// WithPath adds the datafile path to the logger.
func (l *Logger) WithPath(path string) *Logger {
	return &Logger{
		Logger: l.Logger.With("path", path),
	}
}

// LogOpen logs controller construction.
func (l *Logger) LogOpen(path, lockName string) {
	l.Debug("controller ready",
		"path", path,
		"lock", lockName,
	)
}

// LogOperation logs a dispatched operation.
func (l *Logger) LogOperation(ctx context.Context, op string, duration time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "operation failed",
			"op", op,
			"duration", duration,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "operation completed",
			"op", op,
			"duration", duration,
		)
	}
}

// LogLockAcquired logs a successful lock acquisition. recovered marks a
// takeover from a holder that died without releasing.
func (l *Logger) LogLockAcquired(ctx context.Context, wait time.Duration, recovered bool) {
	if recovered {
		l.WarnContext(ctx, "lock recovered from dead holder",
			"wait", wait,
		)
	} else {
		l.DebugContext(ctx, "lock acquired",
			"wait", wait,
		)
	}
}

// LogEngineOpened logs a successful engine construction.
func (l *Logger) LogEngineOpened(ctx context.Context, duration time.Duration) {
	l.DebugContext(ctx, "engine opened",
		"duration", duration,
	)
}

// LogEngineClosed logs an engine close failure. Successful closes are routine
// and not logged.
func (l *Logger) LogEngineClosed(ctx context.Context, err error) {
	l.ErrorContext(ctx, "engine close failed",
		"error", err,
	)
}

// LogReleaseFailed logs a lock release failure that is not surfaced to the
// caller because an operation error takes precedence.
func (l *Logger) LogReleaseFailed(ctx context.Context, err error) {
	l.ErrorContext(ctx, "lock release failed",
		"error", err,
	)
}

// LogClose logs controller disposal.
func (l *Logger) LogClose(err error) {
	if err != nil {
		l.Error("controller closed with error",
			"error", err,
		)
	} else {
		l.Debug("controller closed")
	}
}
