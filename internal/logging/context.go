package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const loggerKey ctxKey = 0

// FromContext returns the logger carried by ctx, or the default logger.
func FromContext(ctx context.Context) *slog.Logger {
	if ctx != nil {
		if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok && logger != nil {
			return logger
		}
	}
	return Default()
}

// WithContext returns a context carrying logger. API requests use it to
// scope log lines to a request ID.
func WithContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// ContextWith adds attributes to the logger carried by ctx.
func ContextWith(ctx context.Context, args ...any) context.Context {
	return WithContext(ctx, FromContext(ctx).With(args...))
}

// LogContext logs at level with the context logger. Nothing is formatted
// when the level is disabled.
func LogContext(ctx context.Context, level slog.Level, msg string, args ...any) {
	logger := FromContext(ctx)
	if !logger.Enabled(ctx, level) {
		return
	}
	logger.Log(ctx, level, msg, args...)
}

// DebugContext logs at debug level using the context logger.
func DebugContext(ctx context.Context, msg string, args ...any) {
	LogContext(ctx, slog.LevelDebug, msg, args...)
}

// WarnContext logs at warn level using the context logger.
func WarnContext(ctx context.Context, msg string, args ...any) {
	LogContext(ctx, slog.LevelWarn, msg, args...)
}
