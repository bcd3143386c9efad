// Package log carries slog helpers shared across the engine: a context
// logger, a fan-out handler, and group-based filtering for noisy
// components.
package log

import (
	"context"
	"log/slog"
)

type ctxLoggerKey struct{}

// ContextWithLogger stores the logger in the context for retrieval deep in
// worker call chains.
func ContextWithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey{}, logger)
}

// LoggerFromContext returns the context's logger, or slog.Default.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(ctxLoggerKey{}).(*slog.Logger); ok && logger != nil {
		return logger
	}
	return slog.Default()
}
