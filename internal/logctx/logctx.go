package logctx

import (
	"context"
	"log/slog"
)

type contextKey string

const (
	loggerKey   contextKey = "logger"
	handleIDKey contextKey = "handle_id"
)

// WithLogger returns a new context with the provided slog.Logger.
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// LoggerFromContext retrieves the slog.Logger from the context, or returns slog.Default() if not found.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok && l != nil {
		return l
	}

	return slog.Default()
}

// WithHandleID stores the id of the transfer handle the context belongs to.
// Records logged through a TraceHandler with this context carry it as handle_id.
func WithHandleID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, handleIDKey, id)
}

// HandleIDFromContext returns the handle id stored by WithHandleID, or "".
func HandleIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(handleIDKey).(string); ok {
		return id
	}

	return ""
}
