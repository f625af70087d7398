// Package logger configures the process-wide slog logger and carries
// request-scoped identity (trace id, authenticated user) through contexts.
package logger

import (
	"context"
	"log/slog"
	"os"
)

type traceKey struct{}
type userKey struct{}

func Setup(level string, format string) {
	var handler slog.Handler
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// WithTraceID stamps a trace id into the context for log correlation.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// WithUser stamps the authenticated user id into the context. Identity is
// passed explicitly through contexts, never through process globals.
func WithUser(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userKey{}, userID)
}

// UserFromContext returns the authenticated user id, if any.
func UserFromContext(ctx context.Context) (string, bool) {
	u, ok := ctx.Value(userKey{}).(string)
	return u, ok
}

// FromContext returns the default logger enriched with any request-scoped
// values present in ctx.
func FromContext(ctx context.Context) *slog.Logger {
	logger := slog.Default()
	if traceID, ok := ctx.Value(traceKey{}).(string); ok {
		logger = logger.With("trace_id", traceID)
	}
	if userID, ok := ctx.Value(userKey{}).(string); ok {
		logger = logger.With("user_id", userID)
	}
	return logger
}

func WithComponent(component string) *slog.Logger {
	return slog.Default().With("component", component)
}

func parseLevel(level string) slog.Level {
	switch level {
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
