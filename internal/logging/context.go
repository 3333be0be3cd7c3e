package logging

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

type contextKey string

const (
	loggerKey  contextKey = "logger"
	traceIDKey contextKey = "trace_id"
)

// GenerateTraceID generates a new trace ID
func GenerateTraceID() string {
	return uuid.NewString()
}

// FromContext retrieves the logger from context
func FromContext(ctx context.Context) zerolog.Logger {
	if l, ok := ctx.Value(loggerKey).(zerolog.Logger); ok {
		return l
	}
	return Default()
}

// NewContext creates a new context with the logger
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, l)
}

// WithTraceContext adds a trace ID to the context and returns a logger carrying it
func WithTraceContext(ctx context.Context, base zerolog.Logger) (context.Context, zerolog.Logger) {
	traceID := GenerateTraceID()
	l := base.With().Str("trace_id", traceID).Logger()
	newCtx := context.WithValue(ctx, traceIDKey, traceID)
	newCtx = context.WithValue(newCtx, loggerKey, l)
	return newCtx, l
}

// TraceIDFromContext returns the trace id stored in ctx, if any
func TraceIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(traceIDKey).(string); ok {
		return id
	}
	return ""
}

// Timed logs the duration of an operation at debug level when the returned func is called
func Timed(l zerolog.Logger, op string) func() {
	start := time.Now()
	return func() {
		l.Debug().Str("op", op).Dur("duration", time.Since(start)).Msg("operation finished")
	}
}
