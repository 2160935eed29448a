package logger

import (
	"context"
	"log/slog"
	"time"
)

// ContextKey is the type of the request keys carried in a context.
type ContextKey string

const (
	UserIDKey    ContextKey = "user_id"
	RequestIDKey ContextKey = "request_id"
	OperationKey ContextKey = "operation"
)

var contextKeys = []ContextKey{UserIDKey, RequestIDKey, OperationKey}

// GlobalContext is set by Init.
var GlobalContext *ContextLogger

// ContextLogger logs with the request keys found in a context.
type ContextLogger struct {
	logger *slog.Logger
}

// NewContextLogger wraps logger.
func NewContextLogger(logger *slog.Logger) *ContextLogger {
	return &ContextLogger{logger: logger}
}

// WithContext returns a logger carrying the context's request keys.
func (cl *ContextLogger) WithContext(ctx context.Context) *slog.Logger {
	attrs := contextAttrs(ctx)
	if len(attrs) == 0 {
		return cl.logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return cl.logger.With(args...)
}

// LogDuration records how long operation took.
func (cl *ContextLogger) LogDuration(ctx context.Context, operation string, d time.Duration) {
	cl.WithContext(ctx).InfoContext(ctx, "operation completed",
		string(OperationKey), operation,
		"duration_ms", d.Milliseconds())
}

// LogError records a failed operation.
func (cl *ContextLogger) LogError(ctx context.Context, operation string, err error) {
	cl.WithContext(ctx).ErrorContext(ctx, "operation failed",
		string(OperationKey), operation,
		"error", err)
}

func contextAttrs(ctx context.Context) []slog.Attr {
	if ctx == nil {
		return nil
	}
	var attrs []slog.Attr
	for _, k := range contextKeys {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			attrs = append(attrs, slog.String(string(k), v))
		}
	}
	return attrs
}

func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, UserIDKey, userID)
}

func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

func WithOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, OperationKey, operation)
}
