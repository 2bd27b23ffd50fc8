package log

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

type correlationIDType int

const requestIDKey correlationIDType = iota

// WithRequestID returns a context which knows its request ID.
// A request ID tracks the lifecycle of a single request, such as an incoming
// sync stream, across the goroutines handling it.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// WithNewRequestID does the same thing as WithRequestID but generates a new,
// random request ID.
func WithNewRequestID(ctx context.Context) context.Context {
	return WithRequestID(ctx, uuid.NewString())
}

// ExtractRequestID extracts the request ID from the context.
func ExtractRequestID(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(requestIDKey).(string)
	return id, ok
}

// ZContext returns a field holding the request ID of the context, if any.
func ZContext(ctx context.Context) zap.Field {
	if id, ok := ExtractRequestID(ctx); ok {
		return zap.String("requestId", id)
	}
	return zap.Skip()
}
