package transport

import (
	"context"

	"github.com/google/uuid"

	"github.com/rhuss/toolmux/pkg/api"
)

type requestIDKey struct{}

// RequestIDFromContext returns the request ID carried by ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// ContextWithRequestID attaches id to ctx.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestID assigns a UUID request ID to invocations that arrive without one.
// The HTTP adapter seeds the ID from the X-Request-ID header.
func RequestID() Middleware {
	return func(next InvocationHandler) InvocationHandler {
		return InvocationHandlerFunc(func(ctx context.Context, req *api.InvocationRequest, w ResultWriter) error {
			if RequestIDFromContext(ctx) == "" {
				ctx = ContextWithRequestID(ctx, NewRequestID())
			}
			return next.Invoke(ctx, req, w)
		})
	}
}

// NewRequestID returns a random UUID string.
func NewRequestID() string {
	return uuid.NewString()
}
