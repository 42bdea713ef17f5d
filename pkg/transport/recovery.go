package transport

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/rhuss/toolmux/pkg/api"
)

// Recovery turns a panic below it into a server error and logs the stack.
// The panic value is not echoed to the caller.
func Recovery() Middleware {
	return func(next InvocationHandler) InvocationHandler {
		return InvocationHandlerFunc(func(ctx context.Context, req *api.InvocationRequest, w ResultWriter) (err error) {
			defer func() {
				if r := recover(); r != nil {
					slog.ErrorContext(ctx, "panic in invocation handler",
						"tool", req.Tool,
						"correlation_id", req.CorrelationID,
						"panic", fmt.Sprint(r),
						"stack", string(debug.Stack()),
					)
					err = api.NewServerError("internal error while invoking " + req.Tool)
				}
			}()
			return next.Invoke(ctx, req, w)
		})
	}
}
