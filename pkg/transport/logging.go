package transport

import (
	"context"
	"log/slog"
	"time"

	"github.com/rhuss/toolmux/pkg/api"
)

// outcome watches what a handler writes so the log line can carry the
// invocation's terminal status.
type outcome struct {
	ResultWriter
	partials int
	status   api.ResultKind
	failure  api.FailureKind
	server   string
}

func (o *outcome) WriteEvent(ctx context.Context, e api.StreamEvent) error {
	if r := e.Result; r != nil {
		switch r.Kind {
		case api.ResultPartial:
			o.partials++
		case api.ResultFailure:
			o.status, o.server = r.Kind, r.Server
			if r.Failure != nil {
				o.failure = r.Failure.Kind
			}
		default:
			o.status, o.server = r.Kind, r.Server
		}
	}
	return o.ResultWriter.WriteEvent(ctx, e)
}

func (o *outcome) WriteResult(ctx context.Context, resp *InvocationResponse) error {
	o.partials = len(resp.Partials)
	o.status, o.server = resp.Status, resp.Server
	if resp.Failure != nil {
		o.failure = resp.Failure.Kind
	}
	return o.ResultWriter.WriteResult(ctx, resp)
}

// Logging emits one entry per invocation once its result has been written.
// Failed invocations log at Warn, handler errors at Error.
func Logging(logger *slog.Logger) Middleware {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next InvocationHandler) InvocationHandler {
		return InvocationHandlerFunc(func(ctx context.Context, req *api.InvocationRequest, w ResultWriter) error {
			start := time.Now()
			o := &outcome{ResultWriter: w}
			err := next.Invoke(ctx, req, o)

			attrs := []slog.Attr{
				slog.String("request_id", RequestIDFromContext(ctx)),
				slog.String("tool", req.Tool),
				slog.String("correlation_id", req.CorrelationID),
				slog.Bool("stream", w.Streaming()),
				slog.Int("partials", o.partials),
				slog.Duration("duration", time.Since(start)),
			}
			if o.server != "" {
				attrs = append(attrs, slog.String("server", o.server))
			}

			switch {
			case err != nil:
				attrs = append(attrs, slog.String("error", err.Error()))
				logger.LogAttrs(ctx, slog.LevelError, "invocation handler failed", attrs...)
			case o.status == api.ResultFailure:
				attrs = append(attrs, slog.String("failure_kind", string(o.failure)))
				logger.LogAttrs(ctx, slog.LevelWarn, "invocation failed", attrs...)
			default:
				logger.LogAttrs(ctx, slog.LevelInfo, "invocation completed", attrs...)
			}
			return err
		})
	}
}
