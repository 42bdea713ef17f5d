package transport

import (
	"context"

	"github.com/rhuss/toolmux/pkg/api"
)

// Invoker starts an invocation and returns its result stream.
type Invoker interface {
	Invoke(ctx context.Context, req api.InvocationRequest) <-chan api.InvocationResult
}

// DispatchHandler returns an InvocationHandler that runs requests through
// inv. Streaming callers receive invocation.created, one
// invocation.partial per chunk, and the terminal event. Other callers get
// one InvocationResponse once the invocation ends.
func DispatchHandler(inv Invoker) InvocationHandler {
	return InvocationHandlerFunc(func(ctx context.Context, req *api.InvocationRequest, w ResultWriter) error {
		if req.CorrelationID == "" {
			req.CorrelationID = api.NewCorrelationID()
		}
		results := inv.Invoke(ctx, *req)

		if w.Streaming() {
			return streamResults(ctx, req, results, w)
		}

		resp := &InvocationResponse{CorrelationID: req.CorrelationID, Tool: req.Tool}
		for r := range results {
			if r.Server != "" {
				resp.Server = r.Server
			}
			switch {
			case !r.Terminal():
				if r.Chunk != nil {
					resp.Partials = append(resp.Partials, *r.Chunk)
				}
			default:
				resp.Status = r.Kind
				resp.Output = r.Output
				resp.Failure = r.Failure
			}
		}
		if resp.Status == "" {
			resp.Status = api.ResultFailure
			resp.Failure = api.NewFailure(api.FailureCancelled, "invocation ended without a result")
		}
		return w.WriteResult(ctx, resp)
	})
}

func streamResults(ctx context.Context, req *api.InvocationRequest, results <-chan api.InvocationResult, w ResultWriter) error {
	seq := 0
	next := func(t api.StreamEventType, r *api.InvocationResult) api.StreamEvent {
		seq++
		return api.StreamEvent{Type: t, SequenceNumber: seq, CorrelationID: req.CorrelationID, Result: r}
	}

	if err := w.WriteEvent(ctx, next(api.EventInvocationCreated, nil)); err != nil {
		return err
	}

	sawTerminal := false
	for r := range results {
		r := r
		if r.Terminal() {
			sawTerminal = true
		}
		if err := w.WriteEvent(ctx, next(api.EventTypeFor(r), &r)); err != nil {
			// Keep draining so the dispatcher can release the invocation.
			for range results {
			}
			return err
		}
	}
	if !sawTerminal {
		r := api.Failed(req.CorrelationID, api.NewFailure(api.FailureCancelled, "invocation ended without a result"))
		return w.WriteEvent(ctx, next(api.EventInvocationFailed, &r))
	}
	return nil
}
