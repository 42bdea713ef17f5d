package transport

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/rhuss/toolmux/pkg/api"
)

// recordingWriter is a minimal ResultWriter for testing.
type recordingWriter struct {
	streaming bool
	events    []api.StreamEvent
	result    *InvocationResponse
	flushed   bool

	// failAfter makes WriteEvent return err once that many events were written.
	failAfter int
	err       error
}

func (w *recordingWriter) Streaming() bool { return w.streaming }

func (w *recordingWriter) WriteEvent(_ context.Context, event api.StreamEvent) error {
	if w.err != nil && len(w.events) >= w.failAfter {
		return w.err
	}
	w.events = append(w.events, event)
	return nil
}

func (w *recordingWriter) WriteResult(_ context.Context, resp *InvocationResponse) error {
	w.result = resp
	return nil
}

func (w *recordingWriter) Flush() error {
	w.flushed = true
	return nil
}

func passthrough(context.Context, *api.InvocationRequest, ResultWriter) error { return nil }

func TestChainOrderAndNilSkipping(t *testing.T) {
	var order []string
	tag := func(name string) Middleware {
		return func(next InvocationHandler) InvocationHandler {
			return InvocationHandlerFunc(func(ctx context.Context, req *api.InvocationRequest, w ResultWriter) error {
				order = append(order, "+"+name)
				defer func() { order = append(order, "-"+name) }()
				return next.Invoke(ctx, req, w)
			})
		}
	}

	h := Chain(tag("auth"), nil, tag("guard"))(InvocationHandlerFunc(func(context.Context, *api.InvocationRequest, ResultWriter) error {
		order = append(order, "dispatch")
		return nil
	}))
	if err := h.Invoke(context.Background(), &api.InvocationRequest{}, &recordingWriter{}); err != nil {
		t.Fatal(err)
	}

	want := "+auth +guard dispatch -guard -auth"
	if got := strings.Join(order, " "); got != want {
		t.Errorf("order = %q, want %q", got, want)
	}
}

func TestChainWithoutMiddleware(t *testing.T) {
	called := false
	h := Chain()(InvocationHandlerFunc(func(context.Context, *api.InvocationRequest, ResultWriter) error {
		called = true
		return nil
	}))
	_ = h.Invoke(context.Background(), &api.InvocationRequest{}, &recordingWriter{})
	if !called {
		t.Error("empty chain did not reach the handler")
	}
}

func TestRecovery(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(prev) })

	h := Recovery()(InvocationHandlerFunc(func(context.Context, *api.InvocationRequest, ResultWriter) error {
		panic("secret detail")
	}))
	err := h.Invoke(context.Background(), &api.InvocationRequest{Tool: "query", CorrelationID: "call_panic"}, &recordingWriter{})

	apiErr, ok := err.(*api.APIError)
	if !ok {
		t.Fatalf("err = %T %v, want *api.APIError", err, err)
	}
	if apiErr.Type != api.ErrorTypeServerError || !strings.Contains(apiErr.Message, "query") {
		t.Errorf("error = %+v", apiErr)
	}
	if strings.Contains(apiErr.Message, "secret detail") {
		t.Error("panic value leaked to the caller")
	}
	for _, want := range []string{"panic in invocation handler", "secret detail", "correlation_id=call_panic", "stack="} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log missing %q:\n%s", want, buf.String())
		}
	}

	if err := Recovery()(InvocationHandlerFunc(passthrough)).Invoke(context.Background(), &api.InvocationRequest{}, &recordingWriter{}); err != nil {
		t.Errorf("normal execution returned %v", err)
	}
}

func TestRequestID(t *testing.T) {
	var seen []string
	h := RequestID()(InvocationHandlerFunc(func(ctx context.Context, _ *api.InvocationRequest, _ ResultWriter) error {
		seen = append(seen, RequestIDFromContext(ctx))
		return nil
	}))

	for i := 0; i < 50; i++ {
		_ = h.Invoke(context.Background(), &api.InvocationRequest{}, &recordingWriter{})
	}
	unique := make(map[string]bool)
	for _, id := range seen {
		if _, err := uuid.Parse(id); err != nil {
			t.Fatalf("request ID %q is not a UUID: %v", id, err)
		}
		unique[id] = true
	}
	if len(unique) != 50 {
		t.Errorf("got %d unique IDs, want 50", len(unique))
	}

	seen = nil
	_ = h.Invoke(ContextWithRequestID(context.Background(), "from-header"), &api.InvocationRequest{}, &recordingWriter{})
	if seen[0] != "from-header" {
		t.Errorf("existing ID replaced with %q", seen[0])
	}
	if RequestIDFromContext(context.Background()) != "" {
		t.Error("empty context should carry no request ID")
	}
}

func TestLoggingRecordsOutcome(t *testing.T) {
	tests := []struct {
		name      string
		streaming bool
		handler   InvocationHandlerFunc
		want      []string
	}{
		{
			name: "json success",
			handler: func(ctx context.Context, req *api.InvocationRequest, w ResultWriter) error {
				return w.WriteResult(ctx, &InvocationResponse{
					Status: api.ResultSuccess, Server: "sql",
					Partials: []api.Chunk{{Message: "a"}, {Message: "b"}},
				})
			},
			want: []string{"level=INFO", "invocation completed", "server=sql", "partials=2", "stream=false"},
		},
		{
			name:      "streamed failure",
			streaming: true,
			handler: func(ctx context.Context, req *api.InvocationRequest, w ResultWriter) error {
				partial := api.Partial(req.CorrelationID, api.Chunk{Progress: 1})
				if err := w.WriteEvent(ctx, api.StreamEvent{Result: &partial}); err != nil {
					return err
				}
				failed := api.Failed(req.CorrelationID, api.NewFailure(api.FailureTimeout, "too slow"))
				failed.Server = "sql"
				return w.WriteEvent(ctx, api.StreamEvent{Result: &failed})
			},
			want: []string{"level=WARN", "invocation failed", "failure_kind=timeout", "partials=1", "stream=true"},
		},
		{
			name: "handler error",
			handler: func(context.Context, *api.InvocationRequest, ResultWriter) error {
				return api.NewServerError("journal down")
			},
			want: []string{"level=ERROR", "invocation handler failed", "journal down"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, nil))
			ctx := ContextWithRequestID(context.Background(), "req-1")

			_ = Logging(logger)(tt.handler).Invoke(ctx,
				&api.InvocationRequest{Tool: "query", CorrelationID: "call_log"},
				&recordingWriter{streaming: tt.streaming})

			out := buf.String()
			for _, want := range append(tt.want, "request_id=req-1", "tool=query", "correlation_id=call_log") {
				if !strings.Contains(out, want) {
					t.Errorf("log missing %q:\n%s", want, out)
				}
			}
		})
	}
}
