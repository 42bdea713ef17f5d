package transport

import (
	"context"

	"github.com/rhuss/toolmux/pkg/api"
)

// InvocationHandler runs one invocation and writes its results to w.
// Errors returned are failures of the handler itself; invocation failures
// are written to w as results.
type InvocationHandler interface {
	Invoke(ctx context.Context, req *api.InvocationRequest, w ResultWriter) error
}

// InvocationHandlerFunc is an adapter that allows using an ordinary function
// as an InvocationHandler.
type InvocationHandlerFunc func(ctx context.Context, req *api.InvocationRequest, w ResultWriter) error

// Invoke calls f(ctx, req, w).
func (f InvocationHandlerFunc) Invoke(ctx context.Context, req *api.InvocationRequest, w ResultWriter) error {
	return f(ctx, req, w)
}

// InvocationResponse is the non-streaming body of a finished invocation.
type InvocationResponse struct {
	CorrelationID string          `json:"correlation_id"`
	Tool          string          `json:"tool"`
	Server        string          `json:"server,omitempty"`
	Status        api.ResultKind  `json:"status"`
	Partials      []api.Chunk     `json:"partials,omitempty"`
	Output        *api.ToolOutput `json:"output,omitempty"`
	Failure       *api.Failure    `json:"failure,omitempty"`
}

// Catalog serves the read-only views of the gateway.
type Catalog interface {
	// Tools returns the tool definitions visible to callers.
	Tools() []api.ToolDefinition

	// Sessions returns the state of every configured server.
	Sessions() []api.SessionInfo

	// Refresh re-runs discovery on the named server.
	Refresh(ctx context.Context, server string) error
}

// ResultWriter abstracts streaming and non-streaming output for the handler.
//
// WriteEvent and WriteResult are mutually exclusive on a single writer
// instance. Calling WriteEvent after a terminal event (invocation.completed
// or invocation.failed) returns an error.
type ResultWriter interface {
	// Streaming reports whether the caller asked for events.
	Streaming() bool

	// WriteEvent sends a single streaming event.
	WriteEvent(ctx context.Context, event api.StreamEvent) error

	// WriteResult sends a complete non-streaming result.
	WriteResult(ctx context.Context, resp *InvocationResponse) error

	// Flush ensures buffered data is sent to the client. Returns an error
	// if the client has disconnected.
	Flush() error
}
