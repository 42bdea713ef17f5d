package tools

import (
	"context"
	"encoding/json"

	"github.com/rhuss/toolmux/pkg/api"
)

// SessionCall is one invocation forwarded to a session.
type SessionCall struct {
	// CorrelationID tags every message belonging to this invocation. Sessions
	// use it as the protocol progress token.
	CorrelationID string
	Tool          string
	Arguments     json.RawMessage

	// CallerDeadline is set when the caller asked for a deadline earlier
	// than the dispatcher's default timeout. A timeout of such a call does
	// not count against the session's health.
	CallerDeadline bool
}

// ChunkFunc receives streamed chunks for one invocation. It must not block.
type ChunkFunc func(api.Chunk)

// ToolSession is a connection to a single tool server.
type ToolSession interface {
	// Name is the unique configured name of the server.
	Name() string

	// State returns the current lifecycle state.
	State() api.SessionState

	// Descriptors returns the last discovered tool set. The slice must be
	// treated as read-only.
	Descriptors() []api.ToolDescriptor

	// Call forwards one invocation and blocks until the terminal response or
	// ctx ends. Errors are *api.Failure values.
	Call(ctx context.Context, call SessionCall, onChunk ChunkFunc) (*api.ToolOutput, error)

	// Observe registers o to be told about state and descriptor changes.
	Observe(o SessionObserver)
}

// SessionObserver is notified after a session changes state or replaces its
// descriptors. Notifications are delivered without the session's locks held.
type SessionObserver interface {
	SessionChanged(s ToolSession)
}

// ObserverFunc adapts a function to SessionObserver.
type ObserverFunc func(ToolSession)

// SessionChanged calls f(s).
func (f ObserverFunc) SessionChanged(s ToolSession) { f(s) }
