package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"syscall"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rhuss/toolmux/pkg/api"
)

// ErrNotReady is returned by operations that need an established connection.
var ErrNotReady = errors.New("session not connected")

// SessionFault is a session-level failure: a handshake that failed or timed
// out, or a transport that closed underneath the session.
type SessionFault struct {
	Server string
	Kind   api.FailureKind
	Err    error
}

func (f *SessionFault) Error() string {
	return fmt.Sprintf("server %q: %s: %v", f.Server, f.Kind, f.Err)
}

func (f *SessionFault) Unwrap() error { return f.Err }

// classifyHandshake maps a connect or discovery error to a fault kind.
func classifyHandshake(ctx context.Context, err error) api.FailureKind {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return api.FailureTimeout
	case errors.Is(ctx.Err(), context.Canceled):
		return api.FailureCancelled
	default:
		return api.FailureTransport
	}
}

// classifyCallError maps a tools/call error to an invocation failure.
// Errors that are neither context nor channel failures come from the remote
// side answering with a JSON-RPC error, which means the tool was reached.
func classifyCallError(ctx context.Context, err error) *api.Failure {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return api.WrapFailure(api.FailureTimeout, err)
	case errors.Is(err, context.Canceled), errors.Is(ctx.Err(), context.Canceled):
		return api.WrapFailure(api.FailureCancelled, err)
	case isTransportError(err):
		return api.WrapFailure(api.FailureTransport, err)
	default:
		return api.WrapFailure(api.FailureToolError, err)
	}
}

func isTransportError(err error) bool {
	if errors.Is(err, mcp.ErrConnectionClosed) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}

// countsAgainstHealth reports whether a failure says something about the
// server's reachability.
func countsAgainstHealth(k api.FailureKind) bool {
	return k == api.FailureTimeout || k == api.FailureTransport
}
