// Package transport defines the handler interfaces and middleware chain for
// the gateway's HTTP/SSE surface.
//
// The transport layer sits between external callers and the dispatcher. It
// decodes invocation requests into the types of pkg/api, hands them to an
// InvocationHandler, and writes the results back either as one JSON body or
// as a stream of server-sent events.
//
// # Handler Interfaces
//
//   - InvocationHandler runs one invocation. DispatchHandler implements it
//     on top of a dispatcher.
//   - Catalog exposes the tool list and session states for the read-only
//     endpoints.
//
// The ResultWriter interface abstracts streaming and non-streaming output,
// so a handler can emit events or a complete result without knowing which
// one the caller asked for.
//
// # Middleware
//
// The middleware chain wraps an InvocationHandler with cross-cutting
// concerns. Built-in middleware provides panic recovery, request ID
// assignment (X-Request-ID), and structured logging via log/slog.
//
// # Cancellation
//
// InFlightRegistry maps correlation ids to the cancel functions of running
// invocations so DELETE /v1/invocations/{id} can stop one.
package transport
