// Package api defines the core data model shared by every toolmux component.
//
// The package has no external dependencies and performs no I/O. It holds the
// types that flow between the session, registry, dispatcher, and bridge
// layers, plus the JSON envelopes used by the HTTP gateway.
//
// Core types:
//   - [ToolDescriptor]: a tool advertised by one tool server session
//   - [SessionState]: the Connecting/Ready/Degraded/Closed lifecycle of a session
//   - [InvocationRequest]: tool name, arguments, correlation id, optional deadline
//   - [InvocationResult]: Partial, Success, or Failure for one correlation id
//   - [Failure]: a classified invocation failure; implements error
//   - [APIError]: the error envelope returned by the HTTP gateway
package api
