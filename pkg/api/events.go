package api

// StreamEventType identifies the type of a streaming event.
type StreamEventType string

// Invocation lifecycle events sent over SSE by the gateway.
const (
	EventInvocationCreated   StreamEventType = "invocation.created"
	EventInvocationPartial   StreamEventType = "invocation.partial"
	EventInvocationCompleted StreamEventType = "invocation.completed"
	EventInvocationFailed    StreamEventType = "invocation.failed"
)

// StreamEvent represents a single server-sent event in a streamed invocation.
type StreamEvent struct {
	Type           StreamEventType   `json:"type"`
	SequenceNumber int               `json:"sequence_number"`
	CorrelationID  string            `json:"correlation_id"`
	Result         *InvocationResult `json:"result,omitempty"`
}

// EventTypeFor returns the stream event type that carries r.
func EventTypeFor(r InvocationResult) StreamEventType {
	switch r.Kind {
	case ResultSuccess:
		return EventInvocationCompleted
	case ResultFailure:
		return EventInvocationFailed
	default:
		return EventInvocationPartial
	}
}
