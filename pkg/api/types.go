package api

import (
	"encoding/json"
	"time"
)

// ToolDescriptor describes one tool advertised by a tool server. Descriptors
// are immutable once discovered; a re-discovery replaces the whole set.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Server      string          `json:"server"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`

	// OutputSchema is a hint about the shape of structured results.
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
}

// ToolDefinition is the function-tool shape handed to an orchestrator.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Server      string          `json:"server,omitempty"`
	ShadowedBy  []string        `json:"shadowed_servers,omitempty"`
}

// SessionState is the lifecycle state of a tool server session.
type SessionState string

const (
	SessionConnecting SessionState = "connecting"
	SessionReady      SessionState = "ready"
	SessionDegraded   SessionState = "degraded"
	SessionClosed     SessionState = "closed"
)

// SessionInfo is a point-in-time summary of a session.
type SessionInfo struct {
	Name        string       `json:"name"`
	Endpoint    string       `json:"endpoint"`
	Transport   string       `json:"transport"`
	State       SessionState `json:"state"`
	Tools       int          `json:"tools"`
	LastContact *time.Time   `json:"last_contact,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// InvocationRequest asks for one tool invocation.
type InvocationRequest struct {
	Tool          string          `json:"tool"`
	Arguments     json.RawMessage `json:"arguments,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`

	// Deadline is optional. The zero value means the dispatcher default applies.
	Deadline time.Time `json:"deadline,omitzero"`
}

// ResultKind discriminates the variants of InvocationResult.
type ResultKind string

const (
	ResultPartial ResultKind = "partial"
	ResultSuccess ResultKind = "success"
	ResultFailure ResultKind = "failure"
)

// Chunk is one piece of streamed tool output.
type Chunk struct {
	Progress float64 `json:"progress,omitempty"`
	Total    float64 `json:"total,omitempty"`
	Message  string  `json:"message,omitempty"`
}

// ToolOutput is the payload of a successful invocation.
type ToolOutput struct {
	Text       string          `json:"text"`
	Structured json.RawMessage `json:"structured,omitempty"`
}

// InvocationResult is one element of an invocation's result stream. Exactly
// one of Chunk, Output, or Failure is set, matching Kind.
type InvocationResult struct {
	CorrelationID string      `json:"correlation_id"`
	Kind          ResultKind  `json:"kind"`
	Tool          string      `json:"tool,omitempty"`
	Server        string      `json:"server,omitempty"`
	Chunk         *Chunk      `json:"chunk,omitempty"`
	Output        *ToolOutput `json:"output,omitempty"`
	Failure       *Failure    `json:"failure,omitempty"`
}

// Terminal reports whether r ends its stream.
func (r InvocationResult) Terminal() bool {
	return r.Kind == ResultSuccess || r.Kind == ResultFailure
}

// Partial builds a Partial result.
func Partial(id string, c Chunk) InvocationResult {
	return InvocationResult{CorrelationID: id, Kind: ResultPartial, Chunk: &c}
}

// Success builds a Success result.
func Success(id string, out *ToolOutput) InvocationResult {
	return InvocationResult{CorrelationID: id, Kind: ResultSuccess, Output: out}
}

// Failed builds a Failure result.
func Failed(id string, f *Failure) InvocationResult {
	return InvocationResult{CorrelationID: id, Kind: ResultFailure, Failure: f}
}
