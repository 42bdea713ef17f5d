package tools

import (
	"context"
)

// ToolKind classifies how a tool is hosted and executed.
type ToolKind int

const (
	// ToolKindFunction is a tool the orchestrator executes itself.
	ToolKindFunction ToolKind = iota

	// ToolKindMCP is a tool hosted on a remote tool server and reached
	// through the dispatcher.
	ToolKindMCP
)

// String returns the lowercase name of the kind.
func (k ToolKind) String() string {
	switch k {
	case ToolKindMCP:
		return "mcp"
	default:
		return "function"
	}
}

// ToolExecutor executes tool calls by name.
type ToolExecutor interface {
	// Kind returns the type of tools this executor handles.
	Kind() ToolKind

	// CanExecute checks if this executor can handle the given tool name.
	CanExecute(toolName string) bool

	// Execute runs the tool and returns the result. Tool-level failures are
	// reported in the result with IsError set; err is reserved for failures
	// of the executor itself.
	Execute(ctx context.Context, call ToolCall) (*ToolResult, error)
}

// ToolCall represents an orchestrator's request to invoke a tool.
type ToolCall struct {
	// ID is the call identifier, used as the correlation id.
	ID string

	// Name is the tool name.
	Name string

	// Arguments is the JSON-encoded arguments string.
	Arguments string
}

// ToolResult represents the output of a tool execution.
type ToolResult struct {
	// CallID matches the originating ToolCall.ID.
	CallID string

	// Output is the tool output content (text).
	Output string

	// IsError indicates that the output is an error message.
	IsError bool
}
