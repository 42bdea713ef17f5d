package tools

import "github.com/rhuss/toolmux/pkg/api"

// AllowList restricts the tool names an orchestrator may see and call.
// A nil or empty AllowList allows everything.
type AllowList map[string]bool

// NewAllowList builds an AllowList from names.
func NewAllowList(names []string) AllowList {
	if len(names) == 0 {
		return nil
	}
	a := make(AllowList, len(names))
	for _, n := range names {
		a[n] = true
	}
	return a
}

// Allows reports whether name may be used.
func (a AllowList) Allows(name string) bool {
	return len(a) == 0 || a[name]
}

// Definitions drops the definitions whose name is not allowed.
func (a AllowList) Definitions(defs []api.ToolDefinition) []api.ToolDefinition {
	if len(a) == 0 {
		return defs
	}
	out := make([]api.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		if a[d.Name] {
			out = append(out, d)
		}
	}
	return out
}

// FilterResult holds the outcome of filtering tool calls against an AllowList.
type FilterResult struct {
	// Allowed contains tool calls that passed the filter.
	Allowed []ToolCall

	// Rejected contains error results for calls that were not allowed.
	Rejected []ToolResult
}

// Calls splits calls into allowed ones and error results for the rest.
func (a AllowList) Calls(calls []ToolCall) FilterResult {
	if len(a) == 0 {
		return FilterResult{Allowed: calls}
	}

	var result FilterResult
	for _, call := range calls {
		if a[call.Name] {
			result.Allowed = append(result.Allowed, call)
			continue
		}
		result.Rejected = append(result.Rejected, ToolResult{
			CallID:  call.ID,
			Output:  "tool " + call.Name + " is not in the allowed_tools list",
			IsError: true,
		})
	}
	return result
}
