// Package bridge adapts the registry and dispatcher to an orchestrator that
// thinks in function tools: a list of (name, description, parameters) and a
// call-by-name function.
//
// A Bridge caches one registry snapshot per planning turn. Every call made
// during the turn resolves against that snapshot, so a re-discovery in the
// middle of a turn cannot redirect a call the model already planned.
package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/tools"
	"github.com/rhuss/toolmux/pkg/tools/dispatch"
	"github.com/rhuss/toolmux/pkg/tools/registry"
)

// Invoker starts invocations against a pinned snapshot.
type Invoker interface {
	InvokeSnapshot(ctx context.Context, snap *registry.Snapshot, req api.InvocationRequest) <-chan api.InvocationResult
}

// Bridge is safe for concurrent use.
type Bridge struct {
	resolver dispatch.Resolver
	invoker  Invoker
	allow    tools.AllowList
	timeout  time.Duration
	progress func(api.InvocationResult)

	mu   sync.RWMutex
	snap *registry.Snapshot
}

var _ tools.ToolExecutor = (*Bridge)(nil)

// Option configures a Bridge.
type Option func(*Bridge)

// WithAllowedTools exposes only the named tools.
func WithAllowedTools(names []string) Option {
	return func(b *Bridge) { b.allow = tools.NewAllowList(names) }
}

// WithCallTimeout sets a per-call deadline. Zero leaves the dispatcher's
// default in place.
func WithCallTimeout(d time.Duration) Option {
	return func(b *Bridge) { b.timeout = d }
}

// WithProgress receives the partial results of every call.
func WithProgress(fn func(api.InvocationResult)) Option {
	return func(b *Bridge) { b.progress = fn }
}

// New creates a Bridge.
func New(r dispatch.Resolver, inv Invoker, opts ...Option) *Bridge {
	b := &Bridge{resolver: r, invoker: inv}
	for _, o := range opts {
		o(b)
	}
	return b
}

// BeginTurn refreshes the cached snapshot and returns it.
func (b *Bridge) BeginTurn() *registry.Snapshot {
	snap := b.resolver.Snapshot()
	b.mu.Lock()
	b.snap = snap
	b.mu.Unlock()
	return snap
}

func (b *Bridge) snapshot() *registry.Snapshot {
	b.mu.RLock()
	snap := b.snap
	b.mu.RUnlock()
	if snap == nil {
		return b.BeginTurn()
	}
	return snap
}

// Tools returns the function-tool definitions of the cached snapshot,
// sorted by name.
func (b *Bridge) Tools() []api.ToolDefinition {
	snap := b.snapshot()
	entries := snap.Entries()
	defs := make([]api.ToolDefinition, 0, len(entries))
	for _, e := range entries {
		params := e.Descriptor.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object"}`)
		}
		def := api.ToolDefinition{
			Type:        "function",
			Name:        e.Descriptor.Name,
			Description: e.Descriptor.Description,
			Parameters:  params,
			Server:      e.Session.Name(),
		}
		for _, s := range snap.Shadowed(e.Descriptor.Name) {
			def.ShadowedBy = append(def.ShadowedBy, s.Session.Name())
		}
		defs = append(defs, def)
	}
	return b.allow.Definitions(defs)
}

// Call invokes name with JSON arguments and returns the text output. Errors
// are *api.Failure values.
func (b *Bridge) Call(ctx context.Context, name, arguments string) (string, error) {
	return b.call(ctx, "", name, arguments)
}

func (b *Bridge) call(ctx context.Context, id, name, arguments string) (string, error) {
	if !b.allow.Allows(name) {
		return "", api.NewFailure(api.FailureUnknownTool, "tool %q is not in the allowed_tools list", name)
	}

	req := api.InvocationRequest{
		Tool:          name,
		CorrelationID: id,
	}
	if arguments != "" {
		req.Arguments = json.RawMessage(arguments)
	}
	if b.timeout > 0 {
		req.Deadline = time.Now().Add(b.timeout)
	}

	var term api.InvocationResult
	for r := range b.invoker.InvokeSnapshot(ctx, b.snapshot(), req) {
		if !r.Terminal() {
			if b.progress != nil {
				b.progress(r)
			}
			continue
		}
		term = r
	}

	switch {
	case term.Kind == api.ResultSuccess && term.Output != nil:
		if term.Output.Text == "" && len(term.Output.Structured) > 0 {
			return string(term.Output.Structured), nil
		}
		return term.Output.Text, nil
	case term.Failure != nil:
		return "", term.Failure
	default:
		return "", api.NewFailure(api.FailureCancelled, "invocation of %q ended without a result", name)
	}
}

// Kind returns tools.ToolKindMCP.
func (b *Bridge) Kind() tools.ToolKind { return tools.ToolKindMCP }

// CanExecute reports whether name is allowed and present in the cached
// snapshot.
func (b *Bridge) CanExecute(name string) bool {
	if !b.allow.Allows(name) {
		return false
	}
	_, ok := b.snapshot().Lookup(name)
	return ok
}

// Execute runs one tool call. Invocation failures are returned as error
// results, never as err.
func (b *Bridge) Execute(ctx context.Context, call tools.ToolCall) (*tools.ToolResult, error) {
	out, err := b.call(ctx, call.ID, call.Name, call.Arguments)
	if err != nil {
		return &tools.ToolResult{CallID: call.ID, Output: err.Error(), IsError: true}, nil
	}
	return &tools.ToolResult{CallID: call.ID, Output: out}, nil
}

// ExecuteBatch runs calls concurrently and returns their results in call
// order. Calls to tools outside the allowed list are answered with error
// results without being dispatched.
func (b *Bridge) ExecuteBatch(ctx context.Context, calls []tools.ToolCall) []tools.ToolResult {
	filtered := b.allow.Calls(calls)

	rejected := make(map[string]tools.ToolResult, len(filtered.Rejected))
	for _, r := range filtered.Rejected {
		rejected[r.CallID] = r
	}

	results := make([]tools.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		if r, ok := rejected[call.ID]; ok && !b.allow.Allows(call.Name) {
			results[i] = r
			continue
		}
		wg.Add(1)
		go func(i int, call tools.ToolCall) {
			defer wg.Done()
			r, _ := b.Execute(ctx, call)
			results[i] = *r
		}(i, call)
	}
	wg.Wait()
	return results
}
