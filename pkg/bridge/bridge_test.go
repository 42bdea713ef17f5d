package bridge

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/tools"
	"github.com/rhuss/toolmux/pkg/tools/dispatch"
	"github.com/rhuss/toolmux/pkg/tools/registry"
	"github.com/rhuss/toolmux/pkg/tools/toolstest"
)

func newBridge(t *testing.T, opts []Option, sessions ...tools.ToolSession) (*registry.Registry, *Bridge) {
	t.Helper()
	reg := registry.New()
	for _, s := range sessions {
		if err := reg.Register(s); err != nil {
			t.Fatal(err)
		}
	}
	return reg, New(reg, dispatch.New(reg), opts...)
}

func echoing(s *toolstest.FakeSession) *toolstest.FakeSession {
	s.Handle(func(_ context.Context, call tools.SessionCall, _ tools.ChunkFunc) (*api.ToolOutput, error) {
		return &api.ToolOutput{Text: s.Name() + ":" + call.Tool + ":" + string(call.Arguments)}, nil
	})
	return s
}

func TestBridge_ToolsCarryOwnerAndShadows(t *testing.T) {
	_, b := newBridge(t, nil,
		toolstest.NewSession("A", "query"),
		toolstest.NewSession("B", "query", "report"),
	)

	defs := b.Tools()
	if len(defs) != 2 {
		t.Fatalf("got %d definitions, want 2", len(defs))
	}
	q := defs[0]
	if q.Name != "query" || q.Type != "function" || q.Server != "A" {
		t.Errorf("query definition = %+v", q)
	}
	if len(q.ShadowedBy) != 1 || q.ShadowedBy[0] != "B" {
		t.Errorf("ShadowedBy = %v, want [B]", q.ShadowedBy)
	}
	if !json.Valid(q.Parameters) {
		t.Errorf("Parameters not valid JSON: %s", q.Parameters)
	}
}

func TestBridge_MissingSchemaGetsObject(t *testing.T) {
	s := toolstest.NewSession("A")
	s.SetDescriptors([]api.ToolDescriptor{{Name: "ping", Server: "A"}})
	_, b := newBridge(t, nil, s)

	defs := b.Tools()
	if len(defs) != 1 || string(defs[0].Parameters) != `{"type":"object"}` {
		t.Fatalf("definitions = %+v", defs)
	}
}

func TestBridge_SnapshotCachedPerTurn(t *testing.T) {
	a := echoing(toolstest.NewSession("A", "query"))
	b2 := echoing(toolstest.NewSession("B", "query"))
	reg, b := newBridge(t, nil, a, b2)

	b.BeginTurn()
	reg.Unregister(a)

	// Same turn: still resolves to A.
	out, err := b.Call(context.Background(), "query", `{}`)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !strings.HasPrefix(out, "A:") {
		t.Errorf("same-turn call went to %q, want A", out)
	}

	b.BeginTurn()
	out, _ = b.Call(context.Background(), "query", `{}`)
	if !strings.HasPrefix(out, "B:") {
		t.Errorf("next-turn call went to %q, want B", out)
	}
}

func TestBridge_CallFailures(t *testing.T) {
	_, b := newBridge(t, []Option{WithAllowedTools([]string{"query", "missing"})},
		toolstest.NewSession("A", "query", "secret"))

	tests := []struct {
		name string
		tool string
		want api.FailureKind
	}{
		{"not allowed", "secret", api.FailureUnknownTool},
		{"allowed but absent", "missing", api.FailureUnknownTool},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := b.Call(context.Background(), tt.tool, "")
			if got := api.FailureKindOf(err); got != tt.want {
				t.Fatalf("kind = %q, want %q (err=%v)", got, tt.want, err)
			}
		})
	}

	defs := b.Tools()
	if len(defs) != 1 || defs[0].Name != "query" {
		t.Errorf("allowed definitions = %+v", defs)
	}
	if b.CanExecute("secret") || !b.CanExecute("query") || b.CanExecute("missing") {
		t.Error("CanExecute disagrees with the allow list and snapshot")
	}
}

func TestBridge_StructuredOutputFallback(t *testing.T) {
	s := toolstest.NewSession("A", "stats")
	s.Handle(func(context.Context, tools.SessionCall, tools.ChunkFunc) (*api.ToolOutput, error) {
		return &api.ToolOutput{Structured: json.RawMessage(`{"rows":3}`)}, nil
	})
	_, b := newBridge(t, nil, s)

	out, err := b.Call(context.Background(), "stats", "{}")
	if err != nil || out != `{"rows":3}` {
		t.Fatalf("Call = %q, %v", out, err)
	}
}

func TestBridge_ExecuteReportsErrorsInResult(t *testing.T) {
	s := toolstest.NewSession("A", "query")
	s.Handle(func(context.Context, tools.SessionCall, tools.ChunkFunc) (*api.ToolOutput, error) {
		return nil, api.NewFailure(api.FailureToolError, "syntax error near SELEKT")
	})
	_, b := newBridge(t, nil, s)

	res, err := b.Execute(context.Background(), tools.ToolCall{ID: "call_x", Name: "query", Arguments: "{}"})
	if err != nil {
		t.Fatalf("Execute returned err: %v", err)
	}
	if !res.IsError || res.CallID != "call_x" || !strings.Contains(res.Output, "SELEKT") {
		t.Errorf("result = %+v", res)
	}
	if b.Kind() != tools.ToolKindMCP {
		t.Errorf("Kind() = %v", b.Kind())
	}
}

func TestBridge_ExecuteBatchKeepsOrder(t *testing.T) {
	s := toolstest.NewSession("A", "fast", "slow", "hidden")
	s.Handle(func(_ context.Context, call tools.SessionCall, _ tools.ChunkFunc) (*api.ToolOutput, error) {
		if call.Tool == "slow" {
			time.Sleep(30 * time.Millisecond)
		}
		return &api.ToolOutput{Text: call.Tool}, nil
	})
	_, b := newBridge(t, []Option{WithAllowedTools([]string{"fast", "slow"})}, s)

	results := b.ExecuteBatch(context.Background(), []tools.ToolCall{
		{ID: "call_1", Name: "slow", Arguments: "{}"},
		{ID: "call_2", Name: "hidden", Arguments: "{}"},
		{ID: "call_3", Name: "fast", Arguments: "{}"},
	})

	if len(results) != 3 {
		t.Fatalf("got %d results", len(results))
	}
	if results[0].CallID != "call_1" || results[0].Output != "slow" {
		t.Errorf("results[0] = %+v", results[0])
	}
	if results[1].CallID != "call_2" || !results[1].IsError {
		t.Errorf("results[1] = %+v, want rejection", results[1])
	}
	if results[2].CallID != "call_3" || results[2].Output != "fast" {
		t.Errorf("results[2] = %+v", results[2])
	}
	if s.Calls() != 2 {
		t.Errorf("session called %d times, want 2", s.Calls())
	}
}

func TestBridge_ProgressAndTimeout(t *testing.T) {
	s := toolstest.NewSession("A", "crawl")
	s.Handle(func(ctx context.Context, _ tools.SessionCall, onChunk tools.ChunkFunc) (*api.ToolOutput, error) {
		onChunk(api.Chunk{Message: "page 1"})
		<-ctx.Done()
		return nil, api.WrapFailure(api.FailureTimeout, ctx.Err())
	})

	var mu sync.Mutex
	var seen []string
	_, b := newBridge(t, []Option{
		WithCallTimeout(40 * time.Millisecond),
		WithProgress(func(r api.InvocationResult) {
			mu.Lock()
			seen = append(seen, r.Chunk.Message)
			mu.Unlock()
		}),
	}, s)

	_, err := b.Call(context.Background(), "crawl", "{}")
	if api.FailureKindOf(err) != api.FailureTimeout {
		t.Fatalf("err = %v, want timeout", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "page 1" {
		t.Errorf("progress = %v", seen)
	}
}
