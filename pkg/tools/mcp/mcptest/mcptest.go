// Package mcptest provides tool servers for tests and local development.
//
// The stock tools (echo, sleep, countdown, fail) exercise the paths the
// client cares about: plain results, slow calls, streamed progress, and
// tool-reported errors. Start wires a server to a client session over
// in-memory transports.
package mcptest

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	toolmcp "github.com/rhuss/toolmux/pkg/tools/mcp"
)

// ToolSpec is a tool definition plus its handler.
type ToolSpec struct {
	Tool    *mcp.Tool
	Handler mcp.ToolHandler
}

// Named returns a copy of spec registered under name.
func Named(spec ToolSpec, name string) ToolSpec {
	t := *spec.Tool
	t.Name = name
	return ToolSpec{Tool: &t, Handler: spec.Handler}
}

func text(s string) *mcp.CallToolResult {
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: s}}}
}

// Echo returns {"message": string} back as "Echo: <message>".
func Echo() ToolSpec {
	return ToolSpec{
		Tool: &mcp.Tool{
			Name:        "echo",
			Description: "Echoes the provided message back",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"message": map[string]any{"type": "string"},
				},
				"required": []any{"message"},
			},
		},
		Handler: func(_ context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var in struct {
				Message string `json:"message"`
			}
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				return nil, fmt.Errorf("decoding arguments: %w", err)
			}
			return text("Echo: " + in.Message), nil
		},
	}
}

// Sleep waits {"ms": n} milliseconds, or until the call is cancelled.
func Sleep() ToolSpec {
	return ToolSpec{
		Tool: &mcp.Tool{
			Name:        "sleep",
			Description: "Waits for the given number of milliseconds",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"ms": map[string]any{"type": "integer", "minimum": 0},
				},
			},
		},
		Handler: func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var in struct {
				MS int `json:"ms"`
			}
			_ = json.Unmarshal(req.Params.Arguments, &in)
			select {
			case <-time.After(time.Duration(in.MS) * time.Millisecond):
				return text(fmt.Sprintf("slept %dms", in.MS)), nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	}
}

// Countdown streams {"steps": n} progress notifications, then returns "done".
func Countdown() ToolSpec {
	return ToolSpec{
		Tool: &mcp.Tool{
			Name:        "countdown",
			Description: "Reports progress for each step, then finishes",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"steps": map[string]any{"type": "integer", "minimum": 1, "maximum": 100},
				},
				"required": []any{"steps"},
			},
		},
		Handler: func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			var in struct {
				Steps int `json:"steps"`
			}
			if err := json.Unmarshal(req.Params.Arguments, &in); err != nil {
				return nil, fmt.Errorf("decoding arguments: %w", err)
			}
			token := req.Params.GetProgressToken()
			for i := 1; i <= in.Steps; i++ {
				if token != nil {
					err := req.Session.NotifyProgress(ctx, &mcp.ProgressNotificationParams{
						ProgressToken: token,
						Progress:      float64(i),
						Total:         float64(in.Steps),
						Message:       fmt.Sprintf("step %d of %d", i, in.Steps),
					})
					if err != nil {
						return nil, err
					}
				}
				time.Sleep(10 * time.Millisecond)
			}
			// Give the client time to route the last notification before the
			// response overtakes it.
			time.Sleep(50 * time.Millisecond)
			return text("done"), nil
		},
	}
}

// Fail always returns a tool error result.
func Fail() ToolSpec {
	return ToolSpec{
		Tool: &mcp.Tool{
			Name:        "fail",
			Description: "Always reports an error",
			InputSchema: map[string]any{"type": "object"},
		},
		Handler: func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			res := text("this tool always fails")
			res.IsError = true
			return res, nil
		},
	}
}

// Stock returns every stock tool.
func Stock() []ToolSpec {
	return []ToolSpec{Echo(), Sleep(), Countdown(), Fail()}
}

// NewServer creates a protocol server exposing specs.
func NewServer(name string, specs ...ToolSpec) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: name, Version: "v1.0.0"}, nil)
	for _, spec := range specs {
		server.AddTool(spec.Tool, spec.Handler)
	}
	return server
}

// Server is a running in-memory tool server with a connected client session.
type Server struct {
	MCP     *mcp.Server
	Session *toolmcp.Session

	remote *mcp.ServerSession
}

// TestSessionOptions are short timeouts suitable for tests.
func TestSessionOptions() toolmcp.SessionOptions {
	return toolmcp.SessionOptions{
		HandshakeTimeout: 5 * time.Second,
		ProbeTimeout:     time.Second,
		FailureThreshold: 2,
	}
}

// Start connects a client session named name to a new server exposing specs.
// The session is Ready when Start returns and is closed on test cleanup.
func Start(t testing.TB, name string, specs ...ToolSpec) *Server {
	t.Helper()
	return StartWith(t, name, TestSessionOptions(), specs...)
}

// StartWith is Start with explicit session options.
func StartWith(t testing.TB, name string, opts toolmcp.SessionOptions, specs ...ToolSpec) *Server {
	t.Helper()

	server := NewServer(name, specs...)
	serverTransport, clientTransport := mcp.NewInMemoryTransports()

	remote, err := server.Connect(context.Background(), serverTransport, nil)
	if err != nil {
		t.Fatalf("starting test server %q: %v", name, err)
	}

	sess := toolmcp.NewSession(
		toolmcp.ServerConfig{Name: name, Transport: "in-memory"},
		toolmcp.WithTransport(clientTransport),
		toolmcp.WithSessionOptions(opts),
	)
	if err := sess.Connect(context.Background()); err != nil {
		t.Fatalf("connecting to test server %q: %v", name, err)
	}

	t.Cleanup(func() {
		_ = sess.Close()
		_ = remote.Close()
	})

	return &Server{MCP: server, Session: sess, remote: remote}
}

// Disconnect drops the connection from the server side.
func (s *Server) Disconnect() error {
	return s.remote.Close()
}
