package mcp_test

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rhuss/toolmux/pkg/api"
	"github.com/rhuss/toolmux/pkg/tools"
	toolmcp "github.com/rhuss/toolmux/pkg/tools/mcp"
	"github.com/rhuss/toolmux/pkg/tools/mcp/mcptest"
)

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestSession_ConnectDiscoversTools(t *testing.T) {
	srv := mcptest.Start(t, "sql", mcptest.Echo(), mcptest.Sleep())

	if got := srv.Session.State(); got != api.SessionReady {
		t.Fatalf("State() = %s, want ready", got)
	}

	descs := srv.Session.Descriptors()
	if len(descs) != 2 {
		t.Fatalf("expected 2 descriptors, got %d", len(descs))
	}
	if descs[0].Name != "echo" || descs[1].Name != "sleep" {
		t.Errorf("descriptors not sorted by name: %q, %q", descs[0].Name, descs[1].Name)
	}
	for _, d := range descs {
		if d.Server != "sql" {
			t.Errorf("descriptor %q server = %q, want sql", d.Name, d.Server)
		}
		if len(d.InputSchema) == 0 {
			t.Errorf("descriptor %q has no input schema", d.Name)
		}
	}

	if srv.Session.LastContact().IsZero() {
		t.Error("expected last contact to be set after handshake")
	}
	info := srv.Session.Info()
	if info.Tools != 2 || info.State != api.SessionReady {
		t.Errorf("Info() = %+v", info)
	}
}

func TestSession_CallSuccess(t *testing.T) {
	srv := mcptest.Start(t, "sql", mcptest.Echo())

	out, err := srv.Session.Call(context.Background(), tools.SessionCall{
		CorrelationID: "call_1",
		Tool:          "echo",
		Arguments:     json.RawMessage(`{"message":"hello"}`),
	}, nil)
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out.Text != "Echo: hello" {
		t.Errorf("Text = %q, want %q", out.Text, "Echo: hello")
	}
}

func TestSession_CallToolError(t *testing.T) {
	srv := mcptest.Start(t, "sql", mcptest.Fail())

	_, err := srv.Session.Call(context.Background(), tools.SessionCall{Tool: "fail"}, nil)
	if got := api.FailureKindOf(err); got != api.FailureToolError {
		t.Fatalf("failure kind = %q, want tool_error (err=%v)", got, err)
	}
	if srv.Session.State() != api.SessionReady {
		t.Error("a tool error must not affect session health")
	}
}

func TestSession_CallStreamsProgress(t *testing.T) {
	srv := mcptest.Start(t, "sql", mcptest.Countdown())

	var mu sync.Mutex
	var chunks []api.Chunk
	out, err := srv.Session.Call(context.Background(), tools.SessionCall{
		CorrelationID: "call_progress",
		Tool:          "countdown",
		Arguments:     json.RawMessage(`{"steps":3}`),
	}, func(c api.Chunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if out.Text != "done" {
		t.Errorf("Text = %q, want done", out.Text)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(chunks) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if c.Progress != float64(i+1) || c.Total != 3 {
			t.Errorf("chunk %d = %+v", i, c)
		}
	}
}

func TestSession_ConcurrentCallsKeepTheirChunks(t *testing.T) {
	srv := mcptest.Start(t, "sql", mcptest.Countdown())

	ids := []string{"call_a", "call_b", "call_c"}
	var wg sync.WaitGroup
	counts := make([]int, len(ids))
	errs := make([]error, len(ids))
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			var mu sync.Mutex
			_, errs[i] = srv.Session.Call(context.Background(), tools.SessionCall{
				CorrelationID: id,
				Tool:          "countdown",
				Arguments:     json.RawMessage(`{"steps":` + strconv.Itoa(2+i) + `}`),
			}, func(api.Chunk) {
				mu.Lock()
				counts[i]++
				mu.Unlock()
			})
		}(i, id)
	}
	wg.Wait()

	for i := range ids {
		if errs[i] != nil {
			t.Fatalf("call %s failed: %v", ids[i], errs[i])
		}
		if want := 2 + i; counts[i] != want {
			t.Errorf("call %s received %d chunks, want %d", ids[i], counts[i], want)
		}
	}
}

// blockingTransport never completes its connect until ctx ends.
type blockingTransport struct{}

func (blockingTransport) Connect(ctx context.Context) (mcp.Connection, error) {
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSession_HandshakeTimeout(t *testing.T) {
	opts := mcptest.TestSessionOptions()
	opts.HandshakeTimeout = 50 * time.Millisecond

	sess := toolmcp.NewSession(toolmcp.ServerConfig{Name: "stuck"},
		toolmcp.WithTransport(blockingTransport{}),
		toolmcp.WithSessionOptions(opts),
	)

	err := sess.Connect(context.Background())
	var fault *toolmcp.SessionFault
	if !errors.As(err, &fault) {
		t.Fatalf("expected *SessionFault, got %v", err)
	}
	if fault.Kind != api.FailureTimeout {
		t.Errorf("fault kind = %q, want timeout", fault.Kind)
	}
	if sess.State() != api.SessionClosed {
		t.Errorf("State() = %s, want closed", sess.State())
	}
	select {
	case <-sess.Done():
	default:
		t.Error("Done() should be closed after a failed handshake")
	}
	if sess.Err() == nil {
		t.Error("Err() should report the handshake fault")
	}
}

func TestSession_RemoteDisconnectCloses(t *testing.T) {
	srv := mcptest.Start(t, "rag", mcptest.Echo())

	var notified sync.WaitGroup
	notified.Add(1)
	var once sync.Once
	srv.Session.Observe(tools.ObserverFunc(func(s tools.ToolSession) {
		if s.State() == api.SessionClosed {
			once.Do(notified.Done)
		}
	}))

	if err := srv.Disconnect(); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}

	select {
	case <-srv.Session.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("session did not close after remote disconnect")
	}
	notified.Wait()

	var fault *toolmcp.SessionFault
	if !errors.As(srv.Session.Err(), &fault) || fault.Kind != api.FailureTransport {
		t.Errorf("Err() = %v, want transport fault", srv.Session.Err())
	}

	_, err := srv.Session.Call(context.Background(), tools.SessionCall{Tool: "echo"}, nil)
	if got := api.FailureKindOf(err); got != api.FailureSessionUnavailable {
		t.Errorf("call on closed session: kind = %q, want session_unavailable", got)
	}
}

func TestSession_DegradesAfterConsecutiveTimeouts(t *testing.T) {
	srv := mcptest.Start(t, "slow", mcptest.Sleep(), mcptest.Echo())
	sess := srv.Session

	for i := 0; i < 2; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := sess.Call(ctx, tools.SessionCall{Tool: "sleep", Arguments: json.RawMessage(`{"ms":2000}`)}, nil)
		cancel()
		if got := api.FailureKindOf(err); got != api.FailureTimeout {
			t.Fatalf("call %d: kind = %q, want timeout", i, got)
		}
	}

	if sess.State() != api.SessionDegraded {
		t.Fatalf("State() = %s, want degraded", sess.State())
	}
	if len(sess.Descriptors()) != 2 {
		t.Error("degraded session must keep its last-known descriptors")
	}

	_, err := sess.Call(context.Background(), tools.SessionCall{Tool: "echo", Arguments: json.RawMessage(`{"message":"x"}`)}, nil)
	if got := api.FailureKindOf(err); got != api.FailureSessionUnavailable {
		t.Fatalf("call on degraded session: kind = %q, want session_unavailable", got)
	}

	if err := sess.Probe(context.Background()); err != nil {
		t.Fatalf("Probe failed: %v", err)
	}
	if sess.State() != api.SessionReady {
		t.Errorf("State() after probe = %s, want ready", sess.State())
	}
}

func TestSession_CallerDeadlineTimeoutsKeepSessionReady(t *testing.T) {
	srv := mcptest.Start(t, "slow", mcptest.Sleep(), mcptest.Echo())
	sess := srv.Session

	for i := 0; i < 4; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		_, err := sess.Call(ctx, tools.SessionCall{
			Tool:           "sleep",
			Arguments:      json.RawMessage(`{"ms":2000}`),
			CallerDeadline: true,
		}, nil)
		cancel()
		if got := api.FailureKindOf(err); got != api.FailureTimeout {
			t.Fatalf("call %d: kind = %q, want timeout", i, got)
		}
	}

	if sess.State() != api.SessionReady {
		t.Errorf("State() = %s, want ready", sess.State())
	}
}

func TestSession_RefreshReplacesDescriptors(t *testing.T) {
	srv := mcptest.Start(t, "kb", mcptest.Echo())

	changes := make(chan int, 16)
	srv.Session.Observe(tools.ObserverFunc(func(s tools.ToolSession) {
		changes <- len(s.Descriptors())
	}))

	countdown := mcptest.Countdown()
	srv.MCP.AddTool(countdown.Tool, countdown.Handler)

	// The server announces the change; the session re-discovers on its own.
	waitFor(t, "countdown to be discovered", func() bool {
		return len(srv.Session.Descriptors()) == 2
	})

	srv.MCP.RemoveTools("echo")
	if err := srv.Session.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	descs := srv.Session.Descriptors()
	if len(descs) != 1 || descs[0].Name != "countdown" {
		t.Fatalf("descriptors after refresh = %+v, want only countdown", descs)
	}

	select {
	case <-changes:
	default:
		t.Error("expected observers to be notified of descriptor changes")
	}
}

func TestSession_CloseIsIdempotent(t *testing.T) {
	srv := mcptest.Start(t, "sql", mcptest.Echo())

	if err := srv.Session.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := srv.Session.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
	if srv.Session.State() != api.SessionClosed {
		t.Errorf("State() = %s, want closed", srv.Session.State())
	}
	if srv.Session.Err() != nil {
		t.Errorf("explicit close should not record a fault, got %v", srv.Session.Err())
	}
	if err := srv.Session.Probe(context.Background()); !errors.Is(err, toolmcp.ErrNotReady) {
		t.Errorf("Probe on closed session = %v, want ErrNotReady", err)
	}
}
