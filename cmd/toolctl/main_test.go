package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/rhuss/toolmux/pkg/api"
	toolmcp "github.com/rhuss/toolmux/pkg/tools/mcp"
	"github.com/rhuss/toolmux/pkg/tools/mcp/mcptest"
)

type refusingTransport struct{}

func (refusingTransport) Connect(context.Context) (mcp.Connection, error) {
	return nil, errors.New("connection refused")
}

// useServers routes sessions to in-memory servers. Configured servers that
// are missing from servers cannot connect.
func useServers(t *testing.T, servers map[string]*mcp.Server) {
	t.Helper()
	prev := sessionFactory
	sessionFactory = func(cfg toolmcp.ServerConfig) *toolmcp.Session {
		opts := toolmcp.WithSessionOptions(mcptest.TestSessionOptions())
		srv, ok := servers[cfg.Name]
		if !ok {
			return toolmcp.NewSession(cfg, toolmcp.WithTransport(refusingTransport{}), opts)
		}
		serverTransport, clientTransport := mcp.NewInMemoryTransports()
		if _, err := srv.Connect(context.Background(), serverTransport, nil); err != nil {
			t.Errorf("connecting %s: %v", cfg.Name, err)
		}
		return toolmcp.NewSession(cfg, toolmcp.WithTransport(clientTransport), opts)
	}
	t.Cleanup(func() { sessionFactory = prev })
}

// writeConfig writes a config naming each server and returns its path.
func writeConfig(t *testing.T, names ...string) string {
	t.Helper()
	var b strings.Builder
	b.WriteString("mcp:\n  servers:\n")
	for _, n := range names {
		b.WriteString("    - name: " + n + "\n")
		b.WriteString("      transport: streamable-http\n")
		b.WriteString("      url: http://" + n + ".test/mcp\n")
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(b.String()), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func executeCommand(args ...string) (stdout, stderr string, code int) {
	root := newRootCmd()
	var out, errOut bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&errOut)
	root.SetArgs(args)
	code = execute(context.Background(), root)
	return out.String(), errOut.String(), code
}

func standardFleet(t *testing.T) string {
	useServers(t, map[string]*mcp.Server{
		"alpha": mcptest.NewServer("alpha", mcptest.Echo(), mcptest.Countdown()),
		"beta":  mcptest.NewServer("beta", mcptest.Echo(), mcptest.Fail()),
	})
	return writeConfig(t, "alpha", "beta")
}

func TestToolsCommand(t *testing.T) {
	cfg := standardFleet(t)

	out, errOut, code := executeCommand("tools", "--config", cfg)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	if !strings.HasPrefix(out, "NAME") {
		t.Errorf("missing header:\n%s", out)
	}
	var echoLine string
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, "echo ") {
			echoLine = line
		}
	}
	fields := strings.Fields(echoLine)
	if len(fields) < 3 || fields[1] != "alpha" || fields[2] != "beta" {
		t.Errorf("echo row = %q, want owner alpha shadowing beta", echoLine)
	}
	for _, name := range []string{"countdown", "fail"} {
		if !strings.Contains(out, name) {
			t.Errorf("output is missing %q:\n%s", name, out)
		}
	}
}

func TestToolsCommandJSON(t *testing.T) {
	cfg := standardFleet(t)

	out, errOut, code := executeCommand("tools", "--config", cfg, "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	var defs []api.ToolDefinition
	if err := json.Unmarshal([]byte(out), &defs); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, out)
	}
	if len(defs) != 3 {
		t.Fatalf("got %d tools, want 3", len(defs))
	}
	if defs[0].Name != "countdown" || defs[1].Name != "echo" || defs[2].Name != "fail" {
		t.Errorf("tools not sorted by name: %+v", defs)
	}
}

func TestToolsCommandServerFilter(t *testing.T) {
	cfg := standardFleet(t)

	out, _, code := executeCommand("tools", "--config", cfg, "--server", "beta")
	if code != 0 {
		t.Fatalf("exit code = %d", code)
	}
	if strings.Contains(out, "countdown") || strings.Contains(out, "alpha") {
		t.Errorf("alpha was not filtered out:\n%s", out)
	}

	_, errOut, code := executeCommand("tools", "--config", cfg, "--server", "gamma")
	if code != exitUsage {
		t.Errorf("unknown server exit code = %d, want %d", code, exitUsage)
	}
	if !strings.Contains(errOut, `"gamma"`) {
		t.Errorf("stderr = %q", errOut)
	}
}

func TestSessionsCommand(t *testing.T) {
	useServers(t, map[string]*mcp.Server{
		"alpha": mcptest.NewServer("alpha", mcptest.Echo()),
	})
	cfg := writeConfig(t, "alpha", "down")

	out, errOut, code := executeCommand("sessions", "--config", cfg, "--json")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	var infos []api.SessionInfo
	if err := json.Unmarshal([]byte(out), &infos); err != nil {
		t.Fatalf("decoding output: %v\n%s", err, out)
	}
	got := make(map[string]api.SessionInfo)
	for _, s := range infos {
		got[s.Name] = s
	}
	if s := got["alpha"]; s.State != api.SessionReady || s.Tools != 1 {
		t.Errorf("alpha = %+v, want ready with 1 tool", s)
	}
	if s := got["down"]; s.State != api.SessionClosed || s.Error == "" {
		t.Errorf("down = %+v, want closed with an error", s)
	}
}

func TestCallCommand(t *testing.T) {
	cfg := standardFleet(t)

	out, errOut, code := executeCommand("call", "echo", "--config", cfg, "--args", `{"message":"hi"}`)
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	if strings.TrimSpace(out) != "Echo: hi" {
		t.Errorf("output = %q", out)
	}
}

func TestCallCommandStreamsProgress(t *testing.T) {
	cfg := standardFleet(t)

	out, errOut, code := executeCommand("call", "countdown", "--config", cfg, "--args", `{"steps":3}`, "--stream")
	if code != 0 {
		t.Fatalf("exit code = %d, stderr = %s", code, errOut)
	}
	if strings.TrimSpace(out) != "done" {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(errOut, "step 1 of 3") {
		t.Errorf("progress not printed, stderr = %q", errOut)
	}
}

func TestCallCommandFailures(t *testing.T) {
	cfg := standardFleet(t)

	tests := []struct {
		name     string
		args     []string
		wantCode int
		wantErr  string
	}{
		{"tool error", []string{"call", "fail"}, exitInvocation, "tool_error"},
		{"unknown tool", []string{"call", "nope"}, exitInvocation, "unknown_tool"},
		{"schema mismatch", []string{"call", "echo", "--args", `{}`}, exitInvocation, "invalid_arguments"},
		{"arguments not an object", []string{"call", "echo", "--args", `[1]`}, exitUsage, "JSON object"},
		{"negative timeout", []string{"call", "echo", "--timeout", "-1s"}, exitUsage, "negative"},
		{"missing tool name", []string{"call"}, exitUsage, "arg"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, errOut, code := executeCommand(append(tt.args, "--config", cfg)...)
			if code != tt.wantCode {
				t.Errorf("exit code = %d, want %d", code, tt.wantCode)
			}
			if !strings.Contains(errOut, tt.wantErr) {
				t.Errorf("stderr = %q, want it to mention %q", errOut, tt.wantErr)
			}
		})
	}
}

func TestCallCommandJSONError(t *testing.T) {
	cfg := standardFleet(t)

	_, errOut, code := executeCommand("call", "nope", "--config", cfg, "--json")
	if code != exitInvocation {
		t.Fatalf("exit code = %d, want %d", code, exitInvocation)
	}
	var resp api.ErrorResponse
	if err := json.Unmarshal([]byte(errOut), &resp); err != nil {
		t.Fatalf("stderr is not an error envelope: %v\n%s", err, errOut)
	}
	if resp.Error == nil || resp.Error.Type != api.ErrorTypeNotFound {
		t.Errorf("error = %+v, want not_found", resp.Error)
	}
}

func TestMissingConfigFails(t *testing.T) {
	_, errOut, code := executeCommand("tools", "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	if code != exitRuntime {
		t.Errorf("exit code = %d, want %d (stderr %q)", code, exitRuntime, errOut)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()

	if err := loadDotEnv(filepath.Join(dir, "missing.env")); err != nil {
		t.Errorf("missing file: err = %v, want nil", err)
	}

	bad := filepath.Join(dir, "bad.env")
	if err := os.WriteFile(bad, []byte("TOOLCTL_BROKEN!=1\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := loadDotEnv(bad); err == nil {
		t.Error("malformed file: expected an error")
	}
}
