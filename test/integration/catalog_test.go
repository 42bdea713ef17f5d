package integration

import (
	"net/http"
	"testing"

	"github.com/rhuss/toolmux/pkg/api"
)

type list[T any] struct {
	Object string `json:"object"`
	Data   []T    `json:"data"`
}

func TestToolCatalogMergesServers(t *testing.T) {
	var got list[api.ToolDefinition]
	decodeJSON(t, getURL(t, testEnv.BaseURL()+"/v1/tools"), &got)

	byName := make(map[string]api.ToolDefinition)
	for _, d := range got.Data {
		byName[d.Name] = d
	}
	want := map[string]string{
		"echo":      "kb",
		"countdown": "kb",
		"sleep":     "kb",
		"fail":      "search",
	}
	if len(byName) != len(want) {
		t.Errorf("got %d tools, want %d: %+v", len(byName), len(want), got.Data)
	}
	for name, server := range want {
		d, ok := byName[name]
		if !ok {
			t.Errorf("tool %s missing", name)
			continue
		}
		if d.Server != server {
			t.Errorf("%s is served by %s, want %s", name, d.Server, server)
		}
	}

	// kb is registered first, so it owns echo and search's copy is shadowed.
	if echo := byName["echo"]; len(echo.ShadowedBy) != 1 || echo.ShadowedBy[0] != "search" {
		t.Errorf("echo shadowed = %v, want [search]", echo.ShadowedBy)
	}
}

func TestSessionsReportEachServer(t *testing.T) {
	var got list[api.SessionInfo]
	decodeJSON(t, getURL(t, testEnv.BaseURL()+"/v1/sessions"), &got)

	byName := make(map[string]api.SessionInfo)
	for _, s := range got.Data {
		byName[s.Name] = s
	}
	for _, name := range []string{"kb", "search"} {
		if s := byName[name]; s.State != api.SessionReady {
			t.Errorf("%s state = %s, want ready (error %q)", name, s.State, s.Error)
		}
	}
	if s := byName["search"]; s.Transport != "sse" {
		t.Errorf("search transport = %q, want sse", s.Transport)
	}
	if s := byName["offline"]; s.State != api.SessionClosed || s.Error == "" {
		t.Errorf("offline = %+v, want closed with an error", s)
	}
}

func TestRefreshSession(t *testing.T) {
	resp := postJSON(t, testEnv.BaseURL()+"/v1/sessions/kb/refresh", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("refresh kb: status %d, want 204", resp.StatusCode)
	}

	resp = postJSON(t, testEnv.BaseURL()+"/v1/sessions/unknown/refresh", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("refresh unknown: status %d, want 404", resp.StatusCode)
	}
}
