package mcp

import (
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sort"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// OpenTransport creates the protocol transport for cfg. The returned
// transport is not connected yet; the session connects it during its
// handshake and is from then on the only reader and writer of the channel.
func OpenTransport(cfg ServerConfig) (mcp.Transport, error) {
	if cfg.BearerToken != "" {
		if err := NewBearerTokenAuth(cfg.BearerToken).Check(); err != nil {
			return nil, fmt.Errorf("server %q: %w", cfg.Name, err)
		}
	}

	httpClient := buildHTTPClient(cfg)

	switch t := cfg.TransportName(); t {
	case TransportStdio:
		return &mcp.CommandTransport{Command: buildCommand(cfg)}, nil

	case TransportSSE:
		transport := &mcp.SSEClientTransport{Endpoint: cfg.URL}
		if httpClient != nil {
			transport.HTTPClient = httpClient
		}
		return transport, nil

	case TransportStreamableHTTP:
		transport := &mcp.StreamableClientTransport{Endpoint: cfg.URL}
		if httpClient != nil {
			transport.HTTPClient = httpClient
		}
		return transport, nil

	case TransportWebSocket:
		transport := &WebSocketTransport{URL: cfg.URL, HTTPClient: httpClient}
		if len(cfg.Headers) > 0 {
			transport.Header = make(http.Header, len(cfg.Headers))
			for k, v := range cfg.Headers {
				transport.Header.Set(k, v)
			}
		}
		return transport, nil

	default:
		return nil, fmt.Errorf("unsupported transport type %q", t)
	}
}

// buildCommand prepares the child process for a stdio server. The child
// inherits the parent's environment plus cfg.Env.
func buildCommand(cfg ServerConfig) *exec.Cmd {
	cmd := exec.Command(cfg.Command, cfg.Args...) //nolint:gosec // command comes from operator config
	cmd.Dir = cfg.Dir
	if len(cfg.Env) > 0 {
		keys := make([]string, 0, len(cfg.Env))
		for k := range cfg.Env {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		cmd.Env = os.Environ()
		for _, k := range keys {
			cmd.Env = append(cmd.Env, k+"="+cfg.Env[k])
		}
	}
	cmd.Stderr = os.Stderr
	return cmd
}
