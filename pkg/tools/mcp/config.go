package mcp

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Transport names accepted in ServerConfig.Transport.
const (
	TransportStdio          = "stdio"
	TransportStreamableHTTP = "streamable-http"
	TransportSSE            = "sse"
	TransportWebSocket      = "websocket"
)

// ServerConfig describes a single tool server connection.
type ServerConfig struct {
	// Name is the unique logical name of the server.
	Name string `json:"name" yaml:"name"`

	// Transport is one of stdio, streamable-http, sse, or websocket. When
	// empty, stdio is used if Command is set and streamable-http otherwise.
	Transport string `json:"transport,omitempty" yaml:"transport"`

	// URL is the endpoint for network transports.
	URL string `json:"url,omitempty" yaml:"url"`

	// Command, Args, Env, and Dir describe the process for stdio servers.
	Command string            `json:"command,omitempty" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args"`
	Env     map[string]string `json:"env,omitempty" yaml:"env"`
	Dir     string            `json:"dir,omitempty" yaml:"dir"`

	// Headers are sent with every HTTP or websocket request.
	Headers map[string]string `json:"headers,omitempty" yaml:"headers"`

	// BearerToken is sent as "Authorization: Bearer <token>".
	BearerToken     string `json:"bearer_token,omitempty" yaml:"bearer_token"`
	BearerTokenFile string `json:"bearer_token_file,omitempty" yaml:"bearer_token_file"`
}

// TransportName returns the effective transport.
func (c ServerConfig) TransportName() string {
	if c.Transport != "" {
		return c.Transport
	}
	if c.Command != "" {
		return TransportStdio
	}
	return TransportStreamableHTTP
}

// Endpoint returns a printable identity for the server's address.
func (c ServerConfig) Endpoint() string {
	if c.TransportName() == TransportStdio {
		return strings.TrimSpace(c.Command + " " + strings.Join(c.Args, " "))
	}
	return c.URL
}

// Validate checks the configuration and returns all problems joined.
func (c ServerConfig) Validate() error {
	var errs []error
	if c.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}

	switch t := c.TransportName(); t {
	case TransportStdio:
		if c.Command == "" {
			errs = append(errs, fmt.Errorf("server %q: command is required for stdio transport", c.Name))
		}
	case TransportStreamableHTTP, TransportSSE, TransportWebSocket:
		if c.URL == "" {
			errs = append(errs, fmt.Errorf("server %q: url is required for %s transport", c.Name, t))
		} else if u, err := url.Parse(c.URL); err != nil || u.Host == "" {
			errs = append(errs, fmt.Errorf("server %q: invalid url %q", c.Name, c.URL))
		}
	default:
		errs = append(errs, fmt.Errorf("server %q: unsupported transport %q", c.Name, t))
	}

	return errors.Join(errs...)
}

// SessionOptions are the timeouts and thresholds applied to a session.
type SessionOptions struct {
	// HandshakeTimeout bounds connect plus initial discovery.
	HandshakeTimeout time.Duration

	// ProbeTimeout bounds a single health probe.
	ProbeTimeout time.Duration

	// FailureThreshold is the number of consecutive invocation failures
	// after which a Ready session becomes Degraded.
	FailureThreshold int

	// KeepAlive, when positive, enables protocol-level pings by the client.
	KeepAlive time.Duration
}

// DefaultSessionOptions returns the defaults used when no config is supplied.
func DefaultSessionOptions() SessionOptions {
	return SessionOptions{
		HandshakeTimeout: 30 * time.Second,
		ProbeTimeout:     5 * time.Second,
		FailureThreshold: 3,
	}
}
