package config

import (
	"errors"
	"fmt"
	"net"
)

// Validate checks the configuration for required fields and valid values.
// All problems are returned joined, each with its field path.
func (c *Config) Validate() error {
	var errs []error

	if _, _, err := net.SplitHostPort(c.Server.Addr); err != nil {
		errs = append(errs, fmt.Errorf("server.addr %q: %w", c.Server.Addr, err))
	}
	if c.Server.MaxBodySize <= 0 {
		errs = append(errs, fmt.Errorf("server.max_body_size must be > 0, got %d", c.Server.MaxBodySize))
	}

	seen := make(map[string]bool, len(c.MCP.Servers))
	for i, s := range c.MCP.Servers {
		if err := s.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: %w", i, err))
		}
		if s.Name != "" && seen[s.Name] {
			errs = append(errs, fmt.Errorf("mcp.servers[%d]: duplicate server name %q", i, s.Name))
		}
		seen[s.Name] = true
	}
	if c.MCP.HandshakeTimeout <= 0 {
		errs = append(errs, fmt.Errorf("mcp.handshake_timeout must be > 0"))
	}
	if c.MCP.FailureThreshold < 1 {
		errs = append(errs, fmt.Errorf("mcp.failure_threshold must be >= 1, got %d", c.MCP.FailureThreshold))
	}

	if c.Supervisor.ProbeInterval < 0 || c.Supervisor.RefreshInterval < 0 {
		errs = append(errs, fmt.Errorf("supervisor intervals must not be negative"))
	}
	if r := c.Supervisor.Reconnect; r.MaxAttempts > 0 && (r.InitialInterval <= 0 || r.MaxInterval < r.InitialInterval) {
		errs = append(errs, fmt.Errorf("supervisor.reconnect: need 0 < initial_interval <= max_interval"))
	}

	if c.Dispatch.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("dispatch.default_timeout must be > 0"))
	}
	if c.Dispatch.MaxTimeout > 0 && c.Dispatch.DefaultTimeout > c.Dispatch.MaxTimeout {
		errs = append(errs, fmt.Errorf("dispatch.default_timeout %s exceeds dispatch.max_timeout %s",
			c.Dispatch.DefaultTimeout, c.Dispatch.MaxTimeout))
	}

	switch c.Journal.Type {
	case "none", "":
	case "memory":
		if c.Journal.MaxSize <= 0 {
			errs = append(errs, fmt.Errorf("journal.max_size must be > 0 for the memory journal"))
		}
	case "sqlite":
		if c.Journal.SQLite.Path == "" {
			errs = append(errs, fmt.Errorf("journal.sqlite.path is required when journal.type is \"sqlite\""))
		}
	case "postgres":
		if c.Journal.Postgres.DSN == "" && c.Journal.Postgres.DSNFile == "" {
			errs = append(errs, fmt.Errorf("journal.postgres.dsn or journal.postgres.dsn_file is required when journal.type is \"postgres\""))
		}
	default:
		errs = append(errs, fmt.Errorf("journal.type must be \"none\", \"memory\", \"sqlite\", or \"postgres\", got %q", c.Journal.Type))
	}
	if c.Journal.Retention < 0 {
		errs = append(errs, fmt.Errorf("journal.retention must not be negative"))
	}

	switch c.Auth.Type {
	case "none":
	case "apikey":
		if len(c.Auth.APIKeys) == 0 {
			errs = append(errs, fmt.Errorf("auth.api_keys must not be empty when auth.type is \"apikey\""))
		}
		for i, k := range c.Auth.APIKeys {
			if k.Key == "" && k.KeyFile == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d]: key or key_file is required", i))
			}
			if k.Subject == "" {
				errs = append(errs, fmt.Errorf("auth.api_keys[%d]: subject is required", i))
			}
		}
	default:
		errs = append(errs, fmt.Errorf("auth.type must be \"none\" or \"apikey\", got %q", c.Auth.Type))
	}

	if r := c.Observability.Tracing.SampleRatio; r < 0 || r > 1 {
		errs = append(errs, fmt.Errorf("observability.tracing.sample_ratio must be in [0, 1], got %v", r))
	}

	switch c.Logging.Format {
	case "text", "json", "":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be \"text\" or \"json\", got %q", c.Logging.Format))
	}

	return errors.Join(errs...)
}
