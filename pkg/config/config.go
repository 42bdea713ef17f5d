// Package config provides unified configuration for the toolmux gateway
// and the toolctl CLI.
//
// Configuration is loaded in layers:
//  1. Built-in defaults
//  2. YAML config file (discovered or explicitly specified), with ${VAR}
//     and ${VAR:-default} expanded in scalar values
//  3. Environment variable overrides (TOOLMUX_ prefix)
//  4. File reference resolution (_file suffix fields)
//  5. Validation
package config

import (
	"time"

	toolmcp "github.com/rhuss/toolmux/pkg/tools/mcp"
)

// Config holds all configuration for the toolmux gateway.
type Config struct {
	Server        ServerConfig        `yaml:"server"`
	MCP           MCPConfig           `yaml:"mcp"`
	Supervisor    SupervisorConfig    `yaml:"supervisor"`
	Dispatch      DispatchConfig      `yaml:"dispatch"`
	Bridge        BridgeConfig        `yaml:"bridge"`
	Journal       JournalConfig       `yaml:"journal"`
	Auth          AuthConfig          `yaml:"auth"`
	Observability ObservabilityConfig `yaml:"observability"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`             // default: ":8080"
	MaxBodySize     int64         `yaml:"max_body_size"`    // default: 10 MiB
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // default: 30s
}

// MCPConfig lists the tool servers and the session settings applied to
// each of them.
type MCPConfig struct {
	Servers          []toolmcp.ServerConfig `yaml:"servers"`
	HandshakeTimeout time.Duration          `yaml:"handshake_timeout"` // default: 30s
	ProbeTimeout     time.Duration          `yaml:"probe_timeout"`     // default: 5s
	FailureThreshold int                    `yaml:"failure_threshold"` // default: 3
	KeepAlive        time.Duration          `yaml:"keep_alive"`        // default: off
}

// SessionOptions converts the session settings for toolmcp.NewSession.
func (c MCPConfig) SessionOptions() toolmcp.SessionOptions {
	return toolmcp.SessionOptions{
		HandshakeTimeout: c.HandshakeTimeout,
		ProbeTimeout:     c.ProbeTimeout,
		FailureThreshold: c.FailureThreshold,
		KeepAlive:        c.KeepAlive,
	}
}

// SupervisorConfig controls health probing, re-discovery, and reconnects.
type SupervisorConfig struct {
	ProbeInterval   time.Duration   `yaml:"probe_interval"`   // default: 30s, 0 disables
	RefreshInterval time.Duration   `yaml:"refresh_interval"` // default: 0 (disabled)
	Reconnect       ReconnectConfig `yaml:"reconnect"`
}

// ReconnectConfig is the exponential backoff applied after a session is lost.
type ReconnectConfig struct {
	InitialInterval time.Duration `yaml:"initial_interval"` // default: 500ms
	MaxInterval     time.Duration `yaml:"max_interval"`     // default: 30s
	MaxAttempts     int           `yaml:"max_attempts"`     // default: 10, 0 disables
}

// DispatchConfig bounds invocations.
type DispatchConfig struct {
	DefaultTimeout   time.Duration `yaml:"default_timeout"`    // default: 60s
	MaxTimeout       time.Duration `yaml:"max_timeout"`        // default: 10m
	MaxArgumentsSize int           `yaml:"max_arguments_size"` // default: 1 MiB
}

// BridgeConfig restricts what the orchestration bridge exposes.
type BridgeConfig struct {
	AllowedTools []string `yaml:"allowed_tools"` // empty exposes all
}

// JournalConfig selects the invocation journal backend.
type JournalConfig struct {
	Type          string         `yaml:"type"`           // "none", "memory", "sqlite", or "postgres", default: "memory"
	MaxSize       int            `yaml:"max_size"`       // memory only, default: 10000
	Retention     time.Duration  `yaml:"retention"`      // 0 keeps records forever
	PruneInterval time.Duration  `yaml:"prune_interval"` // default: 1h
	SQLite        SQLiteConfig   `yaml:"sqlite"`
	Postgres      PostgresConfig `yaml:"postgres"`
}

// SQLiteConfig holds SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path"` // default: "toolmux.db"
}

// PostgresConfig holds PostgreSQL-specific settings.
type PostgresConfig struct {
	DSN            string `yaml:"dsn"`
	DSNFile        string `yaml:"dsn_file"`         // _file variant for dsn
	MaxConns       int32  `yaml:"max_conns"`        // default: 25
	MigrateOnStart bool   `yaml:"migrate_on_start"` // default: false
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type      string          `yaml:"type"`     // "none" or "apikey", default: "none"
	APIKeys   []APIKeyConfig  `yaml:"api_keys"` // entries for type=apikey
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// APIKeyConfig describes a single API key entry.
type APIKeyConfig struct {
	Key      string   `yaml:"key" json:"key"`
	KeyFile  string   `yaml:"key_file" json:"key_file"` // _file variant for key
	Subject  string   `yaml:"subject" json:"subject"`
	TenantID string   `yaml:"tenant_id" json:"tenant_id"`
	Tier     string   `yaml:"tier" json:"tier"`
	Tools    []string `yaml:"tools" json:"tools"` // tool name patterns, empty allows all
}

// RateLimitConfig holds per-tier request budgets.
type RateLimitConfig struct {
	RequestsPerMinute int                   `yaml:"requests_per_minute"` // default tier, 0 is unlimited
	Burst             int                   `yaml:"burst"`
	Tiers             map[string]TierConfig `yaml:"tiers"`
}

// TierConfig is the request budget of one named tier.
type TierConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// ObservabilityConfig holds instrumentation settings.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing"`
}

// TracingConfig holds OpenTelemetry export settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"` // OTLP/HTTP host:port
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"` // default: 1
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // DEBUG, INFO, WARN, ERROR; default: INFO
	Format string `yaml:"format"` // "text" or "json", default: "text"
	Debug  string `yaml:"debug"`  // comma-separated debug categories
}

// Defaults returns a Config with all default values filled in.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxBodySize:     10 << 20,
			ShutdownTimeout: 30 * time.Second,
		},
		MCP: MCPConfig{
			HandshakeTimeout: 30 * time.Second,
			ProbeTimeout:     5 * time.Second,
			FailureThreshold: 3,
		},
		Supervisor: SupervisorConfig{
			ProbeInterval: 30 * time.Second,
			Reconnect: ReconnectConfig{
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
				MaxAttempts:     10,
			},
		},
		Dispatch: DispatchConfig{
			DefaultTimeout:   60 * time.Second,
			MaxTimeout:       10 * time.Minute,
			MaxArgumentsSize: 1 << 20,
		},
		Journal: JournalConfig{
			Type:          "memory",
			MaxSize:       10000,
			PruneInterval: time.Hour,
			SQLite:        SQLiteConfig{Path: "toolmux.db"},
			Postgres:      PostgresConfig{MaxConns: 25},
		},
		Auth: AuthConfig{
			Type: "none",
		},
		Observability: ObservabilityConfig{
			Tracing: TracingConfig{SampleRatio: 1},
		},
		Logging: LoggingConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}
