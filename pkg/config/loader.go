package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	toolmcp "github.com/rhuss/toolmux/pkg/tools/mcp"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "TOOLMUX_"

// Load loads configuration from a layered set of sources.
//
// The loading order is:
//  1. Built-in defaults
//  2. YAML config file (explicit path, TOOLMUX_CONFIG env, ./config.yaml, /etc/toolmux/config.yaml)
//  3. TOOLMUX_* environment variable overrides
//  4. File reference resolution (_file suffix)
//  5. Validation
func Load(configPath string) (*Config, error) {
	cfg := Defaults()

	if filePath := discoverConfigFile(configPath); filePath != "" {
		if err := loadYAMLFile(filePath, &cfg); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", filePath, err)
		}
	}

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}

	if err := resolveFileReferences(&cfg); err != nil {
		return nil, fmt.Errorf("resolving file references: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return &cfg, nil
}

// discoverConfigFile finds the config file path using the discovery order:
// 1. Explicit configPath argument
// 2. TOOLMUX_CONFIG environment variable
// 3. ./config.yaml in the current directory
// 4. /etc/toolmux/config.yaml
//
// Returns empty string if no config file is found.
func discoverConfigFile(configPath string) string {
	if configPath != "" {
		return configPath
	}
	if envPath := os.Getenv(EnvPrefix + "CONFIG"); envPath != "" {
		return envPath
	}
	for _, path := range []string{"config.yaml", "/etc/toolmux/config.yaml"} {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// loadYAMLFile reads and parses a YAML file into cfg. Fields not present in
// the YAML retain their current (default) values.
func loadYAMLFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return err
	}
	if len(doc.Content) == 0 {
		return nil // empty file
	}
	if err := expandNode(&doc); err != nil {
		return err
	}
	return doc.Decode(cfg)
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// expandNode replaces ${VAR} and ${VAR:-default} in every scalar value.
// Mapping keys are left alone. An unset variable without a default is an
// error.
func expandNode(n *yaml.Node) error {
	switch n.Kind {
	case yaml.ScalarNode:
		if !strings.Contains(n.Value, "${") {
			return nil
		}
		var missing []string
		n.Value = envRef.ReplaceAllStringFunc(n.Value, func(ref string) string {
			m := envRef.FindStringSubmatch(ref)
			if v, ok := os.LookupEnv(m[1]); ok {
				return v
			}
			if strings.Contains(ref, ":-") {
				return m[2]
			}
			missing = append(missing, m[1])
			return ""
		})
		if len(missing) > 0 {
			return fmt.Errorf("line %d: environment variable %s is not set", n.Line, strings.Join(missing, ", "))
		}
		// Expanded values are re-resolved, so "${PORT}" can decode as an int.
		if n.Style == 0 {
			n.Tag = ""
		}
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			if err := expandNode(n.Content[i]); err != nil {
				return err
			}
		}
	default:
		for _, c := range n.Content {
			if err := expandNode(c); err != nil {
				return err
			}
		}
	}
	return nil
}

func env(name string) (string, bool) {
	v := os.Getenv(EnvPrefix + name)
	return v, v != ""
}

// applyEnvOverrides maps TOOLMUX_* environment variables to config fields.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	durationVar := func(name string, dst *time.Duration) {
		if v, ok := env(name); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	intVar := func(name string, dst *int) {
		if v, ok := env(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}

	if v, ok := env("ADDR"); ok {
		cfg.Server.Addr = v
	}
	if v, ok := env("PORT"); ok {
		if _, err := strconv.Atoi(v); err != nil {
			errs = append(errs, fmt.Errorf("%sPORT: %w", EnvPrefix, err))
		} else {
			cfg.Server.Addr = ":" + v
		}
	}

	durationVar("HANDSHAKE_TIMEOUT", &cfg.MCP.HandshakeTimeout)
	durationVar("PROBE_INTERVAL", &cfg.Supervisor.ProbeInterval)
	durationVar("REFRESH_INTERVAL", &cfg.Supervisor.RefreshInterval)
	intVar("RECONNECT_ATTEMPTS", &cfg.Supervisor.Reconnect.MaxAttempts)
	durationVar("DISPATCH_TIMEOUT", &cfg.Dispatch.DefaultTimeout)

	if v, ok := env("ALLOWED_TOOLS"); ok {
		cfg.Bridge.AllowedTools = splitList(v)
	}

	if v, ok := env("JOURNAL"); ok {
		cfg.Journal.Type = v
	}
	intVar("JOURNAL_SIZE", &cfg.Journal.MaxSize)
	durationVar("JOURNAL_RETENTION", &cfg.Journal.Retention)
	if v, ok := env("SQLITE_PATH"); ok {
		cfg.Journal.SQLite.Path = v
	}
	if v, ok := env("POSTGRES_DSN"); ok {
		cfg.Journal.Postgres.DSN = v
	}

	if v, ok := env("AUTH_TYPE"); ok {
		cfg.Auth.Type = v
	}
	intVar("RATE_LIMIT_RPM", &cfg.Auth.RateLimit.RequestsPerMinute)

	// TOOLMUX_API_KEYS: JSON array of API key configs.
	if v, ok := env("API_KEYS"); ok {
		var keys []APIKeyConfig
		if err := json.Unmarshal([]byte(v), &keys); err != nil {
			errs = append(errs, fmt.Errorf("%sAPI_KEYS: %w", EnvPrefix, err))
		} else {
			cfg.Auth.APIKeys = keys
		}
	}

	// TOOLMUX_MCP_SERVERS: JSON array of tool server configs.
	if v, ok := env("MCP_SERVERS"); ok {
		var servers []toolmcp.ServerConfig
		if err := json.Unmarshal([]byte(v), &servers); err != nil {
			errs = append(errs, fmt.Errorf("%sMCP_SERVERS: %w", EnvPrefix, err))
		} else {
			cfg.MCP.Servers = servers
		}
	}

	if v, ok := env("OTLP_ENDPOINT"); ok {
		cfg.Observability.Tracing.Enabled = true
		cfg.Observability.Tracing.Endpoint = v
	}

	if v, ok := env("LOG_LEVEL"); ok {
		cfg.Logging.Level = v
	}
	if v, ok := env("LOG_FORMAT"); ok {
		cfg.Logging.Format = v
	}
	if v, ok := env("DEBUG"); ok {
		cfg.Logging.Debug = v
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// resolveFileReferences reads _file fields and populates the corresponding
// value fields. An explicit value always wins over its _file variant.
func resolveFileReferences(cfg *Config) error {
	resolve := func(field string, file string, dst *string) error {
		if file == "" || *dst != "" {
			return nil
		}
		val, err := readSecretFile(file)
		if err != nil {
			return fmt.Errorf("%s: %w", field, err)
		}
		*dst = val
		return nil
	}

	var errs []error
	errs = append(errs, resolve("journal.postgres.dsn_file", cfg.Journal.Postgres.DSNFile, &cfg.Journal.Postgres.DSN))
	for i := range cfg.Auth.APIKeys {
		k := &cfg.Auth.APIKeys[i]
		errs = append(errs, resolve(fmt.Sprintf("auth.api_keys[%d].key_file", i), k.KeyFile, &k.Key))
	}
	for i := range cfg.MCP.Servers {
		s := &cfg.MCP.Servers[i]
		errs = append(errs, resolve(fmt.Sprintf("mcp.servers[%d].bearer_token_file", i), s.BearerTokenFile, &s.BearerToken))
	}
	return errors.Join(errs...)
}

// readSecretFile reads a file and returns its content with surrounding
// whitespace trimmed.
func readSecretFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
