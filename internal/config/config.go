// Package config loads, validates, and watches the relay configuration.
//
// Files are YAML or JSON5, may pull in other files with $include, and have
// environment variables expanded before parsing. Unknown keys are ignored so
// configs written for newer releases still load.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// EnvConfigPath names the config file when --config is not given.
const EnvConfigPath = "RELAY_CONFIG"

// Config is the root configuration for the relay gateway.
type Config struct {
	Server      ServerConfig      `yaml:"server" json:"server"`
	Auth        AuthConfig        `yaml:"auth" json:"auth"`
	Backends    BackendsConfig    `yaml:"backends" json:"backends"`
	MCP         MCPConfig         `yaml:"mcp" json:"mcp"`
	Limits      LimitsConfig      `yaml:"limits" json:"limits"`
	Registry    RegistryConfig    `yaml:"registry" json:"registry"`
	Interrupts  InterruptsConfig  `yaml:"interrupts" json:"interrupts"`
	Runs        RunsConfig        `yaml:"runs" json:"runs"`
	Logging     LoggingConfig     `yaml:"logging" json:"logging"`
	Tracing     TracingConfig     `yaml:"tracing" json:"tracing"`
	Usage       UsageConfig       `yaml:"usage" json:"usage"`
	Maintenance MaintenanceConfig `yaml:"maintenance" json:"maintenance"`

	// StateDir roots the persisted registry, interrupt, and run state.
	// Sections that take explicit paths override it.
	StateDir string `yaml:"state_dir" json:"state_dir"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Host            string        `yaml:"host" json:"host"`
	Port            int           `yaml:"port" json:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout" json:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// CORSOrigins lists allowed Origin values; "*" allows any.
	CORSOrigins []string `yaml:"cors_origins" json:"cors_origins"`
}

// Addr renders the listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// AuthConfig configures gateway authentication. With neither a JWT secret
// nor API keys set, authentication is disabled (development mode).
type AuthConfig struct {
	// JWTSecret verifies HS256 bearer tokens when present.
	JWTSecret string `yaml:"jwt_secret" json:"jwt_secret"`

	// APIKeys are accepted as X-API-Key or bearer values.
	APIKeys []string `yaml:"api_keys" json:"api_keys"`
}

// Enabled reports whether any credential source is configured.
func (a AuthConfig) Enabled() bool {
	return a.JWTSecret != "" || len(a.APIKeys) > 0
}

// BackendsConfig declares the LLM backends and their fallback chain.
type BackendsConfig struct {
	// Chain is the fallback order by backend name. Empty means the first
	// configured entry stands alone.
	Chain []string `yaml:"chain" json:"chain"`

	Entries []BackendEntry `yaml:"entries" json:"entries"`

	// ProbeTimeout bounds one health probe. Default 2s.
	ProbeTimeout time.Duration `yaml:"probe_timeout" json:"probe_timeout"`

	// HealthTTL is how long a probe result stays fresh. Default 5s.
	HealthTTL time.Duration `yaml:"health_ttl" json:"health_ttl"`
}

// BackendEntry configures one backend instance.
type BackendEntry struct {
	// Type selects the variant: anthropic, openai, bedrock, gemini, local.
	Type string `yaml:"type" json:"type"`

	// Name overrides the variant's default instance name.
	Name string `yaml:"name" json:"name"`

	Model   string `yaml:"model" json:"model"`
	APIKey  string `yaml:"api_key" json:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url"`

	// Region only applies to the bedrock variant.
	Region string `yaml:"region" json:"region"`

	// NativeTools forces the tool-capability flag where it depends on the
	// deployed model (openai-compatible servers).
	NativeTools *bool `yaml:"native_tools" json:"native_tools"`

	// Extra carries variant-specific settings.
	Extra map[string]any `yaml:"extra" json:"extra"`
}

// InstanceName is the name the entry registers under.
func (e BackendEntry) InstanceName() string {
	if e.Name != "" {
		return e.Name
	}
	return e.Type
}

// MCPConfig configures the MCP tool servers.
type MCPConfig struct {
	Servers []MCPServerConfig `yaml:"servers" json:"servers"`

	// ValidateArguments checks tool-call arguments against each tool's
	// inputSchema before dispatch.
	ValidateArguments bool `yaml:"validate_arguments" json:"validate_arguments"`
}

// MCPServerConfig configures one MCP server connection.
type MCPServerConfig struct {
	ID      string            `yaml:"id" json:"id"`
	Name    string            `yaml:"name" json:"name"`
	URL     string            `yaml:"url" json:"url"`
	Headers map[string]string `yaml:"headers" json:"headers"`

	// CallTimeout overrides the per-call default for this server.
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout"`
}

// LimitsConfig bounds tool loop execution.
type LimitsConfig struct {
	// MaxToolCalls is the default per-run tool budget; 0 means unlimited.
	MaxToolCalls int `yaml:"max_tool_calls" json:"max_tool_calls"`

	// Workers assigns per-worker budgets by worker id.
	Workers map[string]int `yaml:"workers" json:"workers"`
}

// RegistryConfig configures the agent registry.
type RegistryConfig struct {
	// HeartbeatTimeout marks agents dead when exceeded. Default 30s.
	HeartbeatTimeout time.Duration `yaml:"heartbeat_timeout" json:"heartbeat_timeout"`

	// PersistPath is the registry snapshot file. Defaults under StateDir.
	PersistPath string `yaml:"persist_path" json:"persist_path"`
}

// InterruptsConfig configures interrupt persistence.
type InterruptsConfig struct {
	// Dir holds per-thread interrupt files. Defaults under StateDir.
	Dir string `yaml:"dir" json:"dir"`
}

// RunsConfig configures context pack persistence.
type RunsConfig struct {
	// Dir holds per-run context packs. Defaults under StateDir.
	Dir string `yaml:"dir" json:"dir"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level     string   `yaml:"level" json:"level"`
	Format    string   `yaml:"format" json:"format"`
	AddSource bool     `yaml:"add_source" json:"add_source"`
	Redact    []string `yaml:"redact" json:"redact"`
}

// TracingConfig configures the OTLP trace exporter. Tracing is disabled
// unless an endpoint is set.
type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint" json:"endpoint"`
	SamplingRate float64 `yaml:"sampling_rate" json:"sampling_rate"`
	Environment  string  `yaml:"environment" json:"environment"`
	Insecure     bool    `yaml:"insecure" json:"insecure"`
}

// UsageConfig configures the run log store.
type UsageConfig struct {
	// Driver is memory, sqlite, or postgres. Default memory.
	Driver string `yaml:"driver" json:"driver"`

	// Path is the SQLite database file. Defaults under StateDir.
	Path string `yaml:"path" json:"path"`

	// DSN is the Postgres connection string.
	DSN string `yaml:"dsn" json:"dsn"`
}

// MaintenanceConfig configures the background jobs.
type MaintenanceConfig struct {
	// Enabled turns the cron scheduler on. Default true.
	Enabled *bool `yaml:"enabled" json:"enabled"`

	// ReapSpec schedules dead-agent reaping. Default "@every 30s".
	ReapSpec string `yaml:"reap_spec" json:"reap_spec"`

	// HealthSpec schedules backend health refresh. Default "@every 15s".
	HealthSpec string `yaml:"health_spec" json:"health_spec"`
}

// JobsEnabled reports whether the scheduler should run.
func (m MaintenanceConfig) JobsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8790
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.StateDir == "" {
		cfg.StateDir = defaultStateDir()
	}
	if cfg.Registry.PersistPath == "" {
		cfg.Registry.PersistPath = filepath.Join(cfg.StateDir, "agents.json")
	}
	if cfg.Registry.HeartbeatTimeout == 0 {
		cfg.Registry.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.Interrupts.Dir == "" {
		cfg.Interrupts.Dir = filepath.Join(cfg.StateDir, "interrupts")
	}
	if cfg.Runs.Dir == "" {
		cfg.Runs.Dir = filepath.Join(cfg.StateDir, "runs")
	}

	if cfg.Backends.ProbeTimeout == 0 {
		cfg.Backends.ProbeTimeout = 2 * time.Second
	}
	if cfg.Backends.HealthTTL == 0 {
		cfg.Backends.HealthTTL = 5 * time.Second
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Usage.Driver == "" {
		cfg.Usage.Driver = "memory"
	}
	if cfg.Usage.Driver == "sqlite" && cfg.Usage.Path == "" {
		cfg.Usage.Path = filepath.Join(cfg.StateDir, "runlog.db")
	}

	if cfg.Maintenance.ReapSpec == "" {
		cfg.Maintenance.ReapSpec = "@every 30s"
	}
	if cfg.Maintenance.HealthSpec == "" {
		cfg.Maintenance.HealthSpec = "@every 15s"
	}
}

func defaultStateDir() string {
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".relay")
	}
	return ".relay"
}

// knownBackendTypes are the variants the build registers factories for.
var knownBackendTypes = map[string]bool{
	"anthropic": true,
	"openai":    true,
	"bedrock":   true,
	"gemini":    true,
	"local":     true,
}

// knownUsageDrivers are the run log stores.
var knownUsageDrivers = map[string]bool{
	"memory":   true,
	"sqlite":   true,
	"postgres": true,
}

// Validate checks the configuration for structural errors.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}

	names := map[string]bool{}
	for i, entry := range c.Backends.Entries {
		if entry.Type == "" {
			return fmt.Errorf("backends.entries[%d]: type is required", i)
		}
		if !knownBackendTypes[entry.Type] {
			return fmt.Errorf("backends.entries[%d]: unknown type %q", i, entry.Type)
		}
		name := entry.InstanceName()
		if names[name] {
			return fmt.Errorf("backends.entries[%d]: duplicate backend name %q", i, name)
		}
		names[name] = true
	}
	for _, name := range c.Backends.Chain {
		if !names[name] {
			return fmt.Errorf("backends.chain references unknown backend %q", name)
		}
	}

	ids := map[string]bool{}
	for i, server := range c.MCP.Servers {
		if server.ID == "" {
			return fmt.Errorf("mcp.servers[%d]: id is required", i)
		}
		if ids[server.ID] {
			return fmt.Errorf("mcp.servers[%d]: duplicate server id %q", i, server.ID)
		}
		ids[server.ID] = true
		if server.URL == "" {
			return fmt.Errorf("mcp.servers[%d]: url is required", i)
		}
		if !strings.HasPrefix(server.URL, "http://") && !strings.HasPrefix(server.URL, "https://") {
			return fmt.Errorf("mcp.servers[%d]: url must start with http:// or https://", i)
		}
	}

	if c.Limits.MaxToolCalls < 0 {
		return fmt.Errorf("limits.max_tool_calls must not be negative")
	}
	for worker, limit := range c.Limits.Workers {
		if limit < 0 {
			return fmt.Errorf("limits.workers[%s] must not be negative", worker)
		}
	}

	if c.Registry.HeartbeatTimeout < 100*time.Millisecond {
		return fmt.Errorf("registry.heartbeat_timeout below 100ms")
	}

	if !knownUsageDrivers[c.Usage.Driver] {
		return fmt.Errorf("usage.driver %q unknown", c.Usage.Driver)
	}
	if c.Usage.Driver == "postgres" && strings.TrimSpace(c.Usage.DSN) == "" {
		return fmt.Errorf("usage.driver postgres requires usage.dsn")
	}

	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		return fmt.Errorf("tracing.sampling_rate must be within [0,1]")
	}

	return nil
}
