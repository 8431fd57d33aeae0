package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "pulseline.yml"

// Storage backends.
const (
	BackendJSONL  = "jsonl"
	BackendSQLite = "sqlite"
)

// Detection scopes accepted by observe.scope.
const (
	ScopeGateway  = "gateway"
	ScopeExecutor = "executor"
	ScopeAll      = "all"
)

// Config models pulseline.yml.
type Config struct {
	Enabled   bool            `yaml:"enabled"`
	Briefing  BriefingConfig  `yaml:"briefing"`
	Storage   StorageConfig   `yaml:"storage"`
	Transport TransportConfig `yaml:"transport"`
	Activity  ActivityConfig  `yaml:"activity"`
	Observe   ObserveConfig   `yaml:"observe"`
}

type BriefingConfig struct {
	// Interval is the minimum time between two content-driven publishes.
	Interval string `yaml:"interval"`
	// IdleEscalation forces a publish after this long without one. Empty or 0 disables it.
	IdleEscalation   string `yaml:"idle_escalation"`
	Tick             string `yaml:"tick"`
	IncludeCompleted bool   `yaml:"include_completed"`
}

type StorageConfig struct {
	Dir     string `yaml:"dir"`
	Backend string `yaml:"backend"`
}

type TransportConfig struct {
	Enabled      bool   `yaml:"enabled"`
	ChannelID    string `yaml:"channel_id"`
	Mention      string `yaml:"mention"`
	BaseURL      string `yaml:"base_url"`
	TokenEnv     string `yaml:"token_env"`
	Timeout      string `yaml:"timeout"`
	MaxPerMinute int    `yaml:"max_per_minute"`
}

type ActivityConfig struct {
	Enabled        bool     `yaml:"enabled"`
	MaxRecentCalls int      `yaml:"max_recent_calls"`
	MaxAgents      int      `yaml:"max_agents"`
	ExcludeTools   []string `yaml:"exclude_tools"`
}

type ObserveConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Scope           string   `yaml:"scope"`
	LogPath         string   `yaml:"log_path"`
	MaxBytesPerTick int64    `yaml:"max_bytes_per_tick"`
	Include         []string `yaml:"include"`
	Exclude         []string `yaml:"exclude"`
	// Attribution replaces the built-in agent extraction patterns. Each
	// pattern needs one capture group holding the agent identity.
	Attribution []string         `yaml:"attribution"`
	AgentJobs   AgentJobsConfig  `yaml:"agent_jobs"`
	Escalation  EscalationConfig `yaml:"escalation"`
}

type AgentJobsConfig struct {
	Enabled  bool `yaml:"enabled"`
	MinCount int  `yaml:"min_count"`
}

type EscalationConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Threshold int    `yaml:"threshold"`
	Cooldown  string `yaml:"cooldown"`
	Mention   string `yaml:"mention"`
}

const (
	defaultInterval        = 15 * time.Minute
	defaultTick            = time.Minute
	defaultTransportTimout = 10 * time.Second
	defaultCooldown        = 5 * time.Minute
	defaultMaxBytesPerTick = 256 * 1024
	defaultBaseURL         = "https://discord.com/api/v10"
	defaultTokenEnv        = "PULSELINE_BOT_TOKEN"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with pl init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns the default config if the file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// Default returns the default Config.
func Default() *Config {
	var cfg Config
	if err := yaml.Unmarshal([]byte(defaultTemplate), &cfg); err != nil {
		panic(fmt.Sprintf("default config: %v", err))
	}
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// FromYAML parses config from raw YAML bytes on top of the defaults and validates it.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config is usable.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "", BackendJSONL, BackendSQLite:
	default:
		return fmt.Errorf("config.storage.backend must be %q or %q", BackendJSONL, BackendSQLite)
	}
	durations := map[string]string{
		"briefing.interval":           c.Briefing.Interval,
		"briefing.idle_escalation":    c.Briefing.IdleEscalation,
		"briefing.tick":               c.Briefing.Tick,
		"transport.timeout":           c.Transport.Timeout,
		"observe.escalation.cooldown": c.Observe.Escalation.Cooldown,
	}
	for key, v := range durations {
		if v == "" || v == "0" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config.%s: invalid duration %q", key, v)
		}
		if d < 0 {
			return fmt.Errorf("config.%s must not be negative", key)
		}
	}
	if c.Transport.Enabled && strings.TrimSpace(c.Transport.ChannelID) == "" {
		return fmt.Errorf("config.transport.channel_id is required when transport is enabled")
	}
	if c.Activity.MaxRecentCalls < 0 {
		return fmt.Errorf("config.activity.max_recent_calls must not be negative")
	}
	if c.Observe.MaxBytesPerTick < 0 {
		return fmt.Errorf("config.observe.max_bytes_per_tick must not be negative")
	}
	switch strings.TrimSpace(c.Observe.Scope) {
	case "", ScopeGateway, ScopeExecutor, ScopeAll:
	default:
		return fmt.Errorf("config.observe.scope must be one of %q, %q or %q", ScopeGateway, ScopeExecutor, ScopeAll)
	}
	if c.Observe.Escalation.Threshold < 0 {
		return fmt.Errorf("config.observe.escalation.threshold must not be negative")
	}
	if c.Observe.Escalation.Enabled && c.Observe.Escalation.Threshold == 0 {
		return fmt.Errorf("config.observe.escalation.threshold must be positive when escalation is enabled")
	}
	return nil
}

// PublishInterval returns briefing.interval, defaulting to 15m.
func (c *Config) PublishInterval() time.Duration {
	return ParseDurationOrDefault(c.Briefing.Interval, defaultInterval)
}

// IdleEscalation returns briefing.idle_escalation; zero disables it.
func (c *Config) IdleEscalation() time.Duration {
	return ParseDurationOrDefault(c.Briefing.IdleEscalation, 0)
}

// TickInterval returns briefing.tick, defaulting to 1m.
func (c *Config) TickInterval() time.Duration {
	d := ParseDurationOrDefault(c.Briefing.Tick, defaultTick)
	if d <= 0 {
		return defaultTick
	}
	return d
}

// StorageDir resolves storage.dir against the workspace.
func (c *Config) StorageDir(workspace string) string {
	dir := c.Storage.Dir
	if dir == "" {
		dir = ".pulseline"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, dir)
}

// Backend returns storage.backend, defaulting to jsonl.
func (c *Config) Backend() string {
	if c.Storage.Backend == "" {
		return BackendJSONL
	}
	return c.Storage.Backend
}

// TransportTimeout returns transport.timeout, defaulting to 10s.
func (c *Config) TransportTimeout() time.Duration {
	d := ParseDurationOrDefault(c.Transport.Timeout, defaultTransportTimout)
	if d <= 0 {
		return defaultTransportTimout
	}
	return d
}

// TransportBaseURL returns transport.base_url without a trailing slash.
func (c *Config) TransportBaseURL() string {
	if strings.TrimSpace(c.Transport.BaseURL) == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(c.Transport.BaseURL, "/")
}

// TransportToken reads the bot credential from the configured environment variable.
func (c *Config) TransportToken() string {
	env := c.Transport.TokenEnv
	if env == "" {
		env = defaultTokenEnv
	}
	return strings.TrimSpace(os.Getenv(env))
}

// EscalationCooldown returns observe.escalation.cooldown, defaulting to 5m.
func (c *Config) EscalationCooldown() time.Duration {
	return ParseDurationOrDefault(c.Observe.Escalation.Cooldown, defaultCooldown)
}

// MaxBytesPerTick returns observe.max_bytes_per_tick, defaulting to 256KiB.
func (c *Config) MaxBytesPerTick() int64 {
	if c.Observe.MaxBytesPerTick <= 0 {
		return defaultMaxBytesPerTick
	}
	return c.Observe.MaxBytesPerTick
}

// ParseDurationOrDefault parses a Go duration string, returning fallback on error or empty input.
func ParseDurationOrDefault(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

const defaultTemplate = `enabled: true

briefing:
  interval: 15m
  idle_escalation: 0s
  tick: 1m
  include_completed: false

storage:
  dir: .pulseline
  backend: jsonl

transport:
  enabled: false
  channel_id: ""
  mention: ""
  base_url: https://discord.com/api/v10
  token_env: PULSELINE_BOT_TOKEN
  timeout: 10s
  max_per_minute: 30

activity:
  enabled: true
  max_recent_calls: 20
  max_agents: 256
  exclude_tools: [pulse_status, pulse_agents]

observe:
  enabled: false
  scope: gateway
  log_path: ""
  max_bytes_per_tick: 262144
  include: []
  exclude: []
  attribution: []
  agent_jobs:
    enabled: true
    min_count: 1
  escalation:
    enabled: true
    threshold: 3
    cooldown: 5m
    mention: ""
`
