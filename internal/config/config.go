package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/kelseyhightower/envconfig"
)

const (
	DefaultModel            = "claude-sonnet-4-5-20250929"
	DefaultMaxTokens        = 8192
	DefaultTemperature      = 0.2
	DefaultMaxTurns         = 0
	DefaultMaxPrice         = 0.0
	DefaultFanOut           = 4
	DefaultGracePeriod      = 5.0
	DefaultCompactThreshold = 200000
	DefaultProfile          = "default"
	DefaultBashTimeout      = 60
	DefaultMaxRetries       = 3
	DefaultLogLevel         = "info"
	DefaultLogFormat        = "text"
	DefaultStartupTimeout   = 10.0
	DefaultToolTimeout      = 60.0
	DefaultAPIKeyHeader     = "Authorization"
	DefaultAPIKeyFormat     = "Bearer {token}"
)

type Config struct {
	Agent    AgentConfig    `json:"agent"`
	Provider ProviderConfig `json:"provider"`
	Tools    ToolsConfig    `json:"tools"`
	MCP      MCPConfig      `json:"mcp"`
	Log      LogConfig      `json:"log"`
	Store    StoreConfig    `json:"store"`
	Metrics  MetricsConfig  `json:"metrics"`
}

// AgentConfig carries the session-scoped controls. Zero MaxTurns or MaxPrice
// means unlimited.
type AgentConfig struct {
	Workspace        string  `json:"workspace" envconfig:"WORKSPACE"`
	Model            string  `json:"model" envconfig:"MODEL"`
	MaxTokens        int     `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature      float64 `json:"temperature" envconfig:"TEMPERATURE"`
	MaxTurns         int     `json:"maxTurns" envconfig:"MAX_TURNS"`
	MaxPrice         float64 `json:"maxPrice" envconfig:"MAX_PRICE"`
	FanOut           int     `json:"fanOut" envconfig:"FAN_OUT"`
	GracePeriod      float64 `json:"gracePeriod" envconfig:"GRACE_PERIOD"`
	CompactThreshold int     `json:"compactThreshold" envconfig:"COMPACT_THRESHOLD"`
	ContextWarnings  bool    `json:"contextWarnings" envconfig:"CONTEXT_WARNINGS"`
	Profile          string  `json:"profile" envconfig:"PROFILE"`
	ProfilesDir      string  `json:"profilesDir,omitempty" envconfig:"PROFILES_DIR"`
}

type ProviderConfig struct {
	Type              string  `json:"type,omitempty"` // "anthropic" (default) or "openai"
	APIKey            string  `json:"apiKey"`
	BaseURL           string  `json:"baseUrl,omitempty"`
	InputPrice        float64 `json:"inputPrice,omitempty"`  // USD per million input tokens
	OutputPrice       float64 `json:"outputPrice,omitempty"` // USD per million output tokens
	RequestsPerMinute int     `json:"requestsPerMinute,omitempty"`
	MaxRetries        int     `json:"maxRetries"`
}

type ToolsConfig struct {
	Enabled     []string `json:"enabled,omitempty"`
	Disabled    []string `json:"disabled,omitempty"`
	BashTimeout int      `json:"bashTimeout"`
}

type MCPConfig struct {
	Servers []ServerConfig `json:"servers,omitempty"`
}

type LogConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
}

type StoreConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty"`
}

func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Agent: AgentConfig{
			Workspace:        filepath.Join(home, ".clawloop", "workspace"),
			Model:            DefaultModel,
			MaxTokens:        DefaultMaxTokens,
			Temperature:      DefaultTemperature,
			MaxTurns:         DefaultMaxTurns,
			MaxPrice:         DefaultMaxPrice,
			FanOut:           DefaultFanOut,
			GracePeriod:      DefaultGracePeriod,
			CompactThreshold: DefaultCompactThreshold,
			ContextWarnings:  true,
			Profile:          DefaultProfile,
		},
		Provider: ProviderConfig{
			MaxRetries: DefaultMaxRetries,
		},
		Tools: ToolsConfig{
			BashTimeout: DefaultBashTimeout,
		},
		Log: LogConfig{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Store: StoreConfig{
			Enabled: true,
		},
	}
}

func ConfigDir() string {
	home := os.Getenv("HOME")
	if home == "" {
		home, _ = os.UserHomeDir()
	}
	return filepath.Join(home, ".clawloop")
}

func ConfigPath() string {
	return filepath.Join(ConfigDir(), "config.json")
}

// StorePath returns the sqlite path, defaulting under ConfigDir.
func (c *Config) StorePath() string {
	if c.Store.Path != "" {
		return c.Store.Path
	}
	return filepath.Join(ConfigDir(), "sessions.db")
}

// ProfilesDir returns the user profiles directory, defaulting under ConfigDir.
func (c *Config) ProfilesDir() string {
	if c.Agent.ProfilesDir != "" {
		return c.Agent.ProfilesDir
	}
	return filepath.Join(ConfigDir(), "profiles")
}

func LoadConfig() (*Config, error) {
	return LoadConfigFrom(ConfigPath())
}

// LoadConfigFrom reads path, applies environment overrides and validates.
// A missing file yields the defaults.
func LoadConfigFrom(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	// Environment variable overrides
	if key := os.Getenv("CLAWLOOP_API_KEY"); key != "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
	}
	if key := os.Getenv("OPENAI_API_KEY"); key != "" && cfg.Provider.APIKey == "" {
		cfg.Provider.APIKey = key
		if cfg.Provider.Type == "" {
			cfg.Provider.Type = "openai"
		}
	}
	if url := os.Getenv("CLAWLOOP_BASE_URL"); url != "" {
		cfg.Provider.BaseURL = url
	}
	if level := os.Getenv("CLAWLOOP_LOG_LEVEL"); level != "" {
		cfg.Log.Level = level
	}
	if enabled := os.Getenv("CLAWLOOP_STORE_ENABLED"); enabled != "" {
		if parsed, err := strconv.ParseBool(enabled); err == nil {
			cfg.Store.Enabled = parsed
		}
	}
	if addr := os.Getenv("CLAWLOOP_METRICS_ADDR"); addr != "" {
		cfg.Metrics.Addr = addr
	}
	if err := envconfig.Process("CLAWLOOP_AGENT", &cfg.Agent); err != nil {
		return nil, fmt.Errorf("env overrides: %w", err)
	}

	if cfg.Agent.Workspace == "" {
		cfg.Agent.Workspace = DefaultConfig().Agent.Workspace
	}
	if cfg.Agent.FanOut <= 0 {
		cfg.Agent.FanOut = DefaultFanOut
	}
	if cfg.Agent.Profile == "" {
		cfg.Agent.Profile = DefaultProfile
	}
	if cfg.Tools.BashTimeout <= 0 {
		cfg.Tools.BashTimeout = DefaultBashTimeout
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate normalises MCP server entries in place and checks their
// transport-specific fields.
func (c *Config) Validate() error {
	if c.Agent.MaxTurns < 0 {
		return fmt.Errorf("config: agent.maxTurns must not be negative")
	}
	if c.Agent.MaxPrice < 0 {
		return fmt.Errorf("config: agent.maxPrice must not be negative")
	}
	switch c.Provider.Type {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("config: unknown provider type %q", c.Provider.Type)
	}
	seen := make(map[string]bool, len(c.MCP.Servers))
	for i := range c.MCP.Servers {
		srv := &c.MCP.Servers[i]
		if err := srv.Normalize(); err != nil {
			return fmt.Errorf("config: mcp.servers[%d]: %w", i, err)
		}
		if seen[srv.Name] {
			return fmt.Errorf("config: duplicate mcp server %q", srv.Name)
		}
		seen[srv.Name] = true
	}
	return nil
}

func SaveConfig(cfg *Config) error {
	dir := ConfigDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(ConfigPath(), data, 0644)
}
