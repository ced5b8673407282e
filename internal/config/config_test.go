package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"CLAWLOOP_API_KEY", "ANTHROPIC_API_KEY", "OPENAI_API_KEY", "CLAWLOOP_BASE_URL",
		"CLAWLOOP_LOG_LEVEL", "CLAWLOOP_STORE_ENABLED", "CLAWLOOP_METRICS_ADDR",
		"CLAWLOOP_AGENT_MODEL", "CLAWLOOP_AGENT_MAX_TURNS", "CLAWLOOP_AGENT_MAX_PRICE",
	} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
}

func writeConfig(t *testing.T, home string, v any) {
	t.Helper()
	cfgDir := filepath.Join(home, ".clawloop")
	if err := os.MkdirAll(cfgDir, 0755); err != nil {
		t.Fatal(err)
	}
	data, _ := json.MarshalIndent(v, "", "  ")
	if err := os.WriteFile(filepath.Join(cfgDir, "config.json"), data, 0644); err != nil {
		t.Fatal(err)
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("model = %q, want %q", cfg.Agent.Model, DefaultModel)
	}
	if cfg.Agent.MaxTokens != DefaultMaxTokens {
		t.Errorf("maxTokens = %d, want %d", cfg.Agent.MaxTokens, DefaultMaxTokens)
	}
	if cfg.Agent.FanOut != DefaultFanOut {
		t.Errorf("fanOut = %d, want %d", cfg.Agent.FanOut, DefaultFanOut)
	}
	if cfg.Agent.Profile != DefaultProfile {
		t.Errorf("profile = %q, want %q", cfg.Agent.Profile, DefaultProfile)
	}
	if cfg.Tools.BashTimeout != DefaultBashTimeout {
		t.Errorf("bashTimeout = %d, want %d", cfg.Tools.BashTimeout, DefaultBashTimeout)
	}
	if cfg.Agent.Workspace == "" {
		t.Error("workspace should not be empty")
	}
}

func TestLoadConfig_NoFile(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Agent.Model != DefaultModel {
		t.Errorf("expected default model %q, got %q", DefaultModel, cfg.Agent.Model)
	}
}

func TestLoadConfig_FromFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)
	clearEnv(t)

	writeConfig(t, tmpDir, map[string]any{
		"agent": map[string]any{
			"model":     "claude-opus-4-20250514",
			"maxTokens": 4096,
			"maxTurns":  7,
		},
		"provider": map[string]any{
			"apiKey": "sk-test-key",
		},
		"mcp": map[string]any{
			"servers": []map[string]any{
				{"name": "my server!", "transport": "stdio", "command": "npx -y @scope/server --flag 'a b'"},
				{"name": "web", "transport": "streamable-http", "url": "http://localhost:9000/mcp"},
			},
		},
	})

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Agent.Model != "claude-opus-4-20250514" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxTurns != 7 {
		t.Errorf("maxTurns = %d, want 7", cfg.Agent.MaxTurns)
	}
	if cfg.Provider.APIKey != "sk-test-key" {
		t.Errorf("apiKey = %q, want sk-test-key", cfg.Provider.APIKey)
	}
	if len(cfg.MCP.Servers) != 2 {
		t.Fatalf("servers = %d", len(cfg.MCP.Servers))
	}
	stdio := cfg.MCP.Servers[0]
	if stdio.Name != "my_server" {
		t.Errorf("normalized name = %q", stdio.Name)
	}
	argv := stdio.Argv()
	want := []string{"npx", "-y", "@scope/server", "--flag", "a b"}
	if len(argv) != len(want) {
		t.Fatalf("argv = %q", argv)
	}
	for i := range want {
		if argv[i] != want[i] {
			t.Errorf("argv[%d] = %q, want %q", i, argv[i], want[i])
		}
	}
	if stdio.StartupTimeout != DefaultStartupTimeout || stdio.ToolTimeout != DefaultToolTimeout {
		t.Errorf("timeouts = %v/%v", stdio.StartupTimeout, stdio.ToolTimeout)
	}
	if cfg.MCP.Servers[1].APIKeyHeader != DefaultAPIKeyHeader {
		t.Errorf("apiKeyHeader default = %q", cfg.MCP.Servers[1].APIKeyHeader)
	}
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("HOME", t.TempDir())

	tests := []struct {
		name     string
		envKey   string
		envVal   string
		wantKey  string
		wantType string
	}{
		{"CLAWLOOP_API_KEY", "CLAWLOOP_API_KEY", "clawloop-key", "clawloop-key", ""},
		{"ANTHROPIC_API_KEY", "ANTHROPIC_API_KEY", "anthropic-key", "anthropic-key", ""},
		{"OPENAI_API_KEY", "OPENAI_API_KEY", "openai-key", "openai-key", "openai"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(tt.envKey, tt.envVal)

			cfg, err := LoadConfig()
			if err != nil {
				t.Fatalf("LoadConfig error: %v", err)
			}
			if cfg.Provider.APIKey != tt.wantKey {
				t.Errorf("apiKey = %q, want %q", cfg.Provider.APIKey, tt.wantKey)
			}
			if cfg.Provider.Type != tt.wantType {
				t.Errorf("type = %q, want %q", cfg.Provider.Type, tt.wantType)
			}
		})
	}
}

func TestLoadConfig_EnvPriority(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)

	// CLAWLOOP_API_KEY takes priority over the provider keys
	t.Setenv("CLAWLOOP_API_KEY", "clawloop-wins")
	t.Setenv("ANTHROPIC_API_KEY", "anthropic-loses")
	t.Setenv("OPENAI_API_KEY", "openai-loses")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Provider.APIKey != "clawloop-wins" {
		t.Errorf("apiKey = %q, want clawloop-wins", cfg.Provider.APIKey)
	}
}

func TestLoadConfig_AgentEnvconfig(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	clearEnv(t)
	t.Setenv("CLAWLOOP_AGENT_MODEL", "gpt-4o")
	t.Setenv("CLAWLOOP_AGENT_MAX_TURNS", "12")
	t.Setenv("CLAWLOOP_AGENT_MAX_PRICE", "1.5")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if cfg.Agent.Model != "gpt-4o" {
		t.Errorf("model = %q", cfg.Agent.Model)
	}
	if cfg.Agent.MaxTurns != 12 {
		t.Errorf("maxTurns = %d", cfg.Agent.MaxTurns)
	}
	if cfg.Agent.MaxPrice != 1.5 {
		t.Errorf("maxPrice = %v", cfg.Agent.MaxPrice)
	}
	if cfg.Agent.MaxTokens != DefaultMaxTokens {
		t.Errorf("unset env var changed maxTokens to %d", cfg.Agent.MaxTokens)
	}
}

func TestSaveConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfg := DefaultConfig()
	cfg.Provider.APIKey = "test-key"

	if err := SaveConfig(cfg); err != nil {
		t.Fatalf("SaveConfig error: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(tmpDir, ".clawloop", "config.json"))
	if err != nil {
		t.Fatalf("read saved config: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal saved config: %v", err)
	}
	if loaded.Provider.APIKey != "test-key" {
		t.Errorf("saved apiKey = %q, want test-key", loaded.Provider.APIKey)
	}
}

func TestLoadConfig_InvalidJSON(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("HOME", tmpDir)

	cfgDir := filepath.Join(tmpDir, ".clawloop")
	os.MkdirAll(cfgDir, 0755)
	os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("invalid json"), 0644)

	_, err := LoadConfig()
	if err == nil {
		t.Error("expected error for invalid JSON")
	}
}

func TestValidate_ServerErrors(t *testing.T) {
	tests := []struct {
		name   string
		server ServerConfig
	}{
		{"empty name", ServerConfig{Name: "!!!", Transport: TransportStdio, Command: CommandLine{"x"}}},
		{"http without url", ServerConfig{Name: "a", Transport: TransportHTTP}},
		{"stdio without command", ServerConfig{Name: "a", Transport: TransportStdio}},
		{"unknown transport", ServerConfig{Name: "a", Transport: "grpc", URL: "http://x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.MCP.Servers = []ServerConfig{tt.server}
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}

	cfg := DefaultConfig()
	cfg.MCP.Servers = []ServerConfig{
		{Name: "dup", URL: "http://a"},
		{Name: "dup", URL: "http://b"},
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestHTTPHeaders_APIKey(t *testing.T) {
	t.Setenv("TEST_MCP_TOKEN", "secret")

	srv := ServerConfig{Name: "a", URL: "http://x", APIKeyEnv: "TEST_MCP_TOKEN"}
	if err := srv.Normalize(); err != nil {
		t.Fatal(err)
	}
	if got := srv.HTTPHeaders()["Authorization"]; got != "Bearer secret" {
		t.Errorf("Authorization = %q", got)
	}

	srv.Headers = map[string]string{"authorization": "Token fixed"}
	hdrs := srv.HTTPHeaders()
	if _, ok := hdrs["Authorization"]; ok {
		t.Error("existing header must not be overridden")
	}
	if hdrs["authorization"] != "Token fixed" {
		t.Errorf("authorization = %q", hdrs["authorization"])
	}

	custom := ServerConfig{Name: "b", URL: "http://x", APIKeyEnv: "TEST_MCP_TOKEN", APIKeyHeader: "X-API-Key", APIKeyFormat: "{token}"}
	if got := custom.HTTPHeaders()["X-API-Key"]; got != "secret" {
		t.Errorf("X-API-Key = %q", got)
	}
}

func TestCommandLine_Array(t *testing.T) {
	var srv ServerConfig
	if err := json.Unmarshal([]byte(`{"name":"a","command":["python","-m","srv"],"args":["--x"]}`), &srv); err != nil {
		t.Fatal(err)
	}
	if err := srv.Normalize(); err != nil {
		t.Fatal(err)
	}
	if srv.Transport != TransportStdio {
		t.Errorf("transport = %q", srv.Transport)
	}
	if got := srv.Argv(); len(got) != 4 || got[3] != "--x" {
		t.Errorf("argv = %q", got)
	}
	if err := json.Unmarshal([]byte(`{"command":42}`), &srv); err == nil {
		t.Error("expected error for numeric command")
	}
}
