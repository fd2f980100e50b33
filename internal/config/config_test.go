// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML and TOML loading, env var expansion, defaults, and duration parsing

package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, "bridge.yaml", `
server:
  http_addr: "0.0.0.0:9090"

providers:
  openai:
    model: "gpt-4.1"
    max_tokens: 2048
  azure:
    deployment_env: "MY_DEPLOYMENT"
    api_version: "2024-06-01"

gateway:
  request_timeout: "45s"
  action_timeout: "5s"
  max_tool_rounds: 3
  readable_token_budget: 500
  system_prompt: "Help with the counter."

components:
  mount:
    - "tasks"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:9090" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:9090")
	}
	if cfg.Providers.OpenAI.Model != "gpt-4.1" {
		t.Errorf("Providers.OpenAI.Model = %q, want %q", cfg.Providers.OpenAI.Model, "gpt-4.1")
	}
	if cfg.Providers.OpenAI.MaxTokens != 2048 {
		t.Errorf("Providers.OpenAI.MaxTokens = %d, want 2048", cfg.Providers.OpenAI.MaxTokens)
	}
	if cfg.Providers.OpenAI.APIKeyEnv != "OPENAI_API_KEY" {
		t.Errorf("Providers.OpenAI.APIKeyEnv = %q, want default", cfg.Providers.OpenAI.APIKeyEnv)
	}
	if cfg.Providers.Azure.DeploymentEnv != "MY_DEPLOYMENT" {
		t.Errorf("Providers.Azure.DeploymentEnv = %q, want %q", cfg.Providers.Azure.DeploymentEnv, "MY_DEPLOYMENT")
	}
	if cfg.Providers.Azure.EndpointEnv != "AZURE_OPENAI_ENDPOINT" {
		t.Errorf("Providers.Azure.EndpointEnv = %q, want default", cfg.Providers.Azure.EndpointEnv)
	}
	if cfg.Gateway.RequestTimeout != 45*time.Second {
		t.Errorf("Gateway.RequestTimeout = %v, want %v", cfg.Gateway.RequestTimeout, 45*time.Second)
	}
	if cfg.Gateway.ActionTimeout != 5*time.Second {
		t.Errorf("Gateway.ActionTimeout = %v, want %v", cfg.Gateway.ActionTimeout, 5*time.Second)
	}
	if cfg.Gateway.MaxToolRounds != 3 {
		t.Errorf("Gateway.MaxToolRounds = %d, want 3", cfg.Gateway.MaxToolRounds)
	}
	if cfg.Gateway.ReadableTokenBudget != 500 {
		t.Errorf("Gateway.ReadableTokenBudget = %d, want 500", cfg.Gateway.ReadableTokenBudget)
	}
	if !slices.Equal(cfg.Components.Mount, []string{"tasks"}) {
		t.Errorf("Components.Mount = %v, want [tasks]", cfg.Components.Mount)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging = %+v, want debug/json", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics = %+v, want enabled at /metrics", cfg.Metrics)
	}
}

func TestLoad_ReadableTokenBudget(t *testing.T) {
	tests := []struct {
		name    string
		file    string
		content string
		want    int
	}{
		{"omitted yaml", "bridge.yaml", "gateway:\n  max_tool_rounds: 2\n", DefaultReadableTokenBudget},
		{"explicit zero yaml", "bridge.yaml", "gateway:\n  readable_token_budget: 0\n", 0},
		{"omitted toml", "bridge.toml", "[gateway]\nmax_tool_rounds = 2\n", DefaultReadableTokenBudget},
		{"explicit zero toml", "bridge.toml", "[gateway]\nreadable_token_budget = 0\n", 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, tt.file, tt.content))
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if cfg.Gateway.ReadableTokenBudget != tt.want {
				t.Errorf("Gateway.ReadableTokenBudget = %d, want %d", cfg.Gateway.ReadableTokenBudget, tt.want)
			}
		})
	}

	if got := Default().Gateway.ReadableTokenBudget; got != DefaultReadableTokenBudget {
		t.Errorf("Default().Gateway.ReadableTokenBudget = %d, want %d", got, DefaultReadableTokenBudget)
	}
}

func TestLoad_TOML(t *testing.T) {
	configPath := writeConfig(t, "bridge.toml", `
[server]
http_addr = "127.0.0.1:7070"

[providers.anthropic]
model = "claude-haiku-4-5"

[gateway]
action_timeout = "2s"
max_tool_rounds = 8

[components]
mount = ["counter", "tasks"]
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:7070" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:7070")
	}
	if cfg.Providers.Anthropic.Model != "claude-haiku-4-5" {
		t.Errorf("Providers.Anthropic.Model = %q, want %q", cfg.Providers.Anthropic.Model, "claude-haiku-4-5")
	}
	if cfg.Gateway.ActionTimeout != 2*time.Second {
		t.Errorf("Gateway.ActionTimeout = %v, want 2s", cfg.Gateway.ActionTimeout)
	}
	if cfg.Gateway.MaxToolRounds != 8 {
		t.Errorf("Gateway.MaxToolRounds = %d, want 8", cfg.Gateway.MaxToolRounds)
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, "bridge.yaml", "logging:\n  level: warn\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr = %q, want default", cfg.Server.HTTPAddr)
	}
	if cfg.Gateway.RequestTimeout != 60*time.Second {
		t.Errorf("Gateway.RequestTimeout = %v, want 60s", cfg.Gateway.RequestTimeout)
	}
	if cfg.Gateway.ActionTimeout != 30*time.Second {
		t.Errorf("Gateway.ActionTimeout = %v, want 30s", cfg.Gateway.ActionTimeout)
	}
	if cfg.Gateway.MaxToolRounds != 5 {
		t.Errorf("Gateway.MaxToolRounds = %d, want 5", cfg.Gateway.MaxToolRounds)
	}
	if !slices.Equal(cfg.Components.Mount, KnownComponents) {
		t.Errorf("Components.Mount = %v, want %v", cfg.Components.Mount, KnownComponents)
	}
	if cfg.Gateway.SystemPrompt == "" {
		t.Error("Gateway.SystemPrompt is empty, want default prompt")
	}
}

func TestLoad_EmptyMountDisablesComponents(t *testing.T) {
	configPath := writeConfig(t, "bridge.yaml", "components:\n  mount: []\n")

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(cfg.Components.Mount) != 0 {
		t.Errorf("Components.Mount = %v, want empty", cfg.Components.Mount)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("TEST_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("TEST_PROMPT", "Be terse.")

	configPath := writeConfig(t, "bridge.yaml", `
auth:
  jwt_secret: "${TEST_JWT_SECRET}"
gateway:
  system_prompt: "${TEST_PROMPT}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "0123456789abcdef0123456789abcdef" {
		t.Errorf("Auth.JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Gateway.SystemPrompt != "Be terse." {
		t.Errorf("Gateway.SystemPrompt = %q, want %q", cfg.Gateway.SystemPrompt, "Be terse.")
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	os.Unsetenv("UNSET_VAR_FOR_TEST")

	configPath := writeConfig(t, "bridge.yaml", `
providers:
  openai:
    model: "${UNSET_VAR_FOR_TEST}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Providers.OpenAI.Model != "" {
		t.Errorf("Providers.OpenAI.Model = %q, want empty string for unset env var", cfg.Providers.OpenAI.Model)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/bridge.yaml")
	if err == nil {
		t.Fatal("Load() expected error for missing file, got nil")
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("Load() error = %v, want os.ErrNotExist", err)
	}
}

func TestLoadOrDefault_MissingFile(t *testing.T) {
	cfg, err := LoadOrDefault(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Gateway.MaxToolRounds != 5 {
		t.Errorf("Gateway.MaxToolRounds = %d, want default 5", cfg.Gateway.MaxToolRounds)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	configPath := writeConfig(t, "bridge.yaml", "server:\n  http_addr: [unterminated\n")

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML, got nil")
	}
	if !strings.Contains(err.Error(), "parsing config file") {
		t.Errorf("Load() error = %q, want parsing error", err.Error())
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"not a duration", "gateway:\n  request_timeout: \"soon\"\n", "request_timeout"},
		{"negative", "gateway:\n  action_timeout: \"-5s\"\n", "action_timeout must be positive"},
		{"toml", "", "ledger_ttl"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var path string
			if tt.name == "toml" {
				path = writeConfig(t, "bridge.toml", "[gateway]\nledger_ttl = \"1x\"\n")
			} else {
				path = writeConfig(t, "bridge.yaml", tt.content)
			}

			_, err := Load(path)
			if err == nil {
				t.Fatalf("Load() expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Load() error = %q, want error containing %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("FOO", "bar")
	t.Setenv("BAZ", "qux")

	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{name: "single env var", input: "${FOO}", expected: "bar"},
		{name: "env var with surrounding text", input: "prefix-${FOO}-suffix", expected: "prefix-bar-suffix"},
		{name: "multiple env vars", input: "${FOO}/${BAZ}", expected: "bar/qux"},
		{name: "no env vars", input: "no-vars-here", expected: "no-vars-here"},
		{name: "unset env var", input: "${UNSET_VAR}", expected: ""},
		{name: "empty string", input: "", expected: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := expandEnvVars(tt.input)
			if result != tt.expected {
				t.Errorf("expandEnvVars(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		return *cfg
	}

	tests := []struct {
		name          string
		mutate        func(*Config)
		wantErrSubstr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name: "tailscale enabled allows empty server address",
			mutate: func(c *Config) {
				c.Server.HTTPAddr = ""
				c.Tailscale = TailscaleConfig{Enabled: true, Hostname: "copilot-bridge"}
			},
		},
		{
			name: "tailscale enabled requires hostname",
			mutate: func(c *Config) {
				c.Tailscale = TailscaleConfig{Enabled: true}
			},
			wantErrSubstr: "tailscale.hostname is required",
		},
		{
			name:          "tailscale disabled requires server address",
			mutate:        func(c *Config) { c.Server.HTTPAddr = "" },
			wantErrSubstr: "server.http_addr is required",
		},
		{
			name:          "short jwt secret",
			mutate:        func(c *Config) { c.Auth.JWTSecret = "too-short" },
			wantErrSubstr: "at least 32 bytes",
		},
		{
			name:          "unknown component",
			mutate:        func(c *Config) { c.Components.Mount = []string{"counter", "calendar"} },
			wantErrSubstr: `unknown component "calendar"`,
		},
		{
			name:          "bad log level",
			mutate:        func(c *Config) { c.Logging.Level = "loud" },
			wantErrSubstr: "logging.level",
		},
		{
			name:          "negative rounds",
			mutate:        func(c *Config) { c.Gateway.MaxToolRounds = -1 },
			wantErrSubstr: "max_tool_rounds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErrSubstr == "" {
				if err != nil {
					t.Errorf("Validate() unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Errorf("Validate() expected error containing %q, got nil", tt.wantErrSubstr)
				return
			}
			if !strings.Contains(err.Error(), tt.wantErrSubstr) {
				t.Errorf("Validate() error = %q, want error containing %q", err.Error(), tt.wantErrSubstr)
			}
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv(EnvConfigPath, "/etc/bridge/custom.toml")
	if got := DefaultPath(); got != "/etc/bridge/custom.toml" {
		t.Errorf("DefaultPath() = %q, want env override", got)
	}

	t.Setenv(EnvConfigPath, "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	if got := DefaultPath(); got != "/tmp/xdg/copilot-bridge/bridge.yaml" {
		t.Errorf("DefaultPath() = %q, want XDG location", got)
	}
}
