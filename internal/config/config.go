// ABOUTME: Configuration loading and parsing for copilot-bridge
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// EnvConfigPath overrides the default config file location.
const EnvConfigPath = "COPILOT_BRIDGE_CONFIG"

// DefaultReadableTokenBudget caps the readable snapshot when the config file
// does not set gateway.readable_token_budget. Zero disables truncation.
const DefaultReadableTokenBudget = 2000

// Known component names for components.mount.
var KnownComponents = []string{"counter", "tasks"}

// Config represents the complete copilot-bridge configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Auth       AuthConfig       `yaml:"auth" toml:"auth"`
	Providers  ProvidersConfig  `yaml:"providers" toml:"providers"`
	Gateway    GatewayConfig    `yaml:"gateway" toml:"gateway"`
	Components ComponentsConfig `yaml:"components" toml:"components"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	CertFile  string `yaml:"cert_file" toml:"cert_file"` // TLS cert file (generate via: tailscale cert <hostname>)
	KeyFile   string `yaml:"key_file" toml:"key_file"`
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // Enable public Funnel (implies HTTPS)
}

// AuthConfig holds authentication configuration.
// When JWTSecret is empty the conversation endpoint is unauthenticated.
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret" toml:"jwt_secret"`
}

// ProvidersConfig names where each backend's credential comes from.
// Secrets are never stored here, only the environment variable names.
type ProvidersConfig struct {
	OpenAI    ProviderConfig `yaml:"openai" toml:"openai"`
	Anthropic ProviderConfig `yaml:"anthropic" toml:"anthropic"`
	Google    ProviderConfig `yaml:"google" toml:"google"`
	Azure     AzureConfig    `yaml:"azure" toml:"azure"`
}

// ProviderConfig holds one backend's settings
type ProviderConfig struct {
	APIKeyEnv string `yaml:"api_key_env" toml:"api_key_env"`
	Model     string `yaml:"model" toml:"model"`
	MaxTokens int    `yaml:"max_tokens" toml:"max_tokens"`
	BaseURL   string `yaml:"base_url" toml:"base_url"`
}

// AzureConfig holds Azure OpenAI settings. Endpoint and deployment are read
// from the environment alongside the key.
type AzureConfig struct {
	APIKeyEnv     string `yaml:"api_key_env" toml:"api_key_env"`
	EndpointEnv   string `yaml:"endpoint_env" toml:"endpoint_env"`
	DeploymentEnv string `yaml:"deployment_env" toml:"deployment_env"`
	APIVersion    string `yaml:"api_version" toml:"api_version"`
	MaxTokens     int    `yaml:"max_tokens" toml:"max_tokens"`
}

// GatewayConfig holds conversation handling limits
type GatewayConfig struct {
	RequestTimeout time.Duration `yaml:"-" toml:"-"`
	ActionTimeout  time.Duration `yaml:"-" toml:"-"`
	LedgerTTL      time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	RequestTimeoutRaw string `yaml:"request_timeout" toml:"request_timeout"`
	ActionTimeoutRaw  string `yaml:"action_timeout" toml:"action_timeout"`
	LedgerTTLRaw      string `yaml:"ledger_ttl" toml:"ledger_ttl"`

	LedgerSize          int    `yaml:"ledger_size" toml:"ledger_size"`
	MaxToolRounds       int    `yaml:"max_tool_rounds" toml:"max_tool_rounds"`
	ReadableTokenBudget int    `yaml:"readable_token_budget" toml:"readable_token_budget"`
	SystemPrompt        string `yaml:"system_prompt" toml:"system_prompt"`
}

// ComponentsConfig selects the built-in components mounted at startup
type ComponentsConfig struct {
	Mount []string `yaml:"mount" toml:"mount"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Default returns a configuration with every default applied. It is used
// when no config file exists.
func Default() *Config {
	cfg := newConfig()
	cfg.applyDefaults()
	return cfg
}

// DefaultPath returns the config file location: $COPILOT_BRIDGE_CONFIG, or
// bridge.yaml under the XDG config directory.
func DefaultPath() string {
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "bridge.yaml"
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "copilot-bridge", "bridge.yaml")
}

// LoadOrDefault loads path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are parsed as TOML, anything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	cfg := newConfig()
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// newConfig returns the values a file may override with zero. Fields left
// out of the file keep them; an explicit zero replaces them.
func newConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{ReadableTokenBudget: DefaultReadableTokenBudget},
	}
}

func (c *Config) applyDefaults() {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}

	setDefault(&c.Providers.OpenAI.APIKeyEnv, "OPENAI_API_KEY")
	setDefault(&c.Providers.Anthropic.APIKeyEnv, "ANTHROPIC_API_KEY")
	setDefault(&c.Providers.Google.APIKeyEnv, "GOOGLE_API_KEY")
	setDefault(&c.Providers.Azure.APIKeyEnv, "AZURE_OPENAI_API_KEY")
	setDefault(&c.Providers.Azure.EndpointEnv, "AZURE_OPENAI_ENDPOINT")
	setDefault(&c.Providers.Azure.DeploymentEnv, "AZURE_OPENAI_DEPLOYMENT")

	g := &c.Gateway
	if g.RequestTimeout == 0 {
		g.RequestTimeout = 60 * time.Second
	}
	if g.ActionTimeout == 0 {
		g.ActionTimeout = 30 * time.Second
	}
	if g.LedgerTTL == 0 {
		g.LedgerTTL = 10 * time.Minute
	}
	if g.LedgerSize == 0 {
		g.LedgerSize = 10_000
	}
	if g.MaxToolRounds == 0 {
		g.MaxToolRounds = 5
	}
	if g.SystemPrompt == "" {
		g.SystemPrompt = "You are an assistant embedded in a web application. " +
			"Use the available actions to change application state when the user asks for it."
	}

	if c.Components.Mount == nil {
		c.Components.Mount = slices.Clone(KnownComponents)
	}

	setDefault(&c.Logging.Level, "info")
	setDefault(&c.Logging.Format, "text")
	setDefault(&c.Metrics.Path, "/metrics")
}

func setDefault(field *string, value string) {
	if *field == "" {
		*field = value
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Auth.JWTSecret != "" && len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Gateway.MaxToolRounds < 0 {
		return fmt.Errorf("gateway.max_tool_rounds must not be negative")
	}
	if c.Gateway.ReadableTokenBudget < 0 {
		return fmt.Errorf("gateway.readable_token_budget must not be negative")
	}

	for _, name := range c.Components.Mount {
		if !slices.Contains(KnownComponents, name) {
			return fmt.Errorf("components.mount: unknown component %q", name)
		}
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"request_timeout", cfg.Gateway.RequestTimeoutRaw, &cfg.Gateway.RequestTimeout},
		{"action_timeout", cfg.Gateway.ActionTimeoutRaw, &cfg.Gateway.ActionTimeout},
		{"ledger_ttl", cfg.Gateway.LedgerTTLRaw, &cfg.Gateway.LedgerTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %q", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
