// Package config handles configuration loading for copilot-bridge.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file with environment variable
// expansion. Every field has a default, so a missing file is not an error
// when loading through LoadOrDefault.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from COPILOT_BRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/copilot-bridge/bridge.yaml
//  3. ~/.config/copilot-bridge/bridge.yaml
//
// Files ending in .toml are parsed as TOML.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${COPILOT_BRIDGE_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Provider Credentials
//
// API keys are never written to the config file. The providers section names
// the environment variables to read, and they are read again on every request:
//
//	providers:
//	  openai:
//	    api_key_env: "OPENAI_API_KEY"
//	    model: "gpt-4.1-mini"
//	  anthropic:
//	    api_key_env: "ANTHROPIC_API_KEY"
//	  google:
//	    api_key_env: "GOOGLE_API_KEY"
//	  azure:
//	    api_key_env: "AZURE_OPENAI_API_KEY"
//	    endpoint_env: "AZURE_OPENAI_ENDPOINT"
//	    deployment_env: "AZURE_OPENAI_DEPLOYMENT"
//	    api_version: "2024-10-21"
//
// # Gateway Limits
//
//	gateway:
//	  request_timeout: "60s"
//	  action_timeout: "30s"
//	  ledger_ttl: "10m"
//	  max_tool_rounds: 5
//	  readable_token_budget: 2000
//
// Duration values use Go's time.ParseDuration syntax.
//
// # Other Sections
//
//	server:
//	  http_addr: "127.0.0.1:8080"
//	components:
//	  mount: ["counter", "tasks"]
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// The tailscale section matches tsnet options (hostname, auth_key, state_dir,
// ephemeral, cert_file, key_file, funnel).
package config
