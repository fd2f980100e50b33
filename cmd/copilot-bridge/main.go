// ABOUTME: Entry point for copilot-bridge, the agent-component bridge server
// ABOUTME: Provides serve, status, health, token, and version subcommands

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"

	"github.com/2389/copilot-bridge/internal/auth"
	"github.com/2389/copilot-bridge/internal/config"
	"github.com/2389/copilot-bridge/internal/gateway"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
                  _ _       _        _          _     _
  ___ ___  _ __ (_) | ___ | |_     | |__  _ __(_) __| | __ _  ___
 / __/ _ \| '_ \| | |/ _ \| __|____| '_ \| '__| |/ _' |/ _' |/ _ \
| (_| (_) | |_) | | | (_) | ||_____| |_) | |  | | (_| | (_| |  __/
 \___\___/| .__/|_|_|\___/ \__|    |_.__/|_|  |_|\__,_|\__, |\___|
          |_|                                          |___/
`

const defaultTokenTTL = 30 * 24 * time.Hour

func usage() {
	fmt.Println("Usage: copilot-bridge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                          Start the bridge server")
	fmt.Println("  status                         Show configured providers and actions")
	fmt.Println("  health                         Check bridge health")
	fmt.Println("  token --subject NAME [--ttl D] Issue a bearer token for a client")
	fmt.Println("  version                        Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	gateway.Version = version

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "status":
		err = runStatus(ctx)
	case "health":
		err = runHealth(ctx)
	case "token":
		err = runToken(os.Args[2:])
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, error) {
	configPath := config.DefaultPath()
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, configPath, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:     %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:       %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Components: %s\n", strings.Join(cfg.Components.Mount, ", "))
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:    %s\n", cfg.Metrics.Path)
	}
	if cfg.Auth.JWTSecret == "" {
		yellow.Print("    ! ")
		fmt.Println("Auth:       disabled (no auth.jwt_secret)")
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale:  ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting copilot-bridge",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"version", version,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

func baseURL(cfg *config.Config) string {
	if env := os.Getenv("COPILOT_BRIDGE_URL"); env != "" {
		return strings.TrimSuffix(env, "/")
	}
	return "http://" + cfg.Server.HTTPAddr
}

func get(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	return http.DefaultClient.Do(req)
}

func runHealth(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := get(ctx, baseURL(cfg)+"/health")
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}

	fmt.Println("healthy")
	return nil
}

func runStatus(ctx context.Context) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}

	resp, err := get(ctx, baseURL(cfg)+"/api/copilotkit")
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: status %d", resp.StatusCode)
	}

	var status gateway.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	if status.Status == "ok" {
		green.Printf("%s", status.Status)
	} else {
		yellow.Printf("%s", status.Status)
	}
	fmt.Printf(" (version %s)\n", status.Version)
	if len(status.Adapters) == 0 {
		fmt.Println("providers: none")
	} else {
		fmt.Printf("providers: %s (using %s)\n", strings.Join(status.Adapters, ", "), status.Adapters[0])
	}
	fmt.Printf("actions:   %s\n", strings.Join(status.Actions, ", "))
	return nil
}

// parseTokenArgs supports "--subject value", "--subject=value", and the
// same forms for --ttl.
func parseTokenArgs(args []string) (string, time.Duration, error) {
	subject := ""
	ttl := defaultTokenTTL
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var name, value string
		switch {
		case arg == "--subject" || arg == "-s" || arg == "--ttl":
			if i+1 >= len(args) {
				return "", 0, fmt.Errorf("%s requires a value", arg)
			}
			name, value = arg, args[i+1]
			i++
		case strings.HasPrefix(arg, "--subject="):
			name, value = "--subject", strings.TrimPrefix(arg, "--subject=")
		case strings.HasPrefix(arg, "--ttl="):
			name, value = "--ttl", strings.TrimPrefix(arg, "--ttl=")
		case strings.HasPrefix(arg, "-"):
			return "", 0, fmt.Errorf("unknown flag: %s", arg)
		default:
			return "", 0, fmt.Errorf("unexpected argument: %s", arg)
		}

		if name == "--ttl" {
			d, err := time.ParseDuration(value)
			if err != nil || d <= 0 {
				return "", 0, fmt.Errorf("invalid --ttl %q", value)
			}
			ttl = d
			continue
		}
		subject = strings.TrimSpace(value)
	}

	if subject == "" {
		return "", 0, errors.New("--subject flag is required")
	}
	return subject, ttl, nil
}

func runToken(args []string) error {
	subject, ttl, err := parseTokenArgs(args)
	if err != nil {
		return err
	}

	cfg, configPath, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is not set in %s", configPath)
	}

	token, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)).Generate(subject, ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
