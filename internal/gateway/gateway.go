// ABOUTME: Gateway orchestrator that owns the capability registry and HTTP server
// ABOUTME: Manages component mounts, provider routing, and health endpoint lifecycle

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/copilot-bridge/internal/auth"
	"github.com/2389/copilot-bridge/internal/capability"
	"github.com/2389/copilot-bridge/internal/components"
	"github.com/2389/copilot-bridge/internal/config"
	"github.com/2389/copilot-bridge/internal/dedupe"
	"github.com/2389/copilot-bridge/internal/dispatch"
	"github.com/2389/copilot-bridge/internal/metrics"
	"github.com/2389/copilot-bridge/internal/providers"
)

// Version is reported by GET /api/copilotkit. Overridden at build time.
var Version = "dev"

// Gateway serves the conversation endpoint for one application registry.
type Gateway struct {
	config      *config.Config
	registry    *capability.Registry
	components  *components.Set
	ledger      *dedupe.Ledger[dispatch.Result]
	executor    *dispatch.Executor
	router      *providers.Router
	metrics     *metrics.Metrics
	verifier    *auth.JWTVerifier
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger
}

// Option customizes a Gateway.
type Option func(*options)

type options struct {
	factories map[providers.ProviderID]providers.Factory
	lookup    func(string) (string, bool)
}

// WithFactories replaces the SDK-backed adapter constructors.
func WithFactories(f map[providers.ProviderID]providers.Factory) Option {
	return func(o *options) { o.factories = f }
}

// WithEnvLookup replaces os.LookupEnv for credential discovery.
func WithEnvLookup(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookup = fn }
}

// credentialSource maps the providers config section onto an EnvSource.
func credentialSource(cfg config.ProvidersConfig, lookup func(string) (string, bool)) *providers.EnvSource {
	settings := func(pc config.ProviderConfig) map[string]string {
		s := map[string]string{
			providers.SettingModel:   pc.Model,
			providers.SettingBaseURL: pc.BaseURL,
		}
		if pc.MaxTokens > 0 {
			s[providers.SettingMaxTokens] = strconv.Itoa(pc.MaxTokens)
		}
		return s
	}

	azure := map[string]string{providers.SettingAPIVersion: cfg.Azure.APIVersion}
	if cfg.Azure.MaxTokens > 0 {
		azure[providers.SettingMaxTokens] = strconv.Itoa(cfg.Azure.MaxTokens)
	}

	return &providers.EnvSource{
		Names: map[providers.ProviderID]providers.EnvNames{
			providers.OpenAI:    {APIKey: cfg.OpenAI.APIKeyEnv},
			providers.Anthropic: {APIKey: cfg.Anthropic.APIKeyEnv},
			providers.Google:    {APIKey: cfg.Google.APIKeyEnv},
			providers.Azure: {
				APIKey:     cfg.Azure.APIKeyEnv,
				Endpoint:   cfg.Azure.EndpointEnv,
				Deployment: cfg.Azure.DeploymentEnv,
			},
		},
		Settings: map[providers.ProviderID]map[string]string{
			providers.OpenAI:    settings(cfg.OpenAI),
			providers.Anthropic: settings(cfg.Anthropic),
			providers.Google:    settings(cfg.Google),
			providers.Azure:     azure,
		},
		Lookup: lookup,
	}
}

// New creates a new Gateway instance with the given configuration.
// Components named in cfg.Components.Mount are mounted immediately.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	m := metrics.New()
	registry := capability.NewRegistry(logger.With("component", "registry"))

	set, err := components.MountAll(registry, cfg.Components.Mount, logger)
	if err != nil {
		registry.Close()
		return nil, fmt.Errorf("mounting components: %w", err)
	}

	ledger := dedupe.New[dispatch.Result](cfg.Gateway.LedgerTTL, cfg.Gateway.LedgerSize)
	executor := dispatch.NewExecutor(dispatch.Config{
		Catalog: registry,
		Logger:  logger.With("component", "dispatch"),
		Timeout: cfg.Gateway.ActionTimeout,
		Ledger:  ledger,
		Metrics: m,
	})

	router := providers.NewRouter(providers.RouterConfig{
		Source:    credentialSource(cfg.Providers, o.lookup),
		Factories: o.factories,
		Logger:    logger.With("component", "providers"),
		Metrics:   m,
	})

	gw := &Gateway{
		config:     cfg,
		registry:   registry,
		components: set,
		ledger:     ledger,
		executor:   executor,
		router:     router,
		metrics:    m,
		logger:     logger.With("component", "gateway"),
	}
	if cfg.Auth.JWTSecret != "" {
		gw.verifier = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	gw.logger.Info("gateway initialized",
		"components", set.Names(),
		"actions", registry.Len(capability.KindAction),
		"auth", gw.verifier != nil,
	)
	return gw, nil
}

// Registry returns the application registry.
func (g *Gateway) Registry() *capability.Registry {
	return g.registry
}

// Handler returns the HTTP routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/health/ready", g.handleReady)

	if g.config.Metrics.Enabled {
		mux.Handle(g.config.Metrics.Path, g.metrics.Handler())
	}

	var post http.Handler = http.HandlerFunc(g.handleConversation)
	if g.verifier != nil {
		post = auth.HTTPAuthMiddleware(g.verifier, g.logger)(post)
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured")
	}
	mux.HandleFunc("/api/copilotkit", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			g.handleStatus(w, r)
		case http.MethodPost:
			post.ServeHTTP(w, r)
		default:
			w.Header().Set("Allow", "GET, POST")
			sendJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		}
	})
	return mux
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The run context is already canceled, so shutdown gets a fresh one.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// setupListener creates a Tailscale or TCP listener based on configuration.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled",
				"http_addr", g.config.Server.HTTPAddr,
			)
		}
		return g.setupTailscaleListener(ctx)
	}

	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "copilot-bridge", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener joins the tailnet and listens on :80, :443 with the
// configured certificate, or a public Funnel.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	var ln net.Listener
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	case tsCfg.CertFile != "":
		ln, err = g.tailscaleTLSListener(tsCfg.CertFile, tsCfg.KeyFile)
	default:
		ln, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale: %w", err)
	}
	return ln, nil
}

func (g *Gateway) tailscaleTLSListener(certFile, keyFile string) (net.Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("loading tailscale certificate: %w", err)
	}
	g.logger.Info("enabling HTTPS on :443", "cert_file", certFile)
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		return nil, err
	}
	return tls.NewListener(ln, &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}), nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = strings.TrimSuffix(status.Self.DNSName, ".")
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, unmounts components, and releases the
// registry and result ledger.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.components.Close()
	g.ledger.Close()
	g.registry.Close()

	return errors.Join(errs...)
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if at least one provider is configured.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	configured := g.router.Configured()
	if len(configured) == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no provider configured"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%s)", configured[0])
}
