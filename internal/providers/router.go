// ABOUTME: Selects one backend adapter per request from the available credentials.
// ABOUTME: Fixed priority order, first complete credential wins, no caching across requests.

package providers

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/2389/copilot-bridge/internal/metrics"
)

var (
	// ErrUnconfigured means no provider has a complete credential. It is a
	// terminal configuration error and must not be retried.
	ErrUnconfigured = errors.New("no provider configured")

	ErrMissingSecret        = errors.New("missing API key")
	ErrIncompleteCredential = errors.New("incomplete credential")
	ErrNoFactory            = errors.New("no adapter factory")
)

type ProviderID string

const (
	OpenAI    ProviderID = "openai"
	Anthropic ProviderID = "anthropic"
	Google    ProviderID = "google"
	Azure     ProviderID = "azure"
)

// Priority is the selection order. The first provider with a complete
// credential serves the request.
var Priority = []ProviderID{OpenAI, Anthropic, Google, Azure}

// Credential settings keys.
const (
	SettingModel      = "model"
	SettingMaxTokens  = "max_tokens"
	SettingBaseURL    = "base_url"
	SettingEndpoint   = "endpoint"
	SettingDeployment = "deployment"
	SettingAPIVersion = "api_version"
)

// Credential is what one provider needs to serve a request.
type Credential struct {
	Provider ProviderID
	Secret   string
	Settings map[string]string
}

// Complete reports whether the credential can be used. Azure additionally
// needs an endpoint and a deployment.
func (c Credential) Complete() bool {
	if c.Secret == "" {
		return false
	}
	if c.Provider == Azure {
		return c.Settings[SettingEndpoint] != "" && c.Settings[SettingDeployment] != ""
	}
	return true
}

func (c Credential) setting(key, fallback string) string {
	if v := c.Settings[key]; v != "" {
		return v
	}
	return fallback
}

func (c Credential) intSetting(key string) int {
	n, err := strconv.Atoi(c.Settings[key])
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// CredentialSet holds at most one credential per provider.
type CredentialSet map[ProviderID]Credential

// CredentialSource produces the current credentials. Implementations must
// read fresh values on every call.
type CredentialSource interface {
	Credentials() CredentialSet
	// Requirements names what must be set for provider to become usable.
	Requirements(provider ProviderID) []string
}

// EnvNames are the environment variables that hold one provider's credential.
type EnvNames struct {
	APIKey     string
	Endpoint   string
	Deployment string
}

// DefaultEnvNames returns the conventional variable names.
func DefaultEnvNames() map[ProviderID]EnvNames {
	return map[ProviderID]EnvNames{
		OpenAI:    {APIKey: "OPENAI_API_KEY"},
		Anthropic: {APIKey: "ANTHROPIC_API_KEY"},
		Google:    {APIKey: "GOOGLE_API_KEY"},
		Azure: {
			APIKey:     "AZURE_OPENAI_API_KEY",
			Endpoint:   "AZURE_OPENAI_ENDPOINT",
			Deployment: "AZURE_OPENAI_DEPLOYMENT",
		},
	}
}

// EnvSource reads credentials from environment variables.
type EnvSource struct {
	Names map[ProviderID]EnvNames
	// Settings are static per-provider settings (model, api_version) merged
	// into each credential.
	Settings map[ProviderID]map[string]string
	// Lookup defaults to os.LookupEnv.
	Lookup func(key string) (string, bool)
}

func (s *EnvSource) lookup(key string) string {
	if key == "" {
		return ""
	}
	fn := s.Lookup
	if fn == nil {
		fn = os.LookupEnv
	}
	v, _ := fn(key)
	return strings.TrimSpace(v)
}

func (s *EnvSource) names(p ProviderID) EnvNames {
	if n, ok := s.Names[p]; ok {
		return n
	}
	return DefaultEnvNames()[p]
}

// Credentials returns a credential for every provider that has an API key set.
func (s *EnvSource) Credentials() CredentialSet {
	set := CredentialSet{}
	for _, p := range Priority {
		names := s.names(p)
		secret := s.lookup(names.APIKey)
		if secret == "" {
			continue
		}

		settings := map[string]string{}
		for k, v := range s.Settings[p] {
			if v != "" {
				settings[k] = v
			}
		}
		if v := s.lookup(names.Endpoint); v != "" {
			settings[SettingEndpoint] = v
		}
		if v := s.lookup(names.Deployment); v != "" {
			settings[SettingDeployment] = v
		}

		set[p] = Credential{Provider: p, Secret: secret, Settings: settings}
	}
	return set
}

func (s *EnvSource) Requirements(p ProviderID) []string {
	names := s.names(p)
	var out []string
	for _, n := range []string{names.APIKey, names.Endpoint, names.Deployment} {
		if n != "" {
			out = append(out, n)
		}
	}
	return out
}

// Factory builds an adapter from a complete credential.
type Factory func(cred Credential) (Adapter, error)

// DefaultFactories returns the SDK-backed adapter constructors.
func DefaultFactories() map[ProviderID]Factory {
	return map[ProviderID]Factory{
		OpenAI:    NewOpenAI,
		Anthropic: NewAnthropic,
		Google:    NewGoogle,
		Azure:     NewAzure,
	}
}

// RouterConfig contains configuration options for the Router.
type RouterConfig struct {
	Source    CredentialSource
	Factories map[ProviderID]Factory
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Router picks an adapter for each request.
type Router struct {
	source    CredentialSource
	factories map[ProviderID]Factory
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewRouter creates a Router. Missing factories default to DefaultFactories.
func NewRouter(cfg RouterConfig) *Router {
	factories := cfg.Factories
	if factories == nil {
		factories = DefaultFactories()
	}
	source := cfg.Source
	if source == nil {
		source = &EnvSource{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{
		source:    source,
		factories: factories,
		logger:    logger,
		metrics:   cfg.Metrics,
	}
}

// Select returns the adapter for the highest-priority complete credential
// in set, or ErrUnconfigured. It never falls through to a lower priority
// provider when building the chosen adapter fails.
func (r *Router) Select(set CredentialSet) (Adapter, error) {
	for _, p := range Priority {
		cred, ok := set[p]
		if !ok || !cred.Complete() {
			continue
		}
		if cred.Provider == "" {
			cred.Provider = p
		}

		factory, ok := r.factories[p]
		if !ok {
			return nil, fmt.Errorf("%s: %w", p, ErrNoFactory)
		}
		adapter, err := factory(cred)
		if err != nil {
			return nil, fmt.Errorf("create %s adapter: %w", p, err)
		}

		r.logger.Debug("provider selected", "provider", p)
		r.metrics.ObserveProvider(string(p))
		return adapter, nil
	}
	return nil, ErrUnconfigured
}

// Resolve selects from the source's current credentials.
func (r *Router) Resolve() (Adapter, error) {
	return r.Select(r.source.Credentials())
}

// Configured lists providers with complete credentials, in priority order.
func (r *Router) Configured() []ProviderID {
	set := r.source.Credentials()
	var out []ProviderID
	for _, p := range Priority {
		if cred, ok := set[p]; ok && cred.Complete() {
			out = append(out, p)
		}
	}
	return out
}

// MissingMessage tells an operator what to set so a provider becomes usable.
func (r *Router) MissingMessage() string {
	var options []string
	for _, p := range Priority {
		reqs := r.source.Requirements(p)
		switch len(reqs) {
		case 0:
			continue
		case 1:
			options = append(options, reqs[0])
		default:
			options = append(options, fmt.Sprintf("%s (with %s)", reqs[0], strings.Join(reqs[1:], " and ")))
		}
	}
	if len(options) == 0 {
		return "No API key configured."
	}
	return "No API key configured. Add " + strings.Join(options, ", ") + " to the server environment."
}
