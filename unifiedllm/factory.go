package unifiedllm

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// OpenRouterBaseURL is used for the openrouter provider when no base URL is
// configured.
const OpenRouterBaseURL = "https://openrouter.ai/api/v1"

// ProviderConfig selects and configures one provider adapter.
type ProviderConfig struct {
	Provider    string // openai, openrouter, anthropic, google|gemini, gollm:<name>
	Model       string
	APIKey      string
	BaseURL     string
	MaxTokens   int
	Temperature float64
	Timeout     time.Duration
	HTTPClient  *http.Client
}

func (cfg ProviderConfig) httpClient() *http.Client {
	if cfg.HTTPClient != nil {
		return cfg.HTTPClient
	}
	return &http.Client{Timeout: cfg.Timeout}
}

func (cfg ProviderConfig) model() string {
	if cfg.Model != "" {
		return cfg.Model
	}
	return DefaultModel(cfg.Provider)
}

// NewClientFromConfig returns a Client with a single provider built from
// cfg. The adapter is constructed on first use; an unknown provider or a
// missing API key surfaces then as a ConfigurationError.
func NewClientFromConfig(cfg ProviderConfig, opts ...ClientOption) *Client {
	d := &deferredAdapter{cfg: cfg, name: CanonicalProvider(cfg.Provider)}
	defaults := RequestDefaults{Model: cfg.model()}
	if cfg.MaxTokens > 0 {
		n := cfg.MaxTokens
		defaults.MaxTokens = &n
	}
	temp := cfg.Temperature
	defaults.Temperature = &temp

	base := []ClientOption{
		WithProvider(d.name, d),
		WithDefaultProvider(d.name),
		WithRequestDefaults(defaults),
	}
	return NewClient(append(base, opts...)...)
}

// deferredAdapter postpones building the concrete adapter until the Client
// initializes it.
type deferredAdapter struct {
	cfg  ProviderConfig
	name string

	mu    sync.Mutex
	inner ProviderAdapter
}

func (d *deferredAdapter) Name() string { return d.name }

func (d *deferredAdapter) SupportsTools() bool {
	return !strings.HasPrefix(strings.ToLower(d.cfg.Provider), "gollm:")
}

func (d *deferredAdapter) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inner != nil {
		return nil
	}
	inner, err := BuildAdapter(d.cfg)
	if err != nil {
		return err
	}
	if initer, ok := inner.(Initializer); ok {
		if err := initer.Initialize(ctx); err != nil {
			return err
		}
	}
	d.inner = inner
	return nil
}

func (d *deferredAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	d.mu.Lock()
	inner := d.inner
	d.mu.Unlock()
	if inner == nil {
		return nil, NewConfigurationError(fmt.Sprintf("provider %s is not initialized", d.name), nil)
	}
	return inner.Complete(ctx, req)
}

func (d *deferredAdapter) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if c, ok := d.inner.(Closer); ok {
		return c.Close()
	}
	return nil
}

// BuildAdapter constructs the adapter named by cfg.Provider.
func BuildAdapter(cfg ProviderConfig) (ProviderAdapter, error) {
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if gollmProvider, ok := strings.CutPrefix(provider, "gollm:"); ok {
		if gollmProvider == "" {
			return nil, NewConfigurationError("gollm provider name is empty", nil)
		}
		opts := []GollmOption{
			GollmWithAPIKey(cfg.APIKey),
			GollmWithModel(cfg.model()),
			GollmWithTemperature(cfg.Temperature),
		}
		if cfg.MaxTokens > 0 {
			opts = append(opts, GollmWithMaxTokens(cfg.MaxTokens))
		}
		return NewGollmAdapter(gollmProvider, opts...), nil
	}

	switch provider {
	case "openai", "openrouter", "anthropic", "google", "gemini":
	default:
		return nil, NewConfigurationError(fmt.Sprintf("Unsupported LLM provider: %s", cfg.Provider), nil)
	}
	if cfg.APIKey == "" {
		return nil, NewConfigurationError(fmt.Sprintf("missing API key for provider %s", provider), nil)
	}

	switch provider {
	case "openai":
		return NewOpenAIAdapter("openai", cfg), nil
	case "openrouter":
		if cfg.BaseURL == "" {
			cfg.BaseURL = OpenRouterBaseURL
		}
		return NewOpenAIAdapter("openrouter", cfg), nil
	case "anthropic":
		return NewAnthropicAdapter(cfg), nil
	default:
		return NewGeminiAdapter(cfg), nil
	}
}
