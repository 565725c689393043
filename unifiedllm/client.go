package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Middleware wraps a provider call. It receives the request and a next function
// that calls the downstream handler, and returns the response.
type Middleware func(ctx context.Context, req Request, next func(context.Context, Request) (*Response, error)) (*Response, error)

// RequestDefaults fill request fields left empty by the caller.
type RequestDefaults struct {
	Model       string
	MaxTokens   *int
	Temperature *float64
}

type registeredProvider struct {
	adapter ProviderAdapter
	once    sync.Once
	initErr error
}

// Client routes requests to registered provider adapters, initializes each
// adapter once on first use, and applies middleware and retries.
type Client struct {
	providers       map[string]*registeredProvider
	defaultProvider string
	middleware      []Middleware
	retry           RetryPolicy
	defaults        RequestDefaults
	mu              sync.RWMutex
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithProvider registers a provider adapter.
func WithProvider(name string, adapter ProviderAdapter) ClientOption {
	return func(c *Client) {
		c.providers[name] = &registeredProvider{adapter: adapter}
	}
}

// WithDefaultProvider sets the default provider name.
func WithDefaultProvider(name string) ClientOption {
	return func(c *Client) {
		c.defaultProvider = name
	}
}

// WithMiddleware adds middleware to the client.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) {
		c.middleware = append(c.middleware, mw...)
	}
}

// WithRetryPolicy overrides the retry policy. The default performs a single
// attempt.
func WithRetryPolicy(p RetryPolicy) ClientOption {
	return func(c *Client) {
		c.retry = p
	}
}

// WithRequestDefaults sets the model, token budget and temperature used
// when a request leaves them empty.
func WithRequestDefaults(d RequestDefaults) ClientOption {
	return func(c *Client) {
		c.defaults = d
	}
}

// NewClient creates a new Client with the given options.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		providers: make(map[string]*registeredProvider),
		retry:     NoRetry(),
	}
	for _, opt := range opts {
		opt(c)
	}
	// If no default and exactly one provider, use it.
	if c.defaultProvider == "" && len(c.providers) == 1 {
		for name := range c.providers {
			c.defaultProvider = name
		}
	}
	return c
}

// RegisterProvider adds a provider adapter to the client.
func (c *Client) RegisterProvider(name string, adapter ProviderAdapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.providers[name] = &registeredProvider{adapter: adapter}
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// Use appends middleware after construction.
func (c *Client) Use(mw ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middleware = append(c.middleware, mw...)
}

// DefaultProvider returns the name requests are routed to when they do not
// name a provider.
func (c *Client) DefaultProvider() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.defaultProvider
}

func (c *Client) resolveProvider(req Request) (string, *registeredProvider, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	name := req.Provider
	if name == "" {
		name = c.defaultProvider
	}
	if name == "" {
		if info := GetModelInfo(req.Model); info != nil {
			name = info.Provider
		}
	}
	if name == "" {
		return "", nil, NewConfigurationError("no provider specified and no default provider configured", nil)
	}

	rp, ok := c.providers[name]
	if !ok {
		return "", nil, NewConfigurationError(fmt.Sprintf("provider %q is not registered", name), nil)
	}
	return name, rp, nil
}

// initialize runs the adapter's Initialize exactly once. A failure is kept
// and returned on every later call.
func (rp *registeredProvider) initialize(ctx context.Context, name string) error {
	rp.once.Do(func() {
		initer, ok := rp.adapter.(Initializer)
		if !ok {
			return
		}
		if err := initer.Initialize(ctx); err != nil {
			var cfgErr *ConfigurationError
			if !errors.As(err, &cfgErr) {
				err = NewConfigurationError(fmt.Sprintf("failed to initialize provider %s", name), err)
			}
			rp.initErr = err
		}
	})
	return rp.initErr
}

// Init eagerly initializes the default provider.
func (c *Client) Init(ctx context.Context) error {
	name, rp, err := c.resolveProvider(Request{})
	if err != nil {
		return err
	}
	return rp.initialize(ctx, name)
}

func (c *Client) applyDefaults(req *Request, adapter ProviderAdapter) {
	if req.Provider == "" {
		req.Provider = adapter.Name()
	}
	if req.Model == "" {
		req.Model = c.defaults.Model
	}
	if req.Model == "" {
		req.Model = DefaultModel(adapter.Name())
	}
	if req.MaxTokens == nil {
		req.MaxTokens = c.defaults.MaxTokens
	}
	if req.Temperature == nil {
		req.Temperature = c.defaults.Temperature
	}
	if ts, ok := adapter.(ToolSupporter); ok && !ts.SupportsTools() {
		req.Tools = nil
	}
}

// Complete sends a blocking request through middleware to the resolved provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	name, rp, err := c.resolveProvider(req)
	if err != nil {
		return nil, err
	}
	if err := rp.initialize(ctx, name); err != nil {
		return nil, err
	}
	adapter := rp.adapter
	c.applyDefaults(&req, adapter)

	handler := func(ctx context.Context, r Request) (*Response, error) {
		return adapter.Complete(ctx, r)
	}

	c.mu.RLock()
	mws := c.middleware
	policy := c.retry
	c.mu.RUnlock()

	// Apply middleware in reverse order so first registered runs first.
	for i := len(mws) - 1; i >= 0; i-- {
		mw := mws[i]
		next := handler
		handler = func(ctx context.Context, r Request) (*Response, error) {
			return mw(ctx, r, next)
		}
	}

	return Retry(ctx, policy, func(ctx context.Context) (*Response, error) {
		return handler(ctx, req)
	})
}

// Generate asks the model for the next turn given the conversation, the
// offered tools and a system prompt. Tool calls are returned in the order the
// model emitted them.
func (c *Client) Generate(ctx context.Context, messages []Message, tools []ToolDefinition, systemPrompt string) (*GenerateResult, error) {
	resp, err := c.Complete(ctx, Request{
		Messages: messages,
		Tools:    tools,
		System:   systemPrompt,
	})
	if err != nil {
		return nil, err
	}
	return &GenerateResult{
		Text:         resp.Text(),
		ToolCalls:    resp.ToolCalls(),
		FinishReason: resp.FinishReason,
		Usage:        resp.Usage,
		Response:     *resp,
	}, nil
}

// Close releases resources held by all registered providers.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, rp := range c.providers {
		if closer, ok := rp.adapter.(Closer); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
