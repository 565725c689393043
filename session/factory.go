// Package session assembles agents from settings: the model client, the
// session store and one capability per enabled category. The CLI and the
// HTTP server both build their agents through a Factory.
package session

import (
	"context"
	"fmt"

	"github.com/spf13/afero"
	"go.opentelemetry.io/otel/trace"

	"github.com/martinemde/dacli/agentloop"
	"github.com/martinemde/dacli/capability"
	"github.com/martinemde/dacli/config"
	"github.com/martinemde/dacli/logger"
	"github.com/martinemde/dacli/memory"
	"github.com/martinemde/dacli/metrics"
	"github.com/martinemde/dacli/scm"
	"github.com/martinemde/dacli/unifiedllm"
	"github.com/martinemde/dacli/vectorsearch"
	"github.com/martinemde/dacli/warehouse"
)

// CapabilityBuilder returns fresh capabilities for one agent.
type CapabilityBuilder func(s *config.Settings, reg *capability.Registry, log logger.Logger) agentloop.Capabilities

// Factory builds agents that share one model client.
type Factory struct {
	settings     *config.Settings
	fs           afero.Fs
	llm          agentloop.Generator
	registry     *capability.Registry
	metrics      *metrics.Metrics
	tracer       trace.Tracer
	log          logger.Logger
	capabilities CapabilityBuilder
	userInput    agentloop.UserInputFunc
	prompt       string

	maxIterations int
	window        int
}

type Option func(*Factory)

// WithFs sets the filesystem holding session state and history.
func WithFs(fs afero.Fs) Option {
	return func(f *Factory) { f.fs = fs }
}

// WithGenerator replaces the client built from the llm settings.
func WithGenerator(g agentloop.Generator) Option {
	return func(f *Factory) { f.llm = g }
}

// WithMetrics records model usage on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(f *Factory) { f.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(f *Factory) { f.tracer = t }
}

func WithLogger(l logger.Logger) Option {
	return func(f *Factory) { f.log = l }
}

// WithCapabilityBuilder replaces the Snowflake, GitHub and Pinecone clients.
func WithCapabilityBuilder(b CapabilityBuilder) Option {
	return func(f *Factory) { f.capabilities = b }
}

// WithUserInput answers request_user_input calls in-process.
func WithUserInput(fn agentloop.UserInputFunc) Option {
	return func(f *Factory) { f.userInput = fn }
}

// WithLimits overrides agent.max_iterations and agent.memory_window.
// Zero keeps the configured value.
func WithLimits(maxIterations, window int) Option {
	return func(f *Factory) {
		f.maxIterations = maxIterations
		f.window = window
	}
}

// NewFactory prepares a factory for settings. The system prompt is read
// once, here.
func NewFactory(settings *config.Settings, opts ...Option) (*Factory, error) {
	f := &Factory{
		settings:      settings,
		fs:            afero.NewOsFs(),
		registry:      capability.NewRegistry(settings.Tools),
		log:           logger.NewNop(),
		capabilities:  DefaultCapabilities,
		maxIterations: settings.Agent.MaxIterations,
		window:        settings.Agent.MemoryWindow,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.maxIterations <= 0 {
		f.maxIterations = settings.Agent.MaxIterations
	}
	if f.window <= 0 {
		f.window = settings.Agent.MemoryWindow
	}

	prompt, err := agentloop.LoadSystemPrompt(f.fs, settings.Agent.SystemPromptPath)
	if err != nil {
		return nil, err
	}
	f.prompt = prompt

	if f.llm == nil {
		f.llm = NewClient(settings, f.metrics)
	}
	return f, nil
}

// NewClient builds the model client for the llm and retry settings.
func NewClient(s *config.Settings, m *metrics.Metrics) *unifiedllm.Client {
	var opts []unifiedllm.ClientOption
	if s.Retry.MaxAttempts > 1 {
		opts = append(opts, unifiedllm.WithRetryPolicy(unifiedllm.RetryPolicy{
			MaxAttempts:       s.Retry.MaxAttempts,
			InitialDelay:      s.Retry.InitialDelayDuration(),
			MaxDelay:          s.Retry.MaxDelayDuration(),
			BackoffMultiplier: s.Retry.Multiplier,
			Jitter:            true,
		}))
	}
	if m != nil {
		opts = append(opts, unifiedllm.WithMiddleware(m.LLMMiddleware()))
	}
	return unifiedllm.NewClientFromConfig(unifiedllm.ProviderConfig{
		Provider:    s.LLM.Provider,
		Model:       s.LLM.Model,
		APIKey:      s.LLM.APIKey,
		BaseURL:     s.LLM.BaseURL,
		MaxTokens:   s.LLM.MaxTokens,
		Temperature: s.LLM.Temperature,
		Timeout:     s.LLM.TimeoutDuration(),
	}, opts...)
}

// DefaultCapabilities creates a client for every enabled category.
func DefaultCapabilities(s *config.Settings, reg *capability.Registry, log logger.Logger) agentloop.Capabilities {
	caps := agentloop.Capabilities{}
	if reg.IsCategoryEnabled(capability.Snowflake) {
		caps[capability.Snowflake] = warehouse.New(s.Snowflake, warehouse.WithLogger(log))
	}
	if reg.IsCategoryEnabled(capability.GitHub) {
		caps[capability.GitHub] = scm.New(s.GitHub, scm.WithLogger(log))
	}
	if reg.IsCategoryEnabled(capability.Pinecone) {
		caps[capability.Pinecone] = vectorsearch.New(s.Pinecone, s.Embeddings, vectorsearch.WithLogger(log))
	}
	return caps
}

// Registry returns the capability registry built from the tools settings.
func (f *Factory) Registry() *capability.Registry { return f.registry }

// Store opens the store for sessionID without loading it. An empty id
// creates a new timestamped session.
func (f *Factory) Store(sessionID string) (*memory.Store, error) {
	opts := []memory.Option{
		memory.WithFs(f.fs),
		memory.WithWindow(f.window),
		memory.WithPaths(f.settings.Agent.StatePath, f.settings.Agent.HistoryPath),
		memory.WithLogger(f.log),
	}
	if sessionID != "" {
		opts = append(opts, memory.WithSessionID(sessionID))
	}
	return memory.New(opts...)
}

// Open builds and initializes the agent for sessionID, resuming persisted
// state when the session exists. The returned bool reports a resume.
func (f *Factory) Open(ctx context.Context, sessionID string) (*agentloop.Agent, bool, error) {
	store, err := f.Store(sessionID)
	if err != nil {
		return nil, false, err
	}
	resumed := false
	if sessionID != "" {
		resumed, err = store.LoadSession(sessionID)
		if err != nil {
			return nil, false, fmt.Errorf("load session %s: %w", sessionID, err)
		}
	}

	log := f.log.With("session_id", store.SessionID())
	opts := []agentloop.Option{
		agentloop.WithMaxIterations(f.maxIterations),
		agentloop.WithSystemPrompt(f.prompt),
		agentloop.WithLogger(log),
		agentloop.WithRegistry(f.registry),
		agentloop.WithCapabilities(f.capabilities(f.settings, f.registry, log)),
	}
	if f.userInput != nil {
		opts = append(opts, agentloop.WithUserInput(f.userInput))
	}
	if f.tracer != nil {
		opts = append(opts, agentloop.WithTracer(f.tracer))
	}

	agent, err := agentloop.New(f.llm, store, opts...)
	if err != nil {
		return nil, false, err
	}
	if err := agent.Initialize(ctx); err != nil {
		_ = agent.Shutdown(ctx)
		return nil, false, err
	}
	return agent, resumed, nil
}

// Sessions lists the persisted sessions, most recent first.
func (f *Factory) Sessions() ([]memory.SessionSummary, error) {
	store, err := f.Store("")
	if err != nil {
		return nil, err
	}
	return store.ListSessions()
}
