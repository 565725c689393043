package unifiedllm

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/teilomillet/gollm"
)

// GollmAdapter serves providers that have no dedicated adapter (ollama,
// groq, mistral, ...) through gollm. gollm exposes a single prompt/answer
// call, so the adapter flattens the conversation into one prompt and never
// offers tools to the model.
type GollmAdapter struct {
	provider    string
	model       string
	apiKey      string
	maxTokens   int
	temperature float64
	extraOpts   []gollm.ConfigOption

	mu  sync.Mutex
	llm gollm.LLM
}

// GollmOption configures a GollmAdapter.
type GollmOption func(*GollmAdapter)

// GollmWithAPIKey sets the provider API key.
func GollmWithAPIKey(key string) GollmOption {
	return func(a *GollmAdapter) { a.apiKey = key }
}

// GollmWithModel sets the default model.
func GollmWithModel(model string) GollmOption {
	return func(a *GollmAdapter) { a.model = model }
}

// GollmWithMaxTokens sets the default output budget.
func GollmWithMaxTokens(n int) GollmOption {
	return func(a *GollmAdapter) { a.maxTokens = n }
}

// GollmWithTemperature sets the default sampling temperature.
func GollmWithTemperature(t float64) GollmOption {
	return func(a *GollmAdapter) { a.temperature = t }
}

// GollmWithConfig appends raw gollm configuration options.
func GollmWithConfig(opts ...gollm.ConfigOption) GollmOption {
	return func(a *GollmAdapter) { a.extraOpts = append(a.extraOpts, opts...) }
}

// NewGollmAdapter returns an adapter for provider. The gollm client is built
// by Initialize.
func NewGollmAdapter(provider string, opts ...GollmOption) *GollmAdapter {
	a := &GollmAdapter{provider: provider, maxTokens: 4096, temperature: 0.7}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// NewGollmAdapterFromLLM wraps an existing gollm.LLM instance.
func NewGollmAdapterFromLLM(provider, model string, llm gollm.LLM) *GollmAdapter {
	return &GollmAdapter{provider: provider, model: model, llm: llm}
}

// Name returns the provider identifier.
func (a *GollmAdapter) Name() string {
	return a.provider
}

// SupportsTools is always false; tool definitions are dropped by the Client.
func (a *GollmAdapter) SupportsTools() bool {
	return false
}

// Initialize builds the gollm client.
func (a *GollmAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.llm != nil {
		return nil
	}
	if a.model == "" {
		return NewConfigurationError(fmt.Sprintf("no model configured for provider %s", a.provider), nil)
	}

	opts := []gollm.ConfigOption{
		gollm.SetProvider(a.provider),
		gollm.SetModel(a.model),
		gollm.SetMaxTokens(a.maxTokens),
		gollm.SetTemperature(a.temperature),
		gollm.SetMaxRetries(0), // Client retries
		gollm.SetLogLevel(gollm.LogLevelWarn),
	}
	if a.apiKey != "" {
		opts = append(opts, gollm.SetAPIKey(a.apiKey))
	}
	opts = append(opts, a.extraOpts...)

	llm, err := gollm.NewLLM(opts...)
	if err != nil {
		return NewConfigurationError(fmt.Sprintf("failed to initialize gollm provider %s", a.provider), err)
	}
	a.llm = llm
	return nil
}

// Complete flattens the conversation into a prompt and returns the answer
// as a single text part.
func (a *GollmAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if req.Model != "" {
		a.llm.SetOption("model", req.Model)
	}
	if req.Temperature != nil {
		a.llm.SetOption("temperature", *req.Temperature)
	}
	if req.MaxTokens != nil {
		a.llm.SetOption("max_tokens", *req.MaxTokens)
	}

	prompt := gollm.NewPrompt(flattenTranscript(req.Messages), a.promptOptions(req)...)
	text, err := a.llm.Generate(ctx, prompt)
	if err != nil {
		return nil, a.translateError(err)
	}

	model := req.Model
	if model == "" {
		model = a.model
	}
	in, out := estimateTokens(req), len(text)/4
	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        model,
		Provider:     a.provider,
		Message:      AssistantMessage(text),
		FinishReason: FinishReason{Reason: "stop", Raw: "stop"},
		// gollm does not report usage.
		Usage: Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}, nil
}

func (a *GollmAdapter) promptOptions(req Request) []gollm.PromptOption {
	var opts []gollm.PromptOption
	system := strings.TrimSpace(req.System)
	for _, m := range req.Messages {
		if m.Role == RoleSystem {
			system = strings.TrimSpace(system + "\n" + m.TextContent())
		}
	}
	if system != "" {
		opts = append(opts, gollm.WithSystemPrompt(system, gollm.CacheTypeEphemeral))
	}
	if req.MaxTokens != nil {
		opts = append(opts, gollm.WithMaxLength(*req.MaxTokens))
	}
	return opts
}

// flattenTranscript renders a conversation as labelled lines. A single user
// message is passed through unlabelled.
func flattenTranscript(msgs []Message) string {
	var turns []Message
	for _, m := range msgs {
		if m.Role != RoleSystem {
			turns = append(turns, m)
		}
	}
	if len(turns) == 1 && turns[0].Role == RoleUser {
		return turns[0].TextContent()
	}

	var sb strings.Builder
	for _, m := range turns {
		switch m.Role {
		case RoleUser:
			fmt.Fprintf(&sb, "User: %s\n", m.TextContent())
		case RoleAssistant:
			if text := m.TextContent(); text != "" {
				fmt.Fprintf(&sb, "Assistant: %s\n", text)
			}
			for _, tc := range m.ToolCalls() {
				fmt.Fprintf(&sb, "Assistant called %s(%s)\n", tc.Name, string(tc.Arguments))
			}
		case RoleTool:
			for _, tr := range m.ToolResults() {
				label := "Tool result"
				if tr.IsError {
					label = "Tool error"
				}
				fmt.Fprintf(&sb, "%s: %s\n", label, tr.Content)
			}
		}
	}
	sb.WriteString("Assistant:")
	return sb.String()
}

var statusInMessage = regexp.MustCompile(`\b(4\d\d|5\d\d)\b`)

// translateError classifies gollm's string errors by the HTTP status they
// mention, falling back to keywords.
func (a *GollmAdapter) translateError(err error) error {
	if ctxErr := TranslateContextError(err); ctxErr != nil {
		return ctxErr
	}
	msg := err.Error()
	lower := strings.ToLower(msg)

	status := 0
	if m := statusInMessage.FindString(msg); m != "" {
		status, _ = strconv.Atoi(m)
	}
	switch {
	case status != 0:
	case strings.Contains(lower, "unauthorized"), strings.Contains(lower, "invalid api key"):
		status = 401
	case strings.Contains(lower, "rate limit"):
		status = 429
	case strings.Contains(lower, "context length"), strings.Contains(lower, "too many tokens"):
		status = 413
	case strings.Contains(lower, "timeout"):
		return &RequestTimeoutError{SDKError{Message: msg, Cause: err}}
	case strings.Contains(lower, "connection refused"), strings.Contains(lower, "no such host"):
		return &NetworkError{SDKError{Message: msg, Cause: err}}
	default:
		return &ProviderError{SDKError: SDKError{Message: msg, Cause: err}, Provider: a.provider}
	}
	return withCause(ErrorFromStatusCode(status, msg, a.provider, ""), err)
}

// estimateTokens approximates input tokens at four characters per token.
func estimateTokens(req Request) int {
	total := len(req.System) / 4
	for _, msg := range req.Messages {
		total += len(msg.TextContent()) / 4
	}
	if total == 0 {
		total = 10
	}
	return total
}
