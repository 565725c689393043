package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

func TestGollmAdapterName(t *testing.T) {
	adapter := NewGollmAdapter("ollama", GollmWithModel("llama3.1"))
	if adapter.Name() != "ollama" {
		t.Errorf("expected name %q, got %q", "ollama", adapter.Name())
	}
	if adapter.SupportsTools() {
		t.Error("gollm adapter should not support tools")
	}
}

func TestGollmAdapterInitializeWithoutModel(t *testing.T) {
	err := NewGollmAdapter("groq").Initialize(context.Background())
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("expected ConfigurationError, got %v", err)
	}
}

func TestFlattenTranscript(t *testing.T) {
	t.Run("single user message passes through", func(t *testing.T) {
		got := flattenTranscript([]Message{SystemMessage("sys"), UserMessage("hello")})
		if got != "hello" {
			t.Errorf("expected %q, got %q", "hello", got)
		}
	})

	t.Run("multi turn conversation is labelled", func(t *testing.T) {
		got := flattenTranscript([]Message{
			UserMessage("list files"),
			AssistantToolCallMessage("", []ToolCall{{ID: "c1", Name: "list", Arguments: json.RawMessage(`{"path":"."}`)}}),
			ToolResultMessage("c1", "list", "a.csv", false),
			ToolResultMessage("c2", "read", "denied", true),
			AssistantMessage("found a.csv"),
			UserMessage("thanks"),
		})
		want := strings.Join([]string{
			"User: list files",
			`Assistant called list({"path":"."})`,
			"Tool result: a.csv",
			"Tool error: denied",
			"Assistant: found a.csv",
			"User: thanks",
			"Assistant:",
		}, "\n")
		if got != want {
			t.Errorf("unexpected transcript:\n%s\nwant:\n%s", got, want)
		}
	})
}

func TestGollmAdapterTranslateError(t *testing.T) {
	adapter := &GollmAdapter{provider: "groq"}

	tests := []struct {
		msg   string
		check func(error) bool
	}{
		{"API error: 401 Unauthorized", func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{"invalid api key", func(err error) bool { var e *AuthenticationError; return errors.As(err, &e) }},
		{"status 403", func(err error) bool { var e *AccessDeniedError; return errors.As(err, &e) }},
		{"429 rate limit exceeded", func(err error) bool { var e *RateLimitError; return errors.As(err, &e) }},
		{"rate limit exceeded", func(err error) bool { var e *RateLimitError; return errors.As(err, &e) }},
		{"context length exceeded", func(err error) bool { var e *ContextLengthError; return errors.As(err, &e) }},
		{"502 bad gateway", func(err error) bool { var e *ServerError; return errors.As(err, &e) }},
		{"timeout waiting for response", func(err error) bool { var e *RequestTimeoutError; return errors.As(err, &e) }},
		{"dial tcp: connection refused", func(err error) bool { var e *NetworkError; return errors.As(err, &e) }},
		{"something unknown", func(err error) bool { var e *ProviderError; return errors.As(err, &e) && !IsRetryable(err) }},
		{"context canceled", func(err error) bool { var e *ProviderError; return errors.As(err, &e) }},
	}

	for _, tt := range tests {
		cause := errors.New(tt.msg)
		err := adapter.translateError(cause)
		if !tt.check(err) {
			t.Errorf("for %q: unexpected %T", tt.msg, err)
		}
		if !errors.Is(err, cause) {
			t.Errorf("for %q: expected the gollm error to be kept as cause", tt.msg)
		}
	}

	var abort *AbortError
	if !errors.As(adapter.translateError(context.Canceled), &abort) {
		t.Error("expected context.Canceled to map to AbortError")
	}
}

func TestEstimateTokens(t *testing.T) {
	req := Request{System: "12345678", Messages: []Message{UserMessage("Hello world, this is a test message.")}}
	if got := estimateTokens(req); got != 2+9 {
		t.Errorf("expected 11, got %d", got)
	}
	if got := estimateTokens(Request{}); got != 10 {
		t.Errorf("expected floor of 10, got %d", got)
	}
}
