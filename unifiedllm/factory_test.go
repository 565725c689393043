package unifiedllm

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestBuildAdapter(t *testing.T) {
	tests := []struct {
		provider string
		key      string
		wantName string
		wantErr  string
	}{
		{"openai", "k", "openai", ""},
		{"OpenRouter", "k", "openrouter", ""},
		{"anthropic", "k", "anthropic", ""},
		{"google", "k", "gemini", ""},
		{"gemini", "k", "gemini", ""},
		{"gollm:ollama", "", "ollama", ""},
		{"cohere", "k", "", "Unsupported LLM provider: cohere"},
		{"anthropic", "", "", "missing API key"},
		{"gollm:", "", "", "gollm provider name is empty"},
	}
	for _, tt := range tests {
		t.Run(tt.provider+"/"+tt.key, func(t *testing.T) {
			adapter, err := BuildAdapter(ProviderConfig{Provider: tt.provider, APIKey: tt.key})
			if tt.wantErr != "" {
				var cfgErr *ConfigurationError
				if !errors.As(err, &cfgErr) {
					t.Fatalf("expected ConfigurationError, got %v", err)
				}
				if !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("expected %q in %q", tt.wantErr, err.Error())
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if adapter.Name() != tt.wantName {
				t.Errorf("expected name %q, got %q", tt.wantName, adapter.Name())
			}
		})
	}
}

func TestNewClientFromConfigDefersErrors(t *testing.T) {
	client := NewClientFromConfig(ProviderConfig{Provider: "cohere", APIKey: "k"})
	if client.DefaultProvider() != "cohere" {
		t.Errorf("expected cohere to be the default provider, got %q", client.DefaultProvider())
	}

	for i := 0; i < 2; i++ {
		_, err := client.Generate(context.Background(), []Message{UserMessage("hi")}, nil, "")
		var cfgErr *ConfigurationError
		if !errors.As(err, &cfgErr) {
			t.Fatalf("call %d: expected ConfigurationError, got %v", i, err)
		}
		if !strings.Contains(err.Error(), "Unsupported LLM provider: cohere") {
			t.Errorf("unexpected message %q", err.Error())
		}
	}
}

func TestNewClientFromConfigInit(t *testing.T) {
	client := NewClientFromConfig(ProviderConfig{Provider: "openai"})
	err := client.Init(context.Background())
	var cfgErr *ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigurationError for missing key, got %v", err)
	}
}

func TestDeferredAdapterToolSupport(t *testing.T) {
	if (&deferredAdapter{cfg: ProviderConfig{Provider: "gollm:groq"}}).SupportsTools() {
		t.Error("gollm providers should not advertise tools")
	}
	if !(&deferredAdapter{cfg: ProviderConfig{Provider: "anthropic"}}).SupportsTools() {
		t.Error("anthropic should advertise tools")
	}
}
