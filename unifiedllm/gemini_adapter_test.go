package unifiedllm

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"google.golang.org/genai"
)

func TestToGeminiContents(t *testing.T) {
	system, contents := toGeminiContents(Request{
		System: "base prompt",
		Messages: []Message{
			SystemMessage("extra"),
			UserMessage("load the files"),
			AssistantToolCallMessage("on it", []ToolCall{
				{ID: "c1", Name: "list_github_directory", Arguments: json.RawMessage(`{"path":"data"}`)},
				{ID: "c2", Name: "read_github_file", Arguments: json.RawMessage(`{"path":"README.md"}`)},
			}),
			ToolResultMessage("c1", "list_github_directory", "a.csv", false),
			ToolResultMessage("c2", "read_github_file", "File not found: README.md", true),
		},
	})

	if system != "base prompt\n\nextra" {
		t.Errorf("unexpected system %q", system)
	}
	if len(contents) != 3 {
		t.Fatalf("expected user, model and one function response turn, got %d", len(contents))
	}
	if contents[0].Role != genai.RoleUser || contents[1].Role != genai.RoleModel {
		t.Errorf("unexpected roles %q %q", contents[0].Role, contents[1].Role)
	}

	model := contents[1]
	if len(model.Parts) != 3 || model.Parts[0].Text != "on it" {
		t.Fatalf("unexpected model parts %+v", model.Parts)
	}
	if fc := model.Parts[1].FunctionCall; fc == nil || fc.Name != "list_github_directory" || fc.Args["path"] != "data" {
		t.Errorf("unexpected first function call %+v", fc)
	}

	responses := contents[2]
	if len(responses.Parts) != 2 {
		t.Fatalf("expected two function responses, got %d", len(responses.Parts))
	}
	first := responses.Parts[0].FunctionResponse
	if first.ID != "c1" || first.Name != "list_github_directory" || first.Response["result"] != "a.csv" {
		t.Errorf("unexpected first response %+v", first)
	}
	if second := responses.Parts[1].FunctionResponse; second.Response["error"] != "File not found: README.md" {
		t.Errorf("expected error key for failed result, got %+v", second.Response)
	}
}

func TestToGeminiSchema(t *testing.T) {
	s := toGeminiSchema(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"status": map[string]any{"type": "string", "enum": []string{"in_progress", "completed", "failed"}},
			"tags":   map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		},
		"required": []any{"status"},
	})
	if s.Type != genai.TypeObject {
		t.Errorf("expected OBJECT, got %q", s.Type)
	}
	if len(s.Required) != 1 || s.Required[0] != "status" {
		t.Errorf("unexpected required %v", s.Required)
	}
	if got := s.Properties["status"].Enum; len(got) != 3 {
		t.Errorf("unexpected enum %v", got)
	}
	if s.Properties["tags"].Items.Type != genai.TypeString {
		t.Errorf("unexpected items %+v", s.Properties["tags"].Items)
	}
}

func TestGeminiTranslateError(t *testing.T) {
	a := NewGeminiAdapter(ProviderConfig{APIKey: "k"})

	err := a.translateError(fmt.Errorf("generate: %w", genai.APIError{Code: 429, Message: "quota", Status: "RESOURCE_EXHAUSTED"}))
	var rl *RateLimitError
	if !errors.As(err, &rl) {
		t.Fatalf("expected RateLimitError, got %T", err)
	}
	if rl.ErrorCode != "RESOURCE_EXHAUSTED" || rl.Provider != "gemini" {
		t.Errorf("unexpected fields %+v", rl.ProviderError)
	}

	err = a.translateError(errors.New("dial tcp: connection refused"))
	var netErr *NetworkError
	if !errors.As(err, &netErr) {
		t.Errorf("expected NetworkError, got %T", err)
	}
}

func TestGeminiFinishReason(t *testing.T) {
	if got := geminiFinishReason("MAX_TOKENS").Reason; got != "length" {
		t.Errorf("got %q", got)
	}
	if got := geminiFinishReason("SAFETY").Reason; got != "content_filter" {
		t.Errorf("got %q", got)
	}
}
