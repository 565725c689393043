package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"strings"
	"sync"

	"github.com/google/uuid"
	"google.golang.org/genai"
)

// GeminiAdapter speaks the Google Gemini generateContent protocol, including
// function calling.
type GeminiAdapter struct {
	cfg ProviderConfig

	mu     sync.Mutex
	client *genai.Client
}

// NewGeminiAdapter returns an adapter for cfg. The genai client is created
// by Initialize.
func NewGeminiAdapter(cfg ProviderConfig) *GeminiAdapter {
	return &GeminiAdapter{cfg: cfg}
}

func (a *GeminiAdapter) Name() string { return "gemini" }

func (a *GeminiAdapter) SupportsTools() bool { return true }

// Initialize creates the genai client.
func (a *GeminiAdapter) Initialize(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	cc := &genai.ClientConfig{
		APIKey:     a.cfg.APIKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.cfg.httpClient(),
	}
	if a.cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: a.cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return NewConfigurationError("failed to create gemini client", err)
	}
	a.client = client
	return nil
}

// Complete issues one generateContent call.
func (a *GeminiAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	if err := a.Initialize(ctx); err != nil {
		return nil, err
	}

	system, contents := toGeminiContents(req)
	config := &genai.GenerateContentConfig{}
	if system != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: system}}}
	}
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(min(*req.MaxTokens, math.MaxInt32))
	}
	if req.Temperature != nil {
		t := float32(*req.Temperature)
		config.Temperature = &t
	}
	if len(req.Tools) > 0 {
		config.Tools = toGeminiTools(req.Tools)
	}

	resp, err := a.client.Models.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, a.translateError(err)
	}

	var parts []ContentPart
	finish := FinishReason{Reason: "stop", Raw: "STOP"}
	if len(resp.Candidates) > 0 {
		cand := resp.Candidates[0]
		finish = geminiFinishReason(string(cand.FinishReason))
		if cand.Content != nil {
			for _, p := range cand.Content.Parts {
				switch {
				case p.FunctionCall != nil:
					id := p.FunctionCall.ID
					if id == "" {
						id = "call_" + uuid.New().String()[:8]
					}
					args, _ := json.Marshal(p.FunctionCall.Args)
					if p.FunctionCall.Args == nil {
						args = []byte("{}")
					}
					parts = append(parts, ToolCallPart(id, p.FunctionCall.Name, args))
				case p.Text != "" && !p.Thought:
					parts = append(parts, TextPart(p.Text))
				}
			}
		}
	}
	msg := Message{Role: RoleAssistant, Content: parts}
	if len(msg.ToolCalls()) > 0 {
		finish.Reason = "tool_calls"
	}

	var usage Usage
	if resp.UsageMetadata != nil {
		usage = Usage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:  int(resp.UsageMetadata.TotalTokenCount),
		}
	}

	return &Response{
		ID:           "resp_" + uuid.New().String()[:8],
		Model:        req.Model,
		Provider:     a.Name(),
		Message:      msg,
		FinishReason: finish,
		Usage:        usage,
	}, nil
}

// toGeminiContents maps assistant turns to the model role and carries tool
// results back as function responses on a user turn.
func toGeminiContents(req Request) (string, []*genai.Content) {
	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}

	var out []*genai.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.TextContent())
		case RoleAssistant:
			c := &genai.Content{Role: genai.RoleModel}
			if text := m.TextContent(); text != "" {
				c.Parts = append(c.Parts, &genai.Part{Text: text})
			}
			for _, tc := range m.ToolCalls() {
				args := map[string]any{}
				_ = json.Unmarshal(tc.Arguments, &args)
				c.Parts = append(c.Parts, &genai.Part{FunctionCall: &genai.FunctionCall{ID: tc.ID, Name: tc.Name, Args: args}})
			}
			if len(c.Parts) > 0 {
				out = append(out, c)
			}
		case RoleTool:
			var c *genai.Content
			if n := len(out); n > 0 && out[n-1].Role == genai.RoleUser && isFunctionResponseTurn(out[n-1]) {
				c = out[n-1]
			} else {
				c = &genai.Content{Role: genai.RoleUser}
				out = append(out, c)
			}
			for _, tr := range m.ToolResults() {
				key := "result"
				if tr.IsError {
					key = "error"
				}
				c.Parts = append(c.Parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       tr.ToolCallID,
					Name:     tr.Name,
					Response: map[string]any{key: tr.Content},
				}})
			}
		default:
			out = append(out, &genai.Content{Role: genai.RoleUser, Parts: []*genai.Part{{Text: m.TextContent()}}})
		}
	}
	return strings.Join(system, "\n\n"), out
}

func isFunctionResponseTurn(c *genai.Content) bool {
	for _, p := range c.Parts {
		if p.FunctionResponse == nil {
			return false
		}
	}
	return len(c.Parts) > 0
}

func toGeminiTools(defs []ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(defs))
	for _, d := range defs {
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        d.Name,
			Description: d.Description,
			Parameters:  toGeminiSchema(d.Parameters),
		})
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// toGeminiSchema converts a JSON-schema map to genai.Schema. Tool schemas
// may be built in Go ([]string) or decoded from JSON ([]any).
func toGeminiSchema(m map[string]any) *genai.Schema {
	if m == nil {
		return nil
	}
	s := &genai.Schema{}
	if t, ok := m["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if d, ok := m["description"].(string); ok {
		s.Description = d
	}
	s.Enum = stringList(m["enum"])
	s.Required = stringList(m["required"])
	if props, ok := m["properties"].(map[string]any); ok && len(props) > 0 {
		s.Properties = make(map[string]*genai.Schema, len(props))
		for name, p := range props {
			if pm, ok := p.(map[string]any); ok {
				s.Properties[name] = toGeminiSchema(pm)
			}
		}
	}
	if items, ok := m["items"].(map[string]any); ok {
		s.Items = toGeminiSchema(items)
	}
	return s
}

func stringList(v any) []string {
	switch vs := v.(type) {
	case []string:
		return vs
	case []any:
		out := make([]string, 0, len(vs))
		for _, e := range vs {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func geminiFinishReason(raw string) FinishReason {
	switch raw {
	case "STOP", "":
		return FinishReason{Reason: "stop", Raw: raw}
	case "MAX_TOKENS":
		return FinishReason{Reason: "length", Raw: raw}
	case "SAFETY", "RECITATION", "BLOCKLIST", "PROHIBITED_CONTENT", "SPII":
		return FinishReason{Reason: "content_filter", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

func (a *GeminiAdapter) translateError(err error) error {
	if ctxErr := TranslateContextError(err); ctxErr != nil {
		return ctxErr
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return withCause(ErrorFromStatusCode(apiErr.Code, apiErr.Message, a.Name(), apiErr.Status), err)
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return withCause(ErrorFromStatusCode(apiErrPtr.Code, apiErrPtr.Message, a.Name(), apiErrPtr.Status), err)
	}
	return &NetworkError{SDKError{Message: "gemini request failed", Cause: err}}
}
