package unifiedllm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// AnthropicAdapter speaks the Anthropic messages protocol, where one
// assistant turn interleaves text and tool_use blocks.
type AnthropicAdapter struct {
	client anthropic.Client
}

// NewAnthropicAdapter builds an adapter from cfg. SDK retries are disabled;
// the Client applies its own policy.
func NewAnthropicAdapter(cfg ProviderConfig) *AnthropicAdapter {
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(cfg.httpClient()),
		option.WithMaxRetries(0),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicAdapter{client: anthropic.NewClient(opts...)}
}

func (a *AnthropicAdapter) Name() string { return "anthropic" }

func (a *AnthropicAdapter) SupportsTools() bool { return true }

// Complete issues one messages call and collects text and tool_use blocks
// in the order they appear.
func (a *AnthropicAdapter) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := int64(4096)
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = int64(*req.MaxTokens)
	}

	system, messages := toAnthropicMessages(req)
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: maxTokens,
		Messages:  messages,
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := toAnthropicTools(req.Tools)
		if err != nil {
			return nil, err
		}
		params.Tools = tools
	}

	msg, err := a.client.Messages.New(ctx, params)
	if err != nil {
		return nil, a.translateError(err)
	}

	var parts []ContentPart
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			parts = append(parts, TextPart(block.Text))
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			parts = append(parts, ToolCallPart(block.ID, block.Name, input))
		}
	}

	in, out := int(msg.Usage.InputTokens), int(msg.Usage.OutputTokens)
	return &Response{
		ID:           msg.ID,
		Model:        string(msg.Model),
		Provider:     a.Name(),
		Message:      Message{Role: RoleAssistant, Content: parts},
		FinishReason: anthropicFinishReason(string(msg.StopReason)),
		Usage:        Usage{InputTokens: in, OutputTokens: out, TotalTokens: in + out},
	}, nil
}

// toAnthropicMessages folds system messages into the system prompt and
// merges consecutive tool results into a single user turn.
func toAnthropicMessages(req Request) (string, []anthropic.MessageParam) {
	system := []string{}
	if req.System != "" {
		system = append(system, req.System)
	}

	var out []anthropic.MessageParam
	var pendingResults []anthropic.ContentBlockParamUnion
	flush := func() {
		if len(pendingResults) > 0 {
			out = append(out, anthropic.NewUserMessage(pendingResults...))
			pendingResults = nil
		}
	}

	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.TextContent())
		case RoleTool:
			for _, tr := range m.ToolResults() {
				pendingResults = append(pendingResults, anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError))
			}
		case RoleAssistant:
			flush()
			var blocks []anthropic.ContentBlockParamUnion
			if text := m.TextContent(); text != "" {
				blocks = append(blocks, anthropic.NewTextBlock(text))
			}
			for _, tc := range m.ToolCalls() {
				input := map[string]any{}
				_ = json.Unmarshal(tc.Arguments, &input)
				blocks = append(blocks, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
			}
			if len(blocks) > 0 {
				out = append(out, anthropic.NewAssistantMessage(blocks...))
			}
		default:
			flush()
			out = append(out, anthropic.NewUserMessage(anthropic.NewTextBlock(m.TextContent())))
		}
	}
	flush()
	return strings.Join(system, "\n\n"), out
}

func toAnthropicTools(defs []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	tools := make([]anthropic.ToolUnionParam, 0, len(defs))
	for _, d := range defs {
		raw, err := json.Marshal(d.Parameters)
		if err != nil {
			return nil, &InvalidToolCallError{SDKError{Message: "encode schema for " + d.Name, Cause: err}}
		}
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(raw, &schema); err != nil {
			return nil, &InvalidToolCallError{SDKError{Message: "decode schema for " + d.Name, Cause: err}}
		}
		tool := anthropic.ToolUnionParamOfTool(schema, d.Name)
		tool.OfTool.Description = anthropic.String(d.Description)
		tools = append(tools, tool)
	}
	return tools, nil
}

func anthropicFinishReason(raw string) FinishReason {
	switch raw {
	case "end_turn", "stop_sequence":
		return FinishReason{Reason: "stop", Raw: raw}
	case "tool_use":
		return FinishReason{Reason: "tool_calls", Raw: raw}
	case "max_tokens":
		return FinishReason{Reason: "length", Raw: raw}
	case "refusal":
		return FinishReason{Reason: "content_filter", Raw: raw}
	default:
		return FinishReason{Reason: "other", Raw: raw}
	}
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func (a *AnthropicAdapter) translateError(err error) error {
	if ctxErr := TranslateContextError(err); ctxErr != nil {
		return ctxErr
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		var body anthropicErrorBody
		_ = json.Unmarshal([]byte(apiErr.RawJSON()), &body)
		msg := body.Error.Message
		if msg == "" {
			msg = http.StatusText(apiErr.StatusCode)
		}
		translated := withCause(ErrorFromStatusCode(apiErr.StatusCode, msg, a.Name(), body.Error.Type), err)
		var pe providerErr
		if errors.As(translated, &pe) {
			pe.provider().RequestID = apiErr.RequestID
		}
		return translated
	}
	return &NetworkError{SDKError{Message: "anthropic request failed", Cause: err}}
}
