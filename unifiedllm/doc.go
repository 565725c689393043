// Package unifiedllm presents OpenAI, OpenRouter, Anthropic, Gemini and any
// gollm-backed provider behind one request/response model.
//
// A Client owns one or more ProviderAdapters. Each adapter is initialized
// once, on first use; an initialization failure is a ConfigurationError
// and is returned on every later call without being retried. Requests pass
// through the middleware chain and the retry policy before reaching the
// adapter.
//
//	client := unifiedllm.NewClientFromConfig(unifiedllm.ProviderConfig{
//	    Provider: "anthropic",
//	    APIKey:   os.Getenv("ANTHROPIC_API_KEY"),
//	})
//	res, err := client.Generate(ctx, []unifiedllm.Message{unifiedllm.UserMessage("hi")}, tools, system)
//
// Generate returns the model text and the tool calls in the order the model
// emitted them. Adapters that cannot call tools (gollm) have the tool
// definitions removed from the request, so an empty tool call list does not
// mean the model declined to use a tool.
package unifiedllm
