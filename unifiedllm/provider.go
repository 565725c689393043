package unifiedllm

import "context"

// ProviderAdapter is the interface every provider backend must implement.
type ProviderAdapter interface {
	// Name returns the provider identifier (e.g. "openai", "anthropic", "gemini").
	Name() string

	// Complete sends a blocking request and returns the full response.
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Optional adapter methods.

// Closer is implemented by adapters that hold resources.
type Closer interface {
	Close() error
}

// Initializer is implemented by adapters that must set up a client before
// the first request. Client calls it once; its error is remembered.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// ToolSupporter is implemented by adapters that can report whether they
// accept tool definitions. Adapters that return false get requests with
// the tools removed.
type ToolSupporter interface {
	SupportsTools() bool
}
