package unifiedllm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFromStatusCode(t *testing.T) {
	tests := []struct {
		status    int
		wantType  string
		retryable bool
	}{
		{400, "*unifiedllm.InvalidRequestError", false},
		{401, "*unifiedllm.AuthenticationError", false},
		{403, "*unifiedllm.AccessDeniedError", false},
		{404, "*unifiedllm.NotFoundError", false},
		{408, "*unifiedllm.RequestTimeoutError", true},
		{413, "*unifiedllm.ContextLengthError", false},
		{422, "*unifiedllm.InvalidRequestError", false},
		{429, "*unifiedllm.RateLimitError", true},
		{500, "*unifiedllm.ServerError", true},
		{503, "*unifiedllm.ServerError", true},
		{529, "*unifiedllm.ServerError", true},
		{418, "*unifiedllm.ProviderError", false},
	}

	for _, tt := range tests {
		err := ErrorFromStatusCode(tt.status, "test error", "openai", "")
		if got := fmt.Sprintf("%T", err); got != tt.wantType {
			t.Errorf("status %d: type = %s, want %s", tt.status, got, tt.wantType)
		}
		if got := IsRetryable(err); got != tt.retryable {
			t.Errorf("status %d: IsRetryable = %v, want %v", tt.status, got, tt.retryable)
		}
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"auth error", &AuthenticationError{}, false},
		{"invalid request", &InvalidRequestError{}, false},
		{"config error", NewConfigurationError("bad", nil), false},
		{"abort", &AbortError{}, false},
		{"bad tool call", &InvalidToolCallError{}, false},
		{"rate limit", &RateLimitError{ProviderError: ProviderError{Retryable: true}}, true},
		{"server error", &ServerError{ProviderError: ProviderError{Retryable: true}}, true},
		{"network error", &NetworkError{}, true},
		{"timeout error", &RequestTimeoutError{}, true},
		{"wrapped rate limit", fmt.Errorf("call: %w", &RateLimitError{ProviderError: ProviderError{Retryable: true}}), true},
		{"plain error", errors.New("unknown"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.retryable {
				t.Errorf("IsRetryable(%T) = %v, want %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestStatusCode(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", ErrorFromStatusCode(401, "bad key", "anthropic", "authentication_error"))
	if got := StatusCode(err); got != 401 {
		t.Errorf("StatusCode = %d, want 401", got)
	}
	if got := StatusCode(errors.New("x")); got != 0 {
		t.Errorf("StatusCode of plain error = %d, want 0", got)
	}
}

func TestTranslateContextError(t *testing.T) {
	var abort *AbortError
	if !errors.As(TranslateContextError(context.Canceled), &abort) {
		t.Error("expected canceled context to map to AbortError")
	}
	var timeout *RequestTimeoutError
	if !errors.As(TranslateContextError(fmt.Errorf("post: %w", context.DeadlineExceeded)), &timeout) {
		t.Error("expected deadline to map to RequestTimeoutError")
	}
	if TranslateContextError(errors.New("other")) != nil {
		t.Error("expected unrelated error to map to nil")
	}
}

func TestSDKErrorUnwrap(t *testing.T) {
	cause := errors.New("root cause")
	err := NewConfigurationError("wrapper", cause)
	if !errors.Is(err, cause) {
		t.Error("expected ConfigurationError to unwrap to its cause")
	}
	if err.Error() != "wrapper: root cause" {
		t.Errorf("unexpected message %q", err.Error())
	}
}

func TestProviderErrorMessage(t *testing.T) {
	err := &ProviderError{
		SDKError:   SDKError{Message: "rate limit exceeded"},
		Provider:   "openai",
		StatusCode: 429,
		Retryable:  true,
	}
	msg := err.Error()
	if !strings.Contains(msg, "openai") || !strings.Contains(msg, "rate limit") || !strings.Contains(msg, "429") {
		t.Errorf("error message missing expected content: %q", msg)
	}
}
