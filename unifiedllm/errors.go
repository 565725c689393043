package unifiedllm

import (
	"context"
	"errors"
	"fmt"
)

// SDKError is the base error type for all adapter errors.
type SDKError struct {
	Message string
	Cause   error
}

func (e *SDKError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *SDKError) Unwrap() error {
	return e.Cause
}

// ProviderError is an error reported by an LLM provider's API.
type ProviderError struct {
	SDKError
	Provider   string
	StatusCode int
	ErrorCode  string
	Retryable  bool
	RequestID  string
}

func (e *ProviderError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("[%s] %s", e.Provider, e.Message)
	}
	return fmt.Sprintf("[%s] %s (status=%d)", e.Provider, e.Message, e.StatusCode)
}

func (e *ProviderError) provider() *ProviderError { return e }

type providerErr interface {
	error
	provider() *ProviderError
}

// Provider error subtypes keyed off the HTTP status.

type AuthenticationError struct{ ProviderError }
type AccessDeniedError struct{ ProviderError }
type NotFoundError struct{ ProviderError }
type InvalidRequestError struct{ ProviderError }
type RateLimitError struct{ ProviderError }
type ServerError struct{ ProviderError }
type ContextLengthError struct{ ProviderError }

// Errors that do not come from a provider response.

type RequestTimeoutError struct{ SDKError }
type AbortError struct{ SDKError }
type NetworkError struct{ SDKError }
type InvalidToolCallError struct{ SDKError }

// ConfigurationError reports a provider that cannot be used as configured:
// unknown name, missing credentials, or a client that failed to initialize.
type ConfigurationError struct{ SDKError }

// NewConfigurationError builds a ConfigurationError with an optional cause.
func NewConfigurationError(msg string, cause error) *ConfigurationError {
	return &ConfigurationError{SDKError{Message: msg, Cause: cause}}
}

// ErrorFromStatusCode maps an HTTP status code to the matching error type.
func ErrorFromStatusCode(statusCode int, message, provider, errorCode string) error {
	pe := ProviderError{
		SDKError:   SDKError{Message: message},
		Provider:   provider,
		StatusCode: statusCode,
		ErrorCode:  errorCode,
	}

	switch statusCode {
	case 400, 422:
		return &InvalidRequestError{ProviderError: pe}
	case 401:
		return &AuthenticationError{ProviderError: pe}
	case 403:
		return &AccessDeniedError{ProviderError: pe}
	case 404:
		return &NotFoundError{ProviderError: pe}
	case 408:
		return &RequestTimeoutError{SDKError: SDKError{Message: message}}
	case 413:
		return &ContextLengthError{ProviderError: pe}
	case 429:
		pe.Retryable = true
		return &RateLimitError{ProviderError: pe}
	case 500, 502, 503, 504, 529:
		pe.Retryable = true
		return &ServerError{ProviderError: pe}
	default:
		pe.Retryable = statusCode >= 500
		return &pe
	}
}

// withCause records the SDK error that err was translated from.
func withCause(err, cause error) error {
	switch e := err.(type) {
	case providerErr:
		e.provider().Cause = cause
	case *RequestTimeoutError:
		e.Cause = cause
	}
	return err
}

// TranslateContextError maps context cancellation and deadline errors to
// AbortError and RequestTimeoutError. Other errors are returned as nil.
func TranslateContextError(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return &AbortError{SDKError{Message: "request canceled", Cause: err}}
	case errors.Is(err, context.DeadlineExceeded):
		return &RequestTimeoutError{SDKError{Message: "request timed out", Cause: err}}
	}
	return nil
}

// IsRetryable reports whether err is a transient failure worth retrying.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var (
		cfg     *ConfigurationError
		abort   *AbortError
		timeout *RequestTimeoutError
		network *NetworkError
		badCall *InvalidToolCallError
	)
	switch {
	case errors.As(err, &cfg), errors.As(err, &abort), errors.As(err, &badCall):
		return false
	case errors.As(err, &timeout), errors.As(err, &network):
		return true
	}
	if pe := asProviderError(err); pe != nil {
		return pe.Retryable
	}
	return false
}

// StatusCode returns the HTTP status carried by a provider error, or 0.
func StatusCode(err error) int {
	if pe := asProviderError(err); pe != nil {
		return pe.StatusCode
	}
	return 0
}

func asProviderError(err error) *ProviderError {
	var p providerErr
	if errors.As(err, &p) {
		return p.provider()
	}
	return nil
}
