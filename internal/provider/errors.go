package provider

import (
	"context"
	"errors"
	"fmt"
)

// ErrAborted marks a turn cancelled by the user or shutdown.
var ErrAborted = errors.New("aborted")

// AuthError reports missing or rejected credentials.
type AuthError struct {
	ProviderID string
	Message    string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("provider %s auth failed: %s", e.ProviderID, e.Message)
}

// APIError is a provider API failure. Headers keeps the raw response
// headers so the retry policy can honor retry-after hints.
type APIError struct {
	StatusCode int
	Message    string
	Retryable  bool
	Headers    map[string]string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error (status %d): %s", e.StatusCode, e.Message)
}

// OutputLengthError reports a response truncated at the output limit.
type OutputLengthError struct{}

func (e *OutputLengthError) Error() string {
	return "model output length limit reached"
}

// retryableStatus mirrors the upstream SDK policy: timeouts, conflicts,
// rate limits and server errors retry; other 4xx do not.
func retryableStatus(status int) bool {
	switch status {
	case 408, 409, 429:
		return true
	}
	return status >= 500
}

// NewAPIError builds a classified APIError from a raw status response.
func NewAPIError(status int, message string, headers map[string]string) *APIError {
	return &APIError{
		StatusCode: status,
		Message:    message,
		Retryable:  retryableStatus(status),
		Headers:    headers,
	}
}

// Error kind names as persisted on assistant messages.
const (
	NameAborted      = "AbortedError"
	NameAuth         = "ProviderAuthError"
	NameAPI          = "APIError"
	NameOutputLength = "MessageOutputLengthError"
	NameUnknown      = "UnknownError"
)

// ErrorName maps a classified error to its persisted kind name.
func ErrorName(err error) string {
	switch {
	case errors.Is(err, ErrAborted), errors.Is(err, context.Canceled):
		return NameAborted
	case isKind[*AuthError](err):
		return NameAuth
	case isKind[*OutputLengthError](err):
		return NameOutputLength
	case isKind[*APIError](err):
		return NameAPI
	default:
		return NameUnknown
	}
}

// IsRetryable reports whether err is an APIError flagged retryable.
func IsRetryable(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Retryable
}

// IsAborted reports whether err came from cancellation.
func IsAborted(err error) bool {
	return errors.Is(err, ErrAborted) || errors.Is(err, context.Canceled)
}

func isKind[T error](err error) bool {
	var target T
	return errors.As(err, &target)
}
