// Package errors defines unified error types for LLM gateway operations.
// All provider-specific errors are mapped to these standard error types.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"time"
)

// LLMError represents a standardized error from an LLM provider.
// It contains all necessary information for error handling, logging, and client response.
type LLMError struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Type       string `json:"type"`
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Retryable  bool   `json:"-"`

	// RetryAfter carries a provider-declared backoff hint (from a
	// Retry-After header or equivalent), nil when the provider gave none.
	RetryAfter *time.Duration `json:"-"`

	// DeploymentID and RequestID identify which deployment produced the
	// error and which upstream request it was replying to, for logging
	// and for the caller to correlate with its own request trace.
	DeploymentID string `json:"-"`
	RequestID    string `json:"-"`

	// NumRetriesAttempted is how many retry attempts had already been
	// made against this model group when this error became terminal.
	NumRetriesAttempted int `json:"-"`

	// ProviderResponseHeaders preserves the raw upstream headers the
	// error came with, for callers that need more than RetryAfter.
	ProviderResponseHeaders http.Header `json:"-"`
}

// Error implements the error interface.
func (e *LLMError) Error() string {
	return fmt.Sprintf("[%s] %s (provider=%s, model=%s, code=%d)",
		e.Type, e.Message, e.Provider, e.Model, e.StatusCode)
}

// HTTPStatusCode returns the appropriate HTTP status code for the error.
func (e *LLMError) HTTPStatusCode() int {
	if e.StatusCode > 0 {
		return e.StatusCode
	}
	return http.StatusInternalServerError
}

// Common error types as constants for consistency. These double as the
// closed set of error kinds the router's retry and fallback logic
// switches on — a new provider mapping a status code to an error
// constructs one of these, never an ad-hoc string.
const (
	TypeAuthentication     = "authentication_error"
	TypePermissionDenied   = "permission_denied_error"
	TypeRateLimit          = "rate_limit_error"
	TypeInvalidRequest     = "invalid_request_error"
	TypeNotFound           = "not_found_error"
	TypeTimeout            = "timeout_error"
	TypeServiceUnavailable = "service_unavailable_error"
	TypeInternalError      = "internal_error"
	TypeContextLength      = "context_length_exceeded"
	TypeContentPolicy      = "content_policy_violation"
	TypeAPIConnection      = "api_connection_error"
	TypeNoDeployments      = "no_deployments_available"
)

// NewAuthenticationError creates an authentication error (401).
func NewAuthenticationError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusUnauthorized,
		Message:    message,
		Type:       TypeAuthentication,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewPermissionDeniedError creates a permission error (403). Distinct from
// authentication: the credential is valid but not entitled to this model
// or operation, so retrying against the same deployment can never help.
func NewPermissionDeniedError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusForbidden,
		Message:    message,
		Type:       TypePermissionDenied,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewRateLimitError creates a rate limit error (429).
func NewRateLimitError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusTooManyRequests,
		Message:    message,
		Type:       TypeRateLimit,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInvalidRequestError creates an invalid request error (400).
func NewInvalidRequestError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeInvalidRequest,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewContextLengthError creates a context-window-exceeded error (400).
// Kept distinct from NewInvalidRequestError so routing logic can refuse
// to retry against a same-sized-context deployment while still allowing
// a fallback to a deployment with a larger context window.
func NewContextLengthError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadRequest,
		Message:    message,
		Type:       TypeContextLength,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewNotFoundError creates a not found error (404).
func NewNotFoundError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusNotFound,
		Message:    message,
		Type:       TypeNotFound,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NewTimeoutError creates a timeout error (408).
func NewTimeoutError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusRequestTimeout,
		Message:    message,
		Type:       TypeTimeout,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewServiceUnavailableError creates a service unavailable error (503).
func NewServiceUnavailableError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusServiceUnavailable,
		Message:    message,
		Type:       TypeServiceUnavailable,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewAPIConnectionError creates an error for a connection that never
// reached the provider at all (DNS failure, TCP reset, TLS handshake
// failure) — distinct from a timeout, which means the provider accepted
// the connection but never answered in time.
func NewAPIConnectionError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusBadGateway,
		Message:    message,
		Type:       TypeAPIConnection,
		Provider:   provider,
		Model:      model,
		Retryable:  true,
	}
}

// NewInternalError creates an internal server error (500).
func NewInternalError(provider, model, message string) *LLMError {
	return &LLMError{
		StatusCode: http.StatusInternalServerError,
		Message:    message,
		Type:       TypeInternalError,
		Provider:   provider,
		Model:      model,
		Retryable:  false,
	}
}

// NoDeploymentsError is returned when no deployment in a model group
// survives the pre-call filter pipeline. Reasons records, per filter
// name, why each candidate was excluded — the router surfaces this map
// directly so a caller debugging "why didn't this route" doesn't have
// to re-run the filters themselves.
type NoDeploymentsError struct {
	ModelGroup string
	Reasons    map[string][]string
}

func (e *NoDeploymentsError) Error() string {
	return fmt.Sprintf("no healthy deployments available for model group %q", e.ModelGroup)
}

// HTTPStatusCode reports 400: the caller asked for a model group that
// exists but has no deployment able to serve the request right now.
func (e *NoDeploymentsError) HTTPStatusCode() int { return http.StatusBadRequest }

// NewNoDeploymentsError builds a NoDeploymentsError from the exclusion
// reasons a pre-call filter pipeline accumulated while rejecting every
// candidate deployment.
func NewNoDeploymentsError(modelGroup string, reasons map[string][]string) *NoDeploymentsError {
	return &NoDeploymentsError{ModelGroup: modelGroup, Reasons: reasons}
}

// Disposition classifies an error for the retry/fallback engine: whether
// retrying the same deployment could plausibly succeed, whether only a
// fallback to a different deployment could help, or whether nothing
// should be attempted again.
type Disposition int

const (
	// NonRetryable means the request itself is the problem (bad schema,
	// content policy, permission denied) — retrying anything is futile.
	NonRetryable Disposition = iota
	// Transient means the same deployment may succeed on a later
	// attempt (rate limit, 5xx, connection reset).
	Transient
	// TimeoutDisposition means the provider never responded in time;
	// treated like Transient for retry purposes but tracked separately
	// since some callers back off more aggressively after a timeout.
	TimeoutDisposition
)

// Classify maps an error's type/status to a retry disposition. It
// replaces a bare retryable/not-retryable bool with the three-way split
// the retry engine needs: a timeout warrants a different backoff curve
// than a rate limit, even though both are retryable.
func Classify(err error) Disposition {
	llmErr, ok := err.(*LLMError)
	if !ok {
		return Transient
	}
	switch llmErr.Type {
	case TypeTimeout:
		return TimeoutDisposition
	case TypeRateLimit, TypeServiceUnavailable, TypeAPIConnection, TypeInternalError:
		return Transient
	case TypeNotFound:
		// A 404 from a deployment (model pulled, wrong endpoint) is
		// transient at the deployment level even though it is not
		// retryable at the request level — a fallback deployment may
		// still serve the same model group.
		return Transient
	default:
		return NonRetryable
	}
}

// IsImmediateCooldownKind reports whether an error belongs to the closed set
// of kinds the health tracker cools a deployment down for immediately: bad
// credentials, a model that was pulled or never existed, or a context window
// that can never fit the request no matter how many times it's retried.
// Everything else (timeouts, 5xx, connection resets, rate limits) is
// transient and only counts toward the rolling allowed-fails window.
func IsImmediateCooldownKind(err error) bool {
	var llmErr *LLMError
	if !stderrors.As(err, &llmErr) {
		return false
	}
	switch llmErr.Type {
	case TypeAuthentication, TypePermissionDenied, TypeNotFound, TypeContextLength:
		return true
	default:
		return false
	}
}

// IsCooldownRequired determines if a deployment should be cooled down based on error.
// Rate limits, auth errors, timeouts, and not found errors trigger cooldown.
// Other 4xx errors do not trigger cooldown as they are likely client errors.
func IsCooldownRequired(statusCode int) bool {
	if statusCode >= 400 && statusCode < 500 {
		switch statusCode {
		case http.StatusTooManyRequests, // 429
			http.StatusUnauthorized,   // 401
			http.StatusRequestTimeout, // 408
			http.StatusNotFound:       // 404
			return true
		default:
			return false
		}
	}
	// All 5xx errors trigger cooldown
	return statusCode >= 500
}
