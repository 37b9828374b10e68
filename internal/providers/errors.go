package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Gateway error codes. These flow from the adapters through the router to
// the HTTP error envelope unchanged.
const (
	CodeInvalidRequest        = "invalid_request_error"
	CodeRateLimitExceeded     = "rate_limit_exceeded"
	CodeCapabilityUnsupported = "capability_unsupported"
	CodeNoProviders           = "no_providers_available"
	CodeUpstreamTimeout       = "upstream_timeout"
	CodeUpstreamTransport     = "upstream_transport"
	CodeUpstreamServer        = "upstream_server_error"
	CodeUpstreamThrottled     = "upstream_throttled"
	CodeUpstreamClient        = "upstream_client_error"
	CodeProviderUnavailable   = "provider_unavailable"
	CodeInternal              = "internal_error"
)

// GatewayError is the structured error shared by all adapters and the
// router. Status is the upstream HTTP status when one was observed; the
// gateway-raised ErrUnavailable and ErrCapabilityUnsupported carry 503 and
// 400; it is 0 otherwise.
type GatewayError struct {
	Code     string
	Status   int
	Provider string
	Message  string
}

func (e *GatewayError) Error() string {
	if e.Provider != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Provider, e.Message, e.Code)
	}
	return fmt.Sprintf("%s (%s)", e.Message, e.Code)
}

// HTTPStatus returns the upstream status code, if any.
func (e *GatewayError) HTTPStatus() int { return e.Status }

// Retryable reports whether a retry against the same adapter may succeed.
// Breaker rejections (provider_unavailable) are not retryable — the router
// moves straight to the next candidate instead.
func (e *GatewayError) Retryable() bool {
	switch e.Code {
	case CodeUpstreamTimeout, CodeUpstreamTransport, CodeUpstreamServer, CodeUpstreamThrottled:
		return true
	}
	return false
}

// Errf builds a GatewayError with a formatted message.
func Errf(code string, status int, provider, format string, args ...any) *GatewayError {
	return &GatewayError{
		Code:     code,
		Status:   status,
		Provider: provider,
		Message:  fmt.Sprintf(format, args...),
	}
}

// ErrUnavailable is returned when an adapter is invoked while unconfigured
// or its circuit breaker is open.
func ErrUnavailable(provider string) *GatewayError {
	return &GatewayError{
		Code:     CodeProviderUnavailable,
		Status:   http.StatusServiceUnavailable,
		Provider: provider,
		Message:  "provider is not available",
	}
}

// ErrCapabilityUnsupported is returned by adapters that cannot serve the
// requested operation at all (embeddings on Claude).
func ErrCapabilityUnsupported(provider, capability string) *GatewayError {
	return &GatewayError{
		Code:     CodeCapabilityUnsupported,
		Status:   http.StatusBadRequest,
		Provider: provider,
		Message:  fmt.Sprintf("%s is not supported by this provider", capability),
	}
}

// ClassifyHTTPStatus maps an upstream HTTP status to a gateway error code.
func ClassifyHTTPStatus(status int) string {
	switch {
	case status == http.StatusTooManyRequests:
		return CodeUpstreamThrottled
	case status >= 500:
		return CodeUpstreamServer
	case status >= 400:
		return CodeUpstreamClient
	default:
		return CodeUpstreamTransport
	}
}

// FromUpstream wraps an upstream failure in a GatewayError, classifying
// timeouts, transport failures and HTTP statuses structurally. err must be
// non-nil.
func FromUpstream(provider string, status int, err error) *GatewayError {
	var ge *GatewayError
	if errors.As(err, &ge) {
		return ge
	}

	code := CodeUpstreamTransport
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		code = CodeUpstreamTimeout
	case status > 0:
		code = ClassifyHTTPStatus(status)
	}

	return &GatewayError{
		Code:     code,
		Status:   status,
		Provider: provider,
		Message:  err.Error(),
	}
}
