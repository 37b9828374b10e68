// Package apierr provides structured API error types and HTTP status mapping
// compatible with the OpenAI error format.
package apierr

import (
	"encoding/json"
	"errors"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// ErrorType constants.
const (
	TypeProviderError     = "provider_error"
	TypeRateLimitError    = "rate_limit_error"
	TypeInvalidRequest    = "invalid_request_error"
	TypeAuthenticationErr = "authentication_error"
	TypeServerError       = "server_error"
)

// APIError is the structured error returned to clients.
type (
	APIError struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    string `json:"code"`
	}
	envelope struct {
		Error APIError `json:"error"`
	}
)

// Write writes the error as JSON to the fasthttp response with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, message, errType, code string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(envelope{Error: APIError{
		Message: message,
		Type:    errType,
		Code:    code,
	}})
	ctx.SetBody(body)
}

// WriteRateLimit writes a 429 rate limit error.
func WriteRateLimit(ctx *fasthttp.RequestCtx) {
	ctx.Response.Header.Set("Retry-After", "60")
	Write(ctx, fasthttp.StatusTooManyRequests,
		"rate limit exceeded, please try again later",
		TypeRateLimitError, providers.CodeRateLimitExceeded)
}

// WriteGatewayError maps a routing failure to the client-facing status:
//
//	invalid_request_error / capability_unsupported → 400
//	rate_limit_exceeded / upstream_throttled       → 429
//	no_providers_available                         → 503
//	upstream_timeout                               → 504
//	other upstream_* codes / provider_unavailable  → 502
//	everything else                                → 500
func WriteGatewayError(ctx *fasthttp.RequestCtx, err error) {
	var ge *providers.GatewayError
	if !errors.As(err, &ge) {
		Write(ctx, fasthttp.StatusInternalServerError,
			err.Error(), TypeServerError, providers.CodeInternal)
		return
	}

	switch ge.Code {
	case providers.CodeInvalidRequest:
		Write(ctx, fasthttp.StatusBadRequest, ge.Message, TypeInvalidRequest, ge.Code)
	case providers.CodeCapabilityUnsupported:
		Write(ctx, fasthttp.StatusBadRequest, ge.Message, TypeInvalidRequest, ge.Code)
	case providers.CodeRateLimitExceeded:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, ge.Message, TypeRateLimitError, ge.Code)
	case providers.CodeUpstreamThrottled:
		ctx.Response.Header.Set("Retry-After", "60")
		Write(ctx, fasthttp.StatusTooManyRequests, ge.Message, TypeRateLimitError, ge.Code)
	case providers.CodeNoProviders:
		Write(ctx, fasthttp.StatusServiceUnavailable, ge.Message, TypeProviderError, ge.Code)
	case providers.CodeUpstreamTimeout:
		Write(ctx, fasthttp.StatusGatewayTimeout, ge.Message, TypeProviderError, ge.Code)
	case providers.CodeUpstreamTransport, providers.CodeUpstreamServer,
		providers.CodeUpstreamClient, providers.CodeProviderUnavailable:
		Write(ctx, fasthttp.StatusBadGateway, ge.Message, TypeProviderError, ge.Code)
	default:
		Write(ctx, fasthttp.StatusInternalServerError, ge.Message, TypeServerError, providers.CodeInternal)
	}
}
