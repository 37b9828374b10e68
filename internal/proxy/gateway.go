// Package proxy is the request-routing core of the gateway.
//
// The Gateway receives provider-agnostic chat and embedding requests,
// extracts the caller identity, applies rate limiting, consults the
// response cache, and routes to an upstream adapter with retry and
// fallback — streaming responses are forwarded as server-sent events.
//
// Key design constraints:
//   - Logger, cache, rate limiter and metrics are optional and nil-safe.
//   - All upstream I/O uses context.Context so timeouts and client
//     disconnects propagate.
//   - Streaming responses are pass-through; they are never cached and
//     never retried.
package proxy

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

const serviceName = "ai-gateway"

// GatewayOptions holds optional tuning parameters for a Gateway. All
// fields have usable defaults.
type GatewayOptions struct {
	Logger *slog.Logger

	// Routing controls candidate ordering, fallback and the retry budget.
	Routing RoutingOptions

	// CBConfig configures the per-provider circuit breaker thresholds.
	CBConfig CBConfig

	// CacheTTL is the TTL for stored responses. Default: 1h.
	CacheTTL time.Duration

	// Metrics enables Prometheus collection when non-nil.
	Metrics *metrics.Registry

	// RateLimiter enables per-caller limiting when non-nil.
	RateLimiter *ratelimit.Limiter

	// RequestLogger receives async per-request analytics entries.
	RequestLogger *logger.Logger
}

// Gateway is the routing pipeline — all dependencies are injected so they
// can be replaced with doubles in tests.
type Gateway struct {
	providers []providers.Provider
	cache     cache.Cache
	cb        *CircuitBreaker
	health    *HealthChecker
	log       *slog.Logger
	metrics   *metrics.Registry
	limiter   *ratelimit.Limiter
	reqLogger *logger.Logger

	routing  RoutingOptions
	cacheTTL time.Duration

	corsOrigins []string
}

// NewGateway creates a fully configured Gateway. provs is the adapter set
// built at startup; c may be nil to disable caching.
func NewGateway(baseCtx context.Context, provs []providers.Provider, c cache.Cache, opts GatewayOptions) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}

	cacheTTL := opts.CacheTTL
	if cacheTTL <= 0 {
		cacheTTL = time.Hour
	}

	gw := &Gateway{
		providers: provs,
		cache:     c,
		cb:        NewCircuitBreaker(opts.CBConfig),
		log:       log,
		metrics:   opts.Metrics,
		limiter:   opts.RateLimiter,
		reqLogger: opts.RequestLogger,
		routing:   opts.Routing,
		cacheTTL:  cacheTTL,
	}

	if len(provs) > 0 {
		gw.health = NewHealthChecker(baseCtx, provs, gw.metrics)
	}

	return gw
}

// SetCORSOrigins configures the allowed CORS origins.
func (g *Gateway) SetCORSOrigins(origins []string) {
	g.corsOrigins = origins
}

// ── Identity ─────────────────────────────────────────────────────────────────

// extractIdentifier resolves the rate-limit identity: the X-Api-Key header
// wins, then the bearer token, then the shared anonymous bucket.
func extractIdentifier(ctx *fasthttp.RequestCtx) string {
	if key := strings.TrimSpace(string(ctx.Request.Header.Peek("X-Api-Key"))); key != "" {
		return key
	}
	auth := strings.TrimSpace(string(ctx.Request.Header.Peek("Authorization")))
	if len(auth) > 7 && strings.EqualFold(auth[:7], "Bearer ") {
		if token := strings.TrimSpace(auth[7:]); token != "" {
			return token
		}
	}
	return "anonymous"
}

// checkRateLimit consumes one token and stamps the rate-limit headers from
// the post-decrement snapshot. Returns false after writing the 429 response.
func (g *Gateway) checkRateLimit(ctx *fasthttp.RequestCtx, identifier, reqID string) bool {
	if g.limiter == nil {
		return true
	}

	allowed, info := g.limiter.Consume(identifier)
	setRateLimitHeaders(ctx, info)
	if allowed {
		if g.metrics != nil {
			g.metrics.RecordRateLimit("allowed")
		}
		return true
	}

	if g.metrics != nil {
		g.metrics.RecordRateLimit("blocked")
	}
	g.log.WarnContext(ctx, "rate_limit_exceeded",
		slog.String("request_id", reqID),
		slog.String("identifier", identifier),
	)
	apierr.WriteRateLimit(ctx)
	return false
}

func setRateLimitHeaders(ctx *fasthttp.RequestCtx, info ratelimit.Info) {
	ctx.Response.Header.Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
	ctx.Response.Header.Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
	ctx.Response.Header.Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetSeconds))
}

// ── Chat ─────────────────────────────────────────────────────────────────────

// dispatchChat handles POST /v1/chat/completions (non-streaming).
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	req, ok := g.parseChatRequest(ctx, reqID)
	if !ok {
		return
	}

	if req.Stream {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"use /v1/chat/completions/stream for streaming requests",
			apierr.TypeInvalidRequest, providers.CodeInvalidRequest)
		return
	}

	identifier := extractIdentifier(ctx)
	req.RequestID = reqID
	req.Identifier = identifier

	if !g.checkRateLimit(ctx, identifier, reqID) {
		return
	}

	g.log.InfoContext(ctx, "chat_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider_hint", req.Provider),
		slog.Int("messages", len(req.Messages)),
	)

	// Cache lookup — the fingerprint hashes model, temperature and messages.
	key := ""
	if g.cache != nil {
		key = Fingerprint(req)
		if body, hit := g.cache.Get(ctx, key); hit {
			if resp := decodeCached(body); resp != nil {
				if g.metrics != nil {
					g.metrics.CacheHit()
				}
				g.log.DebugContext(ctx, "cache_hit",
					slog.String("request_id", reqID),
					slog.String("model", req.Model),
				)
				g.writeChatResponse(ctx, resp)
				g.logRequest(reqID, resp, time.Since(start), fasthttp.StatusOK, true)
				return
			}
		}
		if g.metrics != nil {
			g.metrics.CacheMiss()
		}
	}

	resp, err := g.routeChat(ctx, req)
	if err != nil {
		g.log.ErrorContext(ctx, "chat_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteGatewayError(ctx, err)
		g.logRequest(reqID, nil, time.Since(start), ctx.Response.StatusCode(), false)
		return
	}

	// Store after routing, never for cancelled requests.
	if g.cache != nil && ctx.Err() == nil && cacheable(resp) {
		if body, merr := json.Marshal(resp); merr == nil {
			_ = g.cache.Set(ctx, key, body, g.cacheTTL)
			if g.metrics != nil {
				g.metrics.CacheStore()
			}
		}
	}

	g.writeChatResponse(ctx, resp)
	g.logRequest(reqID, resp, time.Since(start), fasthttp.StatusOK, false)
}

// dispatchChatStream handles POST /v1/chat/completions/stream.
func (g *Gateway) dispatchChatStream(ctx *fasthttp.RequestCtx) {
	reqID, _ := ctx.UserValue("request_id").(string)

	req, ok := g.parseChatRequest(ctx, reqID)
	if !ok {
		return
	}

	identifier := extractIdentifier(ctx)
	req.Stream = true
	req.RequestID = reqID
	req.Identifier = identifier

	if !g.checkRateLimit(ctx, identifier, reqID) {
		return
	}

	// The stream context is cancelled when the body writer finishes or the
	// client goes away, releasing the upstream connection.
	streamCtx, cancel := context.WithCancel(ctx)

	chunks, provName, err := g.routeChatStream(streamCtx, req)
	if err != nil {
		cancel()
		g.log.ErrorContext(ctx, "stream_error",
			slog.String("request_id", reqID),
			slog.String("provider", provName),
			slog.String("error", err.Error()),
		)
		apierr.WriteGatewayError(ctx, err)
		return
	}

	g.log.InfoContext(ctx, "stream_start",
		slog.String("request_id", reqID),
		slog.String("provider", provName),
		slog.String("model", req.Model),
	)

	writeSSE(ctx, reqID, req.Model, chunks, cancel)
}

// parseChatRequest unmarshals and validates the inbound body, writing the
// error response itself on failure.
func (g *Gateway) parseChatRequest(ctx *fasthttp.RequestCtx, reqID string) (*providers.ChatRequest, bool) {
	var req providers.ChatRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, providers.CodeInvalidRequest)
		return nil, false
	}

	if len(req.Messages) == 0 {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"'messages' must not be empty",
			apierr.TypeInvalidRequest, providers.CodeInvalidRequest)
		return nil, false
	}
	for i, m := range req.Messages {
		switch m.Role {
		case "system", "user", "assistant":
		default:
			apierr.Write(ctx, fasthttp.StatusBadRequest,
				fmt.Sprintf("messages[%d]: invalid role %q", i, m.Role),
				apierr.TypeInvalidRequest, providers.CodeInvalidRequest)
			return nil, false
		}
	}

	return &req, true
}

func (g *Gateway) writeChatResponse(ctx *fasthttp.RequestCtx, resp *providers.ChatResponse) {
	if resp.Gateway != nil && resp.Gateway.RequestID != "" {
		ctx.Response.Header.Set("X-Request-Id", resp.Gateway.RequestID)
	}

	body, err := json.Marshal(resp)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, providers.CodeInternal)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// decodeCached deserializes a stored response and stamps the cached flag.
func decodeCached(body []byte) *providers.ChatResponse {
	var resp providers.ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil
	}
	if resp.Gateway == nil {
		resp.Gateway = &providers.GatewayMetadata{}
	}
	resp.Gateway.Cached = true
	return &resp
}

// cacheable refuses empty and error responses; streaming requests never
// reach this point.
func cacheable(resp *providers.ChatResponse) bool {
	if resp == nil || len(resp.Choices) == 0 {
		return false
	}
	for _, c := range resp.Choices {
		if c.FinishReason == "error" {
			return false
		}
	}
	return true
}

// ── Embeddings ───────────────────────────────────────────────────────────────

// inboundEmbeddingRequest mirrors the OpenAI POST /v1/embeddings body. The
// "input" field accepts a string or an array of strings.
type inboundEmbeddingRequest struct {
	Model          string          `json:"model"`
	Input          json.RawMessage `json:"input"`
	EncodingFormat string          `json:"encoding_format"`
	Dimensions     int             `json:"dimensions"`
	User           string          `json:"user"`
	Provider       string          `json:"provider"`
}

// parseEmbeddingInput normalizes the raw "input" union to []string.
func parseEmbeddingInput(raw json.RawMessage) ([]string, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("'input' is required")
	}
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return arr, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, fmt.Errorf("'input' must not be empty")
		}
		return []string{s}, nil
	}
	return nil, fmt.Errorf("'input' must be a string or array of strings")
}

// dispatchEmbeddings handles POST /v1/embeddings. Embeddings route without
// a cache path.
func (g *Gateway) dispatchEmbeddings(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	reqID, _ := ctx.UserValue("request_id").(string)

	var in inboundEmbeddingRequest
	if err := json.Unmarshal(ctx.PostBody(), &in); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, providers.CodeInvalidRequest)
		return
	}

	inputs, err := parseEmbeddingInput(in.Input)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error(),
			apierr.TypeInvalidRequest, providers.CodeInvalidRequest)
		return
	}

	identifier := extractIdentifier(ctx)
	if !g.checkRateLimit(ctx, identifier, reqID) {
		return
	}

	req := &providers.EmbeddingRequest{
		Input:          inputs,
		Model:          in.Model,
		EncodingFormat: in.EncodingFormat,
		Dimensions:     in.Dimensions,
		User:           in.User,
		Provider:       in.Provider,
		RequestID:      reqID,
		Identifier:     identifier,
	}

	g.log.InfoContext(ctx, "embedding_request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("provider_hint", req.Provider),
		slog.Int("inputs", len(inputs)),
	)

	resp, err := g.routeEmbed(ctx, req)
	if err != nil {
		g.log.ErrorContext(ctx, "embedding_error",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		apierr.WriteGatewayError(ctx, err)
		return
	}

	if resp.Gateway != nil && resp.Gateway.RequestID != "" {
		ctx.Response.Header.Set("X-Request-Id", resp.Gateway.RequestID)
	}

	body, merr := json.Marshal(resp)
	if merr != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, providers.CodeInternal)
		return
	}
	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// ── SSE ──────────────────────────────────────────────────────────────────────

// writeSSE streams chunks as OpenAI-compatible chat.completion.chunk
// events. cancel is invoked when the writer exits so the upstream call is
// released even when the client disconnects mid-stream.
func writeSSE(ctx *fasthttp.RequestCtx, reqID, model string, chunks <-chan providers.StreamChunk, cancel context.CancelFunc) {
	ctx.SetContentType("text/event-stream")
	ctx.Response.Header.Set("Cache-Control", "no-cache")
	ctx.Response.Header.Set("Connection", "keep-alive")
	ctx.Response.Header.Set("X-Request-Id", reqID)
	ctx.SetStatusCode(fasthttp.StatusOK)

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer cancel()
		defer func() { recover() }() //nolint:errcheck // panic recovery in stream writer

		for chunk := range chunks {
			event := providers.ChatResponse{
				ID:      "chatcmpl-" + reqID,
				Object:  "chat.completion.chunk",
				Created: time.Now().Unix(),
				Model:   model,
				Choices: []providers.Choice{
					{
						Index:        0,
						Delta:        &providers.Message{Content: chunk.Content},
						FinishReason: chunk.FinishReason,
					},
				},
			}
			data, _ := json.Marshal(event)
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		}

		fmt.Fprint(w, "data: [DONE]\n\n")
		w.Flush() //nolint:errcheck
	})
}

// ── Request logging ──────────────────────────────────────────────────────────

// logRequest enqueues an analytics entry to the async logger. Never blocks.
func (g *Gateway) logRequest(requestID string, resp *providers.ChatResponse, latency time.Duration, status int, cached bool) {
	if g.reqLogger == nil {
		return
	}

	entry := logger.RequestLog{
		RequestID: requestID,
		Status:    status,
		Cached:    cached,
		LatencyMs: latency.Milliseconds(),
		CreatedAt: time.Now(),
	}
	if resp != nil {
		entry.Model = resp.Model
		if resp.Gateway != nil {
			entry.Provider = resp.Gateway.Provider
		}
		if resp.Usage != nil {
			entry.InputTokens = resp.Usage.PromptTokens
			entry.OutputTokens = resp.Usage.CompletionTokens
		}
	}
	g.reqLogger.Log(entry)
}
