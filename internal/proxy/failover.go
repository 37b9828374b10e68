package proxy

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// RoutingOptions controls candidate ordering and the retry/fallback budget.
type RoutingOptions struct {
	// DefaultProvider is the preference applied when a request carries none.
	DefaultProvider string

	// FallbackEnabled allows walking past the head candidate on failure.
	FallbackEnabled bool

	// MaxRetries is the number of retries per candidate (not per request),
	// on top of the initial attempt. Default: 2.
	MaxRetries int

	// RetryDelay is the initial backoff delay; each retry doubles it with
	// jitter. Default: 1s.
	RetryDelay time.Duration
}

func (o *RoutingOptions) maxRetries() int {
	if o.MaxRetries < 0 {
		return 0
	}
	if o.MaxRetries == 0 {
		return 2
	}
	return o.MaxRetries
}

func (o *RoutingOptions) retryDelay() time.Duration {
	if o.RetryDelay <= 0 {
		return time.Second
	}
	return o.RetryDelay
}

// routeChat walks the candidate list: each candidate gets its own retry
// budget, and every fallback hop bumps the response's retryCount by one.
// The last error surfaces when every candidate is exhausted.
func (g *Gateway) routeChat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResponse, error) {
	cands := g.candidates(g.preference(req.Provider), req.Model, false)
	if len(cands) == 0 {
		return nil, providers.Errf(providers.CodeNoProviders, 0, "",
			"no available providers for request")
	}

	var lastErr error
	for hop, prov := range cands {
		resp, err := invokeWithRetry(ctx, g, prov, func(attemptCtx context.Context) (*providers.ChatResponse, error) {
			return prov.Chat(attemptCtx, req)
		})
		if err == nil {
			if resp.Gateway != nil {
				resp.Gateway.RetryCount += hop
			}
			if hop > 0 {
				g.log.InfoContext(ctx, "failover_success",
					slog.String("request_id", req.RequestID),
					slog.String("from", cands[0].Name()),
					slog.String("to", prov.Name()),
				)
				if g.metrics != nil {
					g.metrics.RecordFailover(cands[0].Name(), prov.Name())
				}
			}
			return resp, nil
		}
		lastErr = err

		g.log.WarnContext(ctx, "provider_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", prov.Name()),
			slog.String("error", err.Error()),
		)
	}

	return nil, lastErr
}

// routeEmbed is routeChat for embeddings: no cache interplay and adapters
// without embedding support are never candidates.
func (g *Gateway) routeEmbed(ctx context.Context, req *providers.EmbeddingRequest) (*providers.EmbeddingResponse, error) {
	cands := g.candidates(g.preference(req.Provider), req.Model, true)
	if len(cands) == 0 {
		return nil, providers.Errf(providers.CodeNoProviders, 0, "",
			"no available providers for embedding request")
	}

	var lastErr error
	for _, prov := range cands {
		resp, err := invokeWithRetry(ctx, g, prov, func(attemptCtx context.Context) (*providers.EmbeddingResponse, error) {
			return prov.Embed(attemptCtx, req)
		})
		if err == nil {
			return resp, nil
		}
		lastErr = err

		g.log.WarnContext(ctx, "provider_failed",
			slog.String("request_id", req.RequestID),
			slog.String("provider", prov.Name()),
			slog.String("error", err.Error()),
		)
	}

	return nil, lastErr
}

// routeChatStream picks the head candidate and forwards its event stream.
// Streaming never retries and never falls back: bytes already written to
// the client cannot be replayed without duplication.
func (g *Gateway) routeChatStream(ctx context.Context, req *providers.ChatRequest) (<-chan providers.StreamChunk, string, error) {
	cands := g.candidates(g.preference(req.Provider), req.Model, false)
	if len(cands) == 0 {
		return nil, "", providers.Errf(providers.CodeNoProviders, 0, "",
			"no available providers for request")
	}

	prov := cands[0]
	if g.cb != nil && !g.cb.Allow(prov.Name()) {
		return nil, prov.Name(), providers.ErrUnavailable(prov.Name())
	}

	ch, err := prov.ChatStream(ctx, req)
	if err != nil {
		if g.cb != nil {
			g.cb.RecordFailure(prov.Name())
		}
		return nil, prov.Name(), err
	}
	if g.cb != nil {
		g.cb.RecordSuccess(prov.Name())
	}
	return ch, prov.Name(), nil
}

func (g *Gateway) preference(requested string) string {
	if requested != "" {
		return requested
	}
	return g.routing.DefaultProvider
}

// invokeWithRetry runs one candidate with its retry budget: jittered
// exponential backoff, retryable errors only. The circuit breaker is
// consulted before and recorded after every attempt; a breaker rejection
// surfaces as provider_unavailable, which the caller treats like any other
// upstream failure and falls back.
func invokeWithRetry[T any](ctx context.Context, g *Gateway, prov providers.Provider, call func(context.Context) (T, error)) (T, error) {
	var zero T
	name := prov.Name()

	var lastErr error
	for attempt := 0; attempt <= g.routing.maxRetries(); attempt++ {
		if attempt > 0 {
			if g.metrics != nil {
				g.metrics.RecordRetry(name)
			}
			if err := sleepBackoff(ctx, g.routing.retryDelay(), attempt-1); err != nil {
				return zero, providers.FromUpstream(name, 0, err)
			}
		}

		if g.cb != nil && !g.cb.Allow(name) {
			if g.metrics != nil {
				g.metrics.RecordCircuitBreakerRejection(name, g.cb.StateLabel(name))
			}
			return zero, providers.ErrUnavailable(name)
		}

		resp, err := call(ctx)
		if err == nil {
			if g.cb != nil {
				g.cb.RecordSuccess(name)
			}
			if g.metrics != nil {
				g.metrics.RecordProviderRequest(name, "success")
			}
			return resp, nil
		}

		if g.cb != nil {
			g.cb.RecordFailure(name)
		}
		if g.metrics != nil {
			g.metrics.RecordProviderRequest(name, "error")
		}
		lastErr = err

		if !isRetryable(err) {
			break
		}
	}

	return zero, lastErr
}

// isRetryable classifies structurally when the adapter produced a
// GatewayError; the message substring scan is only a fallback for foreign
// errors that carry no classification.
func isRetryable(err error) bool {
	var ge *providers.GatewayError
	if errors.As(err, &ge) {
		return ge.Retryable()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range []string{"timeout", "connection", "502", "503", "504", "429"} {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}

// sleepBackoff waits a random duration between half and all of
// retryDelay·2^attempt, or returns the context error if the caller goes
// away first.
func sleepBackoff(ctx context.Context, base time.Duration, attempt int) error {
	if attempt > 16 {
		attempt = 16
	}
	d := base << uint(attempt)
	d = d/2 + time.Duration(rand.Int63n(int64(d/2)+1))

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
