package proxy

import (
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
	"github.com/nulpointcorp/ai-gateway/pkg/apierr"
)

// middleware is one layer of the ingress handler chain.
type middleware = func(fasthttp.RequestHandler) fasthttp.RequestHandler

// chain wraps h so the first middleware listed is the outermost layer:
//
//	chain(h, mw1, mw2) → mw1(mw2(h))
func chain(h fasthttp.RequestHandler, mws ...middleware) fasthttp.RequestHandler {
	wrapped := h
	for i := len(mws) - 1; i >= 0; i-- {
		wrapped = mws[i](wrapped)
	}
	return wrapped
}

// recovery catches panics in any handler and converts them into the
// gateway's standard error envelope instead of crashing the server. The
// panic value goes to the gateway logger with the request id attached.
func (g *Gateway) recovery(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		defer func() {
			if r := recover(); r != nil {
				reqID, _ := ctx.UserValue("request_id").(string)
				g.log.Error("handler_panic",
					slog.Any("panic", r),
					slog.String("request_id", reqID),
					slog.String("method", string(ctx.Method())),
					slog.String("path", string(ctx.Path())),
				)
				ctx.ResetBody()
				apierr.Write(ctx, fasthttp.StatusInternalServerError,
					"internal server error", apierr.TypeServerError, providers.CodeInternal)
			}
		}()
		next(ctx)
	}
}

// requestID assigns every request a gateway id. A client-supplied
// X-Request-Id is honored; otherwise a UUID v4 is generated. The id is
// echoed in the response header and stored in the request context under
// "request_id" for the dispatch handlers.
func requestID(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		id := string(ctx.Request.Header.Peek("X-Request-Id"))
		if id == "" {
			id = uuid.New().String()
		}
		ctx.Response.Header.Set("X-Request-Id", id)
		ctx.SetUserValue("request_id", id)
		next(ctx)
	}
}

// accessLog measures each request once and fans the result out to the
// X-Response-Time header, the HTTP metrics, and a debug-level access line.
func (g *Gateway) accessLog(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()
		next(ctx)
		dur := time.Since(start)

		ctx.Response.Header.Set("X-Response-Time", dur.String())
		if g.metrics != nil {
			g.metrics.ObserveHTTP(string(ctx.Path()), ctx.Response.StatusCode(), dur)
		}

		reqID, _ := ctx.UserValue("request_id").(string)
		g.log.Debug("http_request",
			slog.String("request_id", reqID),
			slog.String("method", string(ctx.Method())),
			slog.String("path", string(ctx.Path())),
			slog.Int("status", ctx.Response.StatusCode()),
			slog.Duration("duration", dur),
		)
	}
}

// cors returns a CORS middleware for the given allowed origins. An empty
// list or ["*"] allows any origin; otherwise the request's Origin header
// is echoed back only when it is on the allowlist. OPTIONS preflights are
// answered with 204 and no body.
func cors(origins []string) middleware {
	allowAll := len(origins) == 0 || (len(origins) == 1 && origins[0] == "*")
	allowed := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		allowed[o] = struct{}{}
	}

	return func(next fasthttp.RequestHandler) fasthttp.RequestHandler {
		return func(ctx *fasthttp.RequestCtx) {
			h := &ctx.Response.Header
			if allowAll {
				h.Set("Access-Control-Allow-Origin", "*")
			} else {
				origin := string(ctx.Request.Header.Peek("Origin"))
				if _, ok := allowed[origin]; ok {
					h.Set("Access-Control-Allow-Origin", origin)
				}
				h.Set("Vary", "Origin")
			}
			h.Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Api-Key, X-Request-Id")

			if string(ctx.Method()) == fasthttp.MethodOptions {
				h.Set("Access-Control-Max-Age", "300")
				ctx.SetStatusCode(fasthttp.StatusNoContent)
				return
			}
			next(ctx)
		}
	}
}

// hardeningHeaders are attached to every response. The gateway serves
// only JSON and SSE, so the content-security policy denies everything and
// responses are marked non-cacheable (the response cache is the gateway's
// own, never an intermediary's).
var hardeningHeaders = [...][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Content-Security-Policy", "default-src 'none'"},
	{"Referrer-Policy", "no-referrer"},
	{"Cache-Control", "no-store"},
}

func harden(next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		next(ctx)
		for _, kv := range hardeningHeaders {
			// SSE sets its own Cache-Control; leave handler choices alone.
			if len(ctx.Response.Header.Peek(kv[0])) == 0 {
				ctx.Response.Header.Set(kv[0], kv[1])
			}
		}
	}
}
