package proxy

import (
	"encoding/json"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

// ManagementRoutes holds optional management handlers registered alongside
// the proxy routes.
type ManagementRoutes struct {
	Metrics fasthttp.RequestHandler
}

// Start starts the HTTP server on addr (e.g. ":8080") in proxy-only mode.
func (g *Gateway) Start(addr string) error {
	return g.StartWithRoutes(addr, nil)
}

// StartWithRoutes starts the HTTP server with optional management routes.
func (g *Gateway) StartWithRoutes(addr string, mgmt *ManagementRoutes) error {
	srv := &fasthttp.Server{
		Handler:      g.buildHandler(mgmt),
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
	}

	return srv.ListenAndServe(addr)
}

// buildHandler assembles the route table and middleware chain.
func (g *Gateway) buildHandler(mgmt *ManagementRoutes) fasthttp.RequestHandler {
	r := router.New()

	r.POST("/v1/chat/completions", g.dispatchChat)
	r.POST("/v1/chat/completions/stream", g.dispatchChatStream)
	r.POST("/v1/completions", g.dispatchChat)
	r.POST("/v1/embeddings", g.dispatchEmbeddings)
	r.GET("/v1/models", g.handleModels)
	r.GET("/health", g.handleHealth)
	r.GET("/health/detailed", g.handleHealthDetailed)
	r.DELETE("/admin/cache", g.handleCacheInvalidate)
	r.GET("/admin/ratelimit/{identifier}", g.handleRateLimitInfo)
	r.DELETE("/admin/ratelimit/{identifier}", g.handleRateLimitReset)

	if mgmt != nil && mgmt.Metrics != nil {
		r.GET("/metrics", mgmt.Metrics)
	}

	return chain(r.Handler,
		g.recovery,
		requestID,
		g.accessLog,
		cors(g.corsOrigins),
		harden,
	)
}

// handleHealth is the liveness probe.
func (g *Gateway) handleHealth(ctx *fasthttp.RequestCtx) {
	writeJSON(ctx, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   serviceName,
	})
}

// handleHealthDetailed adds per-provider status from the background prober.
func (g *Gateway) handleHealthDetailed(ctx *fasthttp.RequestCtx) {
	body := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"service":   serviceName,
	}
	if g.health != nil {
		body["providers"] = g.health.Snapshot()
		body["uptime_seconds"] = int64(g.health.Uptime().Seconds())
	}
	writeJSON(ctx, body)
}

// handleModels lists the models advertised by currently-available adapters.
func (g *Gateway) handleModels(ctx *fasthttp.RequestCtx) {
	type modelEntry struct {
		ID       string `json:"id"`
		Provider string `json:"provider"`
	}

	models := make([]modelEntry, 0, 16)
	for _, p := range g.providers {
		if !p.Available() {
			continue
		}
		adv, ok := p.(providers.ModelAdvertiser)
		if !ok {
			continue
		}
		for _, id := range adv.AdvertisedModels() {
			models = append(models, modelEntry{ID: id, Provider: p.Name()})
		}
	}

	writeJSON(ctx, map[string]any{
		"object": "list",
		"data":   models,
	})
}

// handleCacheInvalidate bulk-deletes cache entries matching ?pattern=
// (default "*").
func (g *Gateway) handleCacheInvalidate(ctx *fasthttp.RequestCtx) {
	if g.cache == nil {
		writeJSON(ctx, map[string]any{"status": "success", "cleared": 0})
		return
	}

	pattern := string(ctx.QueryArgs().Peek("pattern"))
	if pattern == "" {
		pattern = "*"
	}

	cleared, err := g.cache.DeletePattern(ctx, pattern)
	if err != nil {
		writeJSONStatus(ctx, fasthttp.StatusInternalServerError, map[string]any{
			"status": "error",
			"error":  err.Error(),
		})
		return
	}

	writeJSON(ctx, map[string]any{"status": "success", "cleared": cleared})
}

func (g *Gateway) handleRateLimitInfo(ctx *fasthttp.RequestCtx) {
	identifier, _ := ctx.UserValue("identifier").(string)
	if g.limiter == nil {
		writeJSONStatus(ctx, fasthttp.StatusNotFound, map[string]any{
			"error": "rate limiting is disabled",
		})
		return
	}

	info := g.limiter.Info(identifier)
	writeJSON(ctx, map[string]any{
		"identifier":   identifier,
		"limit":        info.Limit,
		"remaining":    info.Remaining,
		"resetSeconds": info.ResetSeconds,
	})
}

func (g *Gateway) handleRateLimitReset(ctx *fasthttp.RequestCtx) {
	identifier, _ := ctx.UserValue("identifier").(string)
	if g.limiter != nil {
		g.limiter.Reset(identifier)
	}
	writeJSON(ctx, map[string]any{
		"status":     "success",
		"identifier": identifier,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}

func writeJSONStatus(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	writeJSON(ctx, v)
}
