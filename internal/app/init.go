package app

import (
	"context"
	"fmt"
	"log/slog"

	gwcache "github.com/nulpointcorp/ai-gateway/internal/cache"
	"github.com/nulpointcorp/ai-gateway/internal/logger"
	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/proxy"
	"github.com/nulpointcorp/ai-gateway/internal/ratelimit"
)

// initInfra establishes optional external connections. Redis is only
// required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Enabled && a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initProviders builds the adapter set.
func (a *App) initProviders(ctx context.Context) error {
	a.provs = buildProviders(ctx, a.cfg)

	available := make([]string, 0, len(a.provs))
	for _, p := range a.provs {
		if p.Available() {
			available = append(available, p.Name())
		}
	}
	if len(available) == 0 {
		a.log.Warn("no provider credentials configured; requests will fail until one is added")
	}
	a.log.Info("providers loaded",
		slog.Int("configured", len(a.provs)),
		slog.Any("available", available),
	)

	return nil
}

// initServices creates the cache backend, metrics registry, rate limiter
// and async request logger.
func (a *App) initServices(ctx context.Context) error {
	if a.cfg.Cache.Enabled {
		switch a.cfg.Cache.Mode {
		case "redis":
			a.cacheImpl = gwcache.NewRedisCache(a.rdb)
			a.log.Info("cache backend: redis")
		case "memory":
			a.cacheImpl = gwcache.NewMemoryCache(a.cfg.Cache.TTL)
			a.log.Info("cache backend: memory (in-process)")
		case "none":
			a.log.Info("cache backend: disabled")
		}
	} else {
		a.log.Info("cache disabled")
	}

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	a.limiter = ratelimit.New(a.cfg.RateLimit.Enabled, a.cfg.RateLimit.RequestsPerMinute)
	if a.cfg.RateLimit.Enabled {
		a.log.Info("rate limiting enabled",
			slog.Int("requests_per_minute", a.cfg.RateLimit.RequestsPerMinute))
	}

	reqLogger, err := logger.New(ctx, a.log)
	if err != nil {
		return err
	}
	a.reqLogger = reqLogger

	return nil
}

// initGateway wires the routing pipeline together.
func (a *App) initGateway(_ context.Context) error {
	opts := proxy.GatewayOptions{
		Logger:        a.log,
		Metrics:       a.prom,
		RateLimiter:   a.limiter,
		RequestLogger: a.reqLogger,
		CacheTTL:      a.cfg.Cache.TTL,
		Routing: proxy.RoutingOptions{
			DefaultProvider: a.cfg.Routing.DefaultProvider,
			FallbackEnabled: a.cfg.Routing.FallbackEnabled,
			MaxRetries:      a.cfg.Routing.MaxRetries,
			RetryDelay:      a.cfg.Routing.RetryDelay,
		},
		CBConfig: proxy.CBConfig{
			FailureRateThreshold: a.cfg.CircuitBreaker.FailureRateThreshold,
			MinSamples:           a.cfg.CircuitBreaker.MinSamples,
			TimeWindow:           a.cfg.CircuitBreaker.TimeWindow,
			OpenTimeout:          a.cfg.CircuitBreaker.OpenTimeout,
			ProbeCount:           a.cfg.CircuitBreaker.ProbeCount,
			ProbeSuccessRatio:    a.cfg.CircuitBreaker.ProbeSuccessRatio,
		},
	}

	gw := proxy.NewGateway(a.baseCtx, a.provs, a.cacheImpl, opts)
	gw.SetCORSOrigins(a.cfg.CORSOrigins)

	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}
	a.gw = gw

	return nil
}
