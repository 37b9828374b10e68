// Package metrics provides the Prometheus registry for the gateway.
//
// All metrics live in a private registry (not the global default) so they
// never collide with host metrics when the gateway is embedded. The
// /metrics handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec
	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_provider_requests_total{provider,status}
	providerRequests *prometheus.CounterVec
	// gateway_routing_retries_total{provider}
	retries *prometheus.CounterVec
	// gateway_routing_fallbacks_total{from,to}
	fallbacks *prometheus.CounterVec
	// gateway_circuit_breaker_rejections_total{provider,state}
	cbRejections *prometheus.CounterVec

	// gateway_cache_events_total{event}
	cacheEvents *prometheus.CounterVec
	// gateway_ratelimit_decisions_total{decision}
	rateLimit *prometheus.CounterVec

	// gateway_provider_healthy{provider}
	providerHealth *prometheus.GaugeVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec
}

// New creates a Registry with every metric registered.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		reg: reg,

		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "status"}),

		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "gateway_http_request_duration_seconds",
			Help:    "End-to-end request duration by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		providerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_provider_requests_total",
			Help: "Upstream attempts by provider and outcome.",
		}, []string{"provider", "status"}),

		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_routing_retries_total",
			Help: "Retry attempts by provider.",
		}, []string{"provider"}),

		fallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_routing_fallbacks_total",
			Help: "Successful fallback hops by source and target provider.",
		}, []string{"from", "to"}),

		cbRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_circuit_breaker_rejections_total",
			Help: "Calls short-circuited by an open or saturated breaker.",
		}, []string{"provider", "state"}),

		cacheEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_cache_events_total",
			Help: "Cache hits, misses and stores.",
		}, []string{"event"}),

		rateLimit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_ratelimit_decisions_total",
			Help: "Rate limiter decisions.",
		}, []string{"decision"}),

		providerHealth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_provider_healthy",
			Help: "Last health probe result by provider (1 healthy, 0 not).",
		}, []string{"provider"}),

		buildInfo: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "gateway_build_info",
			Help: "Build metadata.",
		}, []string{"version"}),
	}

	reg.MustRegister(
		r.httpRequestsTotal,
		r.httpDuration,
		r.providerRequests,
		r.retries,
		r.fallbacks,
		r.cbRejections,
		r.cacheEvents,
		r.rateLimit,
		r.providerHealth,
		r.buildInfo,
	)

	return r
}

// Handler returns the fasthttp /metrics handler.
func (r *Registry) Handler() fasthttp.RequestHandler {
	h := promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
	return fasthttpadaptor.NewFastHTTPHandler(h)
}

// SetBuildInfo publishes the running version.
func (r *Registry) SetBuildInfo(version string) {
	r.buildInfo.WithLabelValues(version).Set(1)
}

// ObserveHTTP records one served request.
func (r *Registry) ObserveHTTP(route string, status int, dur time.Duration) {
	r.httpRequestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// RecordProviderRequest counts one upstream attempt outcome.
func (r *Registry) RecordProviderRequest(provider, status string) {
	r.providerRequests.WithLabelValues(provider, status).Inc()
}

// RecordRetry counts one retry against a provider.
func (r *Registry) RecordRetry(provider string) {
	r.retries.WithLabelValues(provider).Inc()
}

// RecordFailover counts one successful fallback hop.
func (r *Registry) RecordFailover(from, to string) {
	r.fallbacks.WithLabelValues(from, to).Inc()
}

// RecordCircuitBreakerRejection counts one short-circuited call.
func (r *Registry) RecordCircuitBreakerRejection(provider, state string) {
	r.cbRejections.WithLabelValues(provider, state).Inc()
}

// CacheHit / CacheMiss / CacheStore count cache events.
func (r *Registry) CacheHit()   { r.cacheEvents.WithLabelValues("hit").Inc() }
func (r *Registry) CacheMiss()  { r.cacheEvents.WithLabelValues("miss").Inc() }
func (r *Registry) CacheStore() { r.cacheEvents.WithLabelValues("store").Inc() }

// RecordRateLimit counts a limiter decision ("allowed" or "blocked").
func (r *Registry) RecordRateLimit(decision string) {
	r.rateLimit.WithLabelValues(decision).Inc()
}

// SetProviderHealth publishes a probe result.
func (r *Registry) SetProviderHealth(provider string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	r.providerHealth.WithLabelValues(provider).Set(v)
}
