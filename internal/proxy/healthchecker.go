package proxy

import (
	"context"
	"sync"
	"time"

	"github.com/nulpointcorp/ai-gateway/internal/metrics"
	"github.com/nulpointcorp/ai-gateway/internal/providers"
)

const (
	healthProbeInterval = 30 * time.Second
	healthProbeTimeout  = 10 * time.Second
)

// ProviderStatus is the per-provider entry in GET /health/detailed.
type ProviderStatus struct {
	Configured bool `json:"configured"`
	Healthy    bool `json:"healthy"`
	Priority   int  `json:"priority"`
}

// providerHealth holds the last probe result for one adapter.
type providerHealth struct {
	mu      sync.RWMutex
	healthy bool
}

func (h *providerHealth) set(v bool) {
	h.mu.Lock()
	h.healthy = v
	h.mu.Unlock()
}

func (h *providerHealth) get() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.healthy
}

// HealthChecker probes every adapter in the background so the health
// endpoints never block on upstream round-trips.
type HealthChecker struct {
	providers []providers.Provider
	statuses  map[string]*providerHealth
	baseCtx   context.Context
	metrics   *metrics.Registry

	startTime time.Time
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewHealthChecker creates a HealthChecker and immediately runs the first
// probe so the endpoints never report an unknown state.
func NewHealthChecker(ctx context.Context, provs []providers.Provider, met *metrics.Registry) *HealthChecker {
	if ctx == nil {
		panic("healthchecker: context must not be nil")
	}
	hc := &HealthChecker{
		providers: provs,
		statuses:  make(map[string]*providerHealth, len(provs)),
		baseCtx:   ctx,
		metrics:   met,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}

	for _, p := range provs {
		hc.statuses[p.Name()] = &providerHealth{}
	}

	hc.probe()

	hc.wg.Add(1)
	go hc.run()

	return hc
}

// Snapshot returns the latest probe results keyed by provider name.
func (hc *HealthChecker) Snapshot() map[string]ProviderStatus {
	out := make(map[string]ProviderStatus, len(hc.providers))
	for _, p := range hc.providers {
		out[p.Name()] = ProviderStatus{
			Configured: p.Available(),
			Healthy:    hc.statuses[p.Name()].get(),
			Priority:   p.Priority(),
		}
	}
	return out
}

// Uptime reports how long the checker (and therefore the gateway) has run.
func (hc *HealthChecker) Uptime() time.Duration {
	return time.Since(hc.startTime)
}

// Close stops the background probe goroutine.
func (hc *HealthChecker) Close() {
	hc.closeOnce.Do(func() { close(hc.done) })
	hc.wg.Wait()
}

func (hc *HealthChecker) run() {
	defer hc.wg.Done()
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			hc.probe()
		case <-hc.baseCtx.Done():
			return
		case <-hc.done:
			return
		}
	}
}

func (hc *HealthChecker) probe() {
	ctx, cancel := context.WithTimeout(hc.baseCtx, healthProbeTimeout)
	defer cancel()

	var wg sync.WaitGroup
	for _, prov := range hc.providers {
		prov := prov
		s := hc.statuses[prov.Name()]
		wg.Add(1)
		go func() {
			defer wg.Done()
			healthy := prov.HealthCheck(ctx)
			s.set(healthy)
			if hc.metrics != nil {
				hc.metrics.SetProviderHealth(prov.Name(), healthy)
			}
		}()
	}
	wg.Wait()
}
