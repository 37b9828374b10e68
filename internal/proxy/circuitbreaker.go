package proxy

import (
	"sync"
	"time"
)

// cbState represents the operational state of a per-provider circuit breaker.
//
//	cbClosed   — normal operation; all requests pass through.
//	cbOpen     — provider is failing; requests are rejected immediately.
//	cbHalfOpen — recovery window; a limited number of probe calls go through.
type cbState int

const (
	cbClosed   cbState = 0
	cbOpen     cbState = 1
	cbHalfOpen cbState = 2
)

// CBConfig holds circuit breaker tuning parameters. Zero values fall back
// to the package defaults.
type CBConfig struct {
	// FailureRateThreshold opens the breaker when failures/total over the
	// current window reach this ratio. Default: 0.5.
	FailureRateThreshold float64

	// MinSamples is the minimum number of calls in the window before the
	// failure rate is evaluated. Default: 5.
	MinSamples int

	// TimeWindow is the rolling window for counting outcomes. Default: 60s.
	TimeWindow time.Duration

	// OpenTimeout is how long the breaker stays open before moving to
	// half-open. Default: 30s.
	OpenTimeout time.Duration

	// ProbeCount is how many probe calls the half-open state admits before
	// deciding. Default: 3.
	ProbeCount int

	// ProbeSuccessRatio is the fraction of probes that must succeed for the
	// breaker to close again. Default: 0.5.
	ProbeSuccessRatio float64
}

func (c *CBConfig) failureRate() float64 {
	if c.FailureRateThreshold > 0 {
		return c.FailureRateThreshold
	}
	return 0.5
}

func (c *CBConfig) minSamples() int {
	if c.MinSamples > 0 {
		return c.MinSamples
	}
	return 5
}

func (c *CBConfig) timeWindow() time.Duration {
	if c.TimeWindow > 0 {
		return c.TimeWindow
	}
	return 60 * time.Second
}

func (c *CBConfig) openTimeout() time.Duration {
	if c.OpenTimeout > 0 {
		return c.OpenTimeout
	}
	return 30 * time.Second
}

func (c *CBConfig) probeCount() int {
	if c.ProbeCount > 0 {
		return c.ProbeCount
	}
	return 3
}

func (c *CBConfig) probeSuccessRatio() float64 {
	if c.ProbeSuccessRatio > 0 {
		return c.ProbeSuccessRatio
	}
	return 0.5
}

// providerCB holds per-provider circuit breaker state.
type providerCB struct {
	mu sync.Mutex

	state       cbState
	failures    int
	successes   int
	windowStart time.Time
	openedAt    time.Time

	probesInflight int
	probesDone     int
	probeSuccesses int
}

// CircuitBreaker manages independent breakers keyed by provider name.
// Safe for concurrent use.
type CircuitBreaker struct {
	mu       sync.Mutex
	breakers map[string]*providerCB
	cfg      CBConfig
}

// NewCircuitBreaker creates a CircuitBreaker with the given thresholds.
func NewCircuitBreaker(cfg CBConfig) *CircuitBreaker {
	return &CircuitBreaker{
		breakers: make(map[string]*providerCB),
		cfg:      cfg,
	}
}

// Allow reports whether the named provider should receive the next call.
//
//   - Closed   → always true.
//   - Open     → false until OpenTimeout elapses, then half-open.
//   - HalfOpen → true while probe slots remain.
func (cb *CircuitBreaker) Allow(provider string) bool {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbClosed:
		return true

	case cbOpen:
		if time.Since(pcb.openedAt) >= cb.cfg.openTimeout() {
			pcb.state = cbHalfOpen
			pcb.probesInflight = 1
			pcb.probesDone = 0
			pcb.probeSuccesses = 0
			return true
		}
		return false

	case cbHalfOpen:
		if pcb.probesInflight+pcb.probesDone >= cb.cfg.probeCount() {
			return false
		}
		pcb.probesInflight++
		return true
	}

	return true
}

// RecordSuccess marks a successful call.
func (cb *CircuitBreaker) RecordSuccess(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbHalfOpen:
		pcb.probesDone++
		pcb.probeSuccesses++
		if pcb.probesInflight > 0 {
			pcb.probesInflight--
		}
		cb.settleProbes(pcb)

	default:
		cb.rollWindow(pcb)
		pcb.successes++
	}
}

// RecordFailure marks a failed call. In the closed state the breaker opens
// once the failure rate over the window reaches the threshold (with at
// least MinSamples observations).
func (cb *CircuitBreaker) RecordFailure(provider string) {
	pcb := cb.get(provider)

	pcb.mu.Lock()
	defer pcb.mu.Unlock()

	switch pcb.state {
	case cbHalfOpen:
		pcb.probesDone++
		if pcb.probesInflight > 0 {
			pcb.probesInflight--
		}
		cb.settleProbes(pcb)

	case cbClosed:
		cb.rollWindow(pcb)
		pcb.failures++
		total := pcb.failures + pcb.successes
		if total >= cb.cfg.minSamples() &&
			float64(pcb.failures)/float64(total) >= cb.cfg.failureRate() {
			cb.open(pcb)
		}
	}
}

// settleProbes decides the half-open outcome once every probe has reported.
func (cb *CircuitBreaker) settleProbes(pcb *providerCB) {
	if pcb.probesDone < cb.cfg.probeCount() {
		return
	}
	if float64(pcb.probeSuccesses)/float64(pcb.probesDone) >= cb.cfg.probeSuccessRatio() {
		pcb.state = cbClosed
		pcb.failures = 0
		pcb.successes = 0
		pcb.windowStart = time.Now()
	} else {
		cb.open(pcb)
	}
}

func (cb *CircuitBreaker) open(pcb *providerCB) {
	pcb.state = cbOpen
	pcb.openedAt = time.Now()
	pcb.failures = 0
	pcb.successes = 0
	pcb.probesInflight = 0
	pcb.probesDone = 0
	pcb.probeSuccesses = 0
}

// rollWindow resets the counters when the rolling window has expired.
func (cb *CircuitBreaker) rollWindow(pcb *providerCB) {
	now := time.Now()
	if pcb.windowStart.IsZero() || now.Sub(pcb.windowStart) > cb.cfg.timeWindow() {
		pcb.failures = 0
		pcb.successes = 0
		pcb.windowStart = now
	}
}

// State returns the current cbState for provider (for metrics export).
func (cb *CircuitBreaker) State(provider string) cbState {
	pcb := cb.get(provider)
	pcb.mu.Lock()
	defer pcb.mu.Unlock()
	return pcb.state
}

// StateLabel returns "closed", "open", or "half_open".
func (cb *CircuitBreaker) StateLabel(provider string) string {
	switch cb.State(provider) {
	case cbOpen:
		return "open"
	case cbHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (cb *CircuitBreaker) get(provider string) *providerCB {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	pcb, ok := cb.breakers[provider]
	if !ok {
		pcb = &providerCB{state: cbClosed, windowStart: time.Now()}
		cb.breakers[provider] = pcb
	}
	return pcb
}
