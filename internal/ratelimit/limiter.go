// Package ratelimit implements per-caller request rate limiting with
// in-process token buckets.
//
// Each identifier gets its own bucket of requestsPerMinute tokens refilled
// greedily over one minute (one token every 60/N seconds, accumulating up
// to capacity). Buckets are created on first sight and live until an
// explicit admin reset.
package ratelimit

import (
	"math"
	"sync"

	"golang.org/x/time/rate"
)

// Info is the bucket snapshot stamped into rate-limit response headers.
type Info struct {
	Limit        int `json:"limit"`
	Remaining    int `json:"remaining"`
	ResetSeconds int `json:"resetSeconds"`
}

// Limiter manages one token bucket per identifier. Safe for concurrent use.
type Limiter struct {
	mu      sync.RWMutex
	buckets map[string]*rate.Limiter

	enabled bool
	limit   int
	refill  rate.Limit
}

// New creates a Limiter with the given per-minute capacity. A disabled
// limiter allows every request.
func New(enabled bool, requestsPerMinute int) *Limiter {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &Limiter{
		buckets: make(map[string]*rate.Limiter),
		enabled: enabled,
		limit:   requestsPerMinute,
		refill:  rate.Limit(float64(requestsPerMinute) / 60.0),
	}
}

// Consume takes one token from the identifier's bucket. The returned Info
// is read from the bucket right after the decrement. The decrement and the
// read are separate bucket calls, so a concurrent Consume on the same
// identifier that lands between them is already reflected in Remaining.
func (l *Limiter) Consume(identifier string) (bool, Info) {
	if !l.enabled {
		return true, unboundedInfo()
	}

	b := l.bucket(identifier)
	allowed := b.Allow()
	return allowed, l.snapshot(b)
}

// Info returns the current snapshot without consuming a token. Unknown
// identifiers report a full bucket.
func (l *Limiter) Info(identifier string) Info {
	if !l.enabled {
		return unboundedInfo()
	}

	l.mu.RLock()
	b, ok := l.buckets[identifier]
	l.mu.RUnlock()
	if !ok {
		return Info{Limit: l.limit, Remaining: l.limit, ResetSeconds: 0}
	}
	return l.snapshot(b)
}

// Reset drops the identifier's bucket; the next request starts a fresh one
// at full capacity.
func (l *Limiter) Reset(identifier string) {
	l.mu.Lock()
	delete(l.buckets, identifier)
	l.mu.Unlock()
}

// Limit returns the configured per-minute capacity.
func (l *Limiter) Limit() int { return l.limit }

// Enabled reports whether limiting is active.
func (l *Limiter) Enabled() bool { return l.enabled }

func (l *Limiter) bucket(identifier string) *rate.Limiter {
	if identifier == "" {
		identifier = "anonymous"
	}

	l.mu.RLock()
	b, ok := l.buckets[identifier]
	l.mu.RUnlock()
	if ok {
		return b
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[identifier]; ok {
		return b
	}
	b = rate.NewLimiter(l.refill, l.limit)
	l.buckets[identifier] = b
	return b
}

func (l *Limiter) snapshot(b *rate.Limiter) Info {
	tokens := b.Tokens()
	if tokens < 0 {
		tokens = 0
	}
	remaining := int(math.Floor(tokens))
	if remaining > l.limit {
		remaining = l.limit
	}

	// Seconds until the bucket is back to capacity at the refill rate.
	reset := 0
	if remaining < l.limit {
		reset = int(math.Ceil(float64(l.limit-remaining) / float64(l.refill)))
	}

	return Info{Limit: l.limit, Remaining: remaining, ResetSeconds: reset}
}

func unboundedInfo() Info {
	return Info{Limit: math.MaxInt32, Remaining: math.MaxInt32, ResetSeconds: 0}
}
