package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// MultiLimiter manages a token bucket per key. Keys registered with AddLimiter
// keep their explicit limits; unknown keys get the default limit on first use
// when one is configured.
type MultiLimiter struct {
	limiters map[string]*rate.Limiter
	mu       sync.RWMutex

	defaultRate  rate.Limit
	defaultBurst int
}

// NewMultiLimiter creates a new multi-limiter without a default limit
func NewMultiLimiter() *MultiLimiter {
	return &MultiLimiter{
		limiters: make(map[string]*rate.Limiter),
	}
}

// NewPerKeyLimiter creates a multi-limiter that lazily creates a limiter for
// every new key with the given rate and burst.
// A non-positive requestsPerSecond disables limiting for unknown keys.
func NewPerKeyLimiter(requestsPerSecond float64, burst int) *MultiLimiter {
	m := NewMultiLimiter()
	if requestsPerSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		m.defaultRate = rate.Limit(requestsPerSecond)
		m.defaultBurst = burst
	}
	return m
}

// AddLimiter adds a new rate limiter for a key
// requestsPerSecond: the rate limit (e.g., 10 means 10 requests per second)
// burst: maximum burst size
func (m *MultiLimiter) AddLimiter(name string, requestsPerSecond float64, burst int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limiters[name] = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
}

// limiter returns the limiter for name, creating it from the default limit
// if possible. The second return value is false when no limit applies.
func (m *MultiLimiter) limiter(name string) (*rate.Limiter, bool) {
	m.mu.RLock()
	limiter, ok := m.limiters[name]
	m.mu.RUnlock()
	if ok {
		return limiter, true
	}
	if m.defaultRate == 0 {
		return nil, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if limiter, ok = m.limiters[name]; ok {
		return limiter, true
	}
	limiter = rate.NewLimiter(m.defaultRate, m.defaultBurst)
	m.limiters[name] = limiter
	return limiter, true
}

// Wait blocks until the limiter for name allows an event. Keys without a
// limit pass through immediately.
func (m *MultiLimiter) Wait(ctx context.Context, name string) error {
	limiter, ok := m.limiter(name)
	if !ok {
		return ctx.Err()
	}

	return limiter.Wait(ctx)
}

// Allow reports whether an event may happen now
func (m *MultiLimiter) Allow(name string) bool {
	limiter, ok := m.limiter(name)
	if !ok {
		return true
	}

	return limiter.Allow()
}

// Len returns the number of keys currently tracked
func (m *MultiLimiter) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.limiters)
}
