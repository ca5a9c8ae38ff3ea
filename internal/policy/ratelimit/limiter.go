// Package ratelimit implements a token bucket limiter keyed by
// (run, client) pair, protecting the run store from polling stampedes.
package ratelimit

import (
	"sync"

	"golang.org/x/time/rate"
)

// Limiter manages per-key token buckets. Counters are ephemeral: when the
// key map grows past MaxKeys it is dropped wholesale, which at worst admits
// one extra burst per client after the reset.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	perKey   rate.Limit
	burst    int
	maxKeys  int
}

// Config holds rate limiter configuration.
type Config struct {
	RequestsPerWindow int
	WindowSeconds     int
	Burst             int
	MaxKeys           int
}

// New creates a new Limiter.
func New(cfg Config) *Limiter {
	limit := rate.Inf
	if cfg.RequestsPerWindow > 0 && cfg.WindowSeconds > 0 {
		limit = rate.Limit(float64(cfg.RequestsPerWindow) / float64(cfg.WindowSeconds))
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	maxKeys := cfg.MaxKeys
	if maxKeys <= 0 {
		maxKeys = 10000
	}
	return &Limiter{
		limiters: make(map[string]*rate.Limiter),
		perKey:   limit,
		burst:    burst,
		maxKeys:  maxKeys,
	}
}

// Allow reports whether one request for the key fits the quota right now.
// It never blocks; rejected callers are expected to retry on their own
// schedule.
func (l *Limiter) Allow(runID, clientID string) bool {
	key := runID + "|" + clientID

	l.mu.Lock()
	limiter, exists := l.limiters[key]
	if !exists {
		if len(l.limiters) >= l.maxKeys {
			l.limiters = make(map[string]*rate.Limiter)
		}
		limiter = rate.NewLimiter(l.perKey, l.burst)
		l.limiters[key] = limiter
	}
	l.mu.Unlock()

	return limiter.Allow()
}
