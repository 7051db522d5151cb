package auth

import (
	"sync"
	"time"

	"gaslend/loan"
)

// RateLimitConfig tunes the per-agent fixed-window gate.
type RateLimitConfig struct {
	// Ceiling is the number of requests admitted per window.
	Ceiling int
	// Window is the fixed window duration.
	Window time.Duration
	// Retention evicts entries idle longer than this before each lookup.
	Retention time.Duration
}

type rateWindow struct {
	windowStart time.Time
	count       int
	lastSeen    time.Time
}

// RateLimiter is a process-local fixed-window request gate keyed by agent
// identity. Fixed windows admit boundary bursts up to twice the ceiling;
// that is acceptable for abuse mitigation, which is all this gate is for.
type RateLimiter struct {
	ceiling   int
	window    time.Duration
	retention time.Duration

	mu      sync.Mutex
	windows map[string]*rateWindow
}

// NewRateLimiter applies defaults of 600 requests per 60s window with a
// 10 minute retention.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	if cfg.Ceiling <= 0 {
		cfg.Ceiling = 600
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 10 * time.Minute
	}
	return &RateLimiter{
		ceiling:   cfg.Ceiling,
		window:    cfg.Window,
		retention: cfg.Retention,
		windows:   make(map[string]*rateWindow),
	}
}

// Check admits or rejects one request for the identity at the given time.
// Rejections carry a retry-after hint covering the rest of the window.
func (r *RateLimiter) Check(identity string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.pruneLocked(now)

	entry, ok := r.windows[identity]
	if !ok || !now.Before(entry.windowStart.Add(r.window)) {
		r.windows[identity] = &rateWindow{windowStart: now, count: 1, lastSeen: now}
		return nil
	}
	entry.lastSeen = now
	entry.count++
	if entry.count > r.ceiling {
		retry := entry.windowStart.Add(r.window).Sub(now)
		return &loan.RateLimitedError{RetryAfter: retry}
	}
	return nil
}

func (r *RateLimiter) pruneLocked(now time.Time) {
	cutoff := now.Add(-r.retention)
	for id, entry := range r.windows {
		if entry.lastSeen.Before(cutoff) {
			delete(r.windows, id)
		}
	}
}
