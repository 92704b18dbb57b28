package ratelimit

import (
	"strings"
	"sync"
	"time"
)

const cleanupThreshold = 10000

// Result reports the outcome of a rate-limit check.
type Result struct {
	Allowed           bool
	RemainingRequests int
	ResetTime         time.Time
}

type entry struct {
	count     int
	resetTime time.Time
}

// SlidingWindowLimiter limits requests per identifier in a rolling window.
// State is process-local; construct one instance at startup and inject it.
type SlidingWindowLimiter struct {
	mu          sync.Mutex
	requests    map[string]entry
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

// NewSlidingWindowLimiter creates a limiter allowing maxRequests per window.
func NewSlidingWindowLimiter(maxRequests int, window time.Duration) *SlidingWindowLimiter {
	if maxRequests <= 0 {
		maxRequests = 10
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &SlidingWindowLimiter{
		requests:    make(map[string]entry),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// Allowed checks and counts a request for the identifier (email, IP, etc.).
// Denied requests are not counted against the window.
func (l *SlidingWindowLimiter) Allowed(identifier string) Result {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		identifier = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	l.cleanup(now)

	e, ok := l.requests[identifier]
	if !ok || !now.Before(e.resetTime) {
		reset := now.Add(l.window)
		l.requests[identifier] = entry{count: 1, resetTime: reset}
		return Result{Allowed: true, RemainingRequests: l.maxRequests - 1, ResetTime: reset}
	}
	if e.count >= l.maxRequests {
		return Result{Allowed: false, RemainingRequests: 0, ResetTime: e.resetTime}
	}
	e.count++
	l.requests[identifier] = e
	return Result{Allowed: true, RemainingRequests: l.maxRequests - e.count, ResetTime: e.resetTime}
}

// Status reports remaining quota without consuming a request.
func (l *SlidingWindowLimiter) Status(identifier string) Result {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	e, ok := l.requests[identifier]
	if !ok || !now.Before(e.resetTime) {
		return Result{Allowed: true, RemainingRequests: l.maxRequests, ResetTime: now.Add(l.window)}
	}
	remaining := l.maxRequests - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: remaining > 0, RemainingRequests: remaining, ResetTime: e.resetTime}
}

// Reset clears the counter for an identifier.
func (l *SlidingWindowLimiter) Reset(identifier string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.requests, identifier)
}

// cleanup sweeps expired entries once the table grows past the threshold.
// Caller holds the lock.
func (l *SlidingWindowLimiter) cleanup(now time.Time) {
	if len(l.requests) <= cleanupThreshold {
		return
	}
	for key, e := range l.requests {
		if !now.Before(e.resetTime) {
			delete(l.requests, key)
		}
	}
}
