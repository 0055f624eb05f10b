package reliability

import (
	"strings"
	"sync"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsRetryableProviderCode classifies error codes reported inside provider
// realtime messages.
func IsRetryableProviderCode(code string) bool {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "rate_limited", "resource_exhausted", "queue_overflow", "timeout",
		"too_many_concurrent_requests", "server_error":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Gate spaces out reconnect attempts after consecutive failures.
type Gate struct {
	mu       sync.Mutex
	base     time.Duration
	max      time.Duration
	failures int
	next     time.Time
	now      func() time.Time
}

func NewGate(base, max time.Duration) *Gate {
	return &Gate{base: base, max: max, now: time.Now}
}

// Allow reports whether an attempt may run now. When it may not, the
// remaining wait is returned.
func (g *Gate) Allow() (bool, time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	if g.failures == 0 || !now.Before(g.next) {
		return true, 0
	}
	return false, g.next.Sub(now)
}

// Failure records a failed attempt and pushes the next allowed attempt out.
func (g *Gate) Failure() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.next = g.now().Add(ExponentialBackoff(g.failures, g.base, g.max))
	g.failures++
}

// Success clears the failure streak.
func (g *Gate) Success() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failures = 0
	g.next = time.Time{}
}

// Failures returns the current streak length.
func (g *Gate) Failures() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.failures
}
