package ratelimit

import (
	"sync"
	"time"
)

// bucket counts events inside one fixed window per connection.
type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter caps inbound events per connection using a fixed window: the
// first event after a window lapses starts a fresh one. This admits up to
// 2x max across a window boundary, which is fine for abuse throttling and
// keeps the per-connection state at two words instead of a timestamp list.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]bucket
	max     int
	window  time.Duration
}

// NewLimiter creates a Limiter allowing max events per window.
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		buckets: make(map[string]bucket),
		max:     max,
		window:  window,
	}
}

// Allow reports whether the connection still has budget in the current
// window, counting the event against it when it does.
func (l *Limiter) Allow(connID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b := l.buckets[connID]
	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= l.window {
		b = bucket{windowStart: now}
	}
	if b.count >= l.max {
		l.buckets[connID] = b
		return false
	}
	b.count++
	l.buckets[connID] = b
	return true
}

// Forget drops the connection's bucket. Call on disconnect so the map does
// not grow with dead connection ids.
func (l *Limiter) Forget(connID string) {
	l.mu.Lock()
	delete(l.buckets, connID)
	l.mu.Unlock()
}
