// Package ratelimit implements a per-client token bucket rate limiter for
// the HTTP API. Tokens are refilled lazily on each Allow call.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrRateLimited is returned when a client has exhausted its token bucket.
var ErrRateLimited = errors.New("rate limit exceeded")

// Config configures the token bucket rate limiter.
type Config struct {
	RequestsPerMinute int // Tokens added per minute. 0 = unlimited.
	BurstSize         int // Maximum tokens in a bucket. 0 = RequestsPerMinute.
}

// Limiter keeps one bucket per client key (an API key or a remote address).
type Limiter struct {
	mu      sync.Mutex
	clients map[string]*bucket
	rate    float64 // tokens per second
	burst   float64
	now     func() time.Time
}

type bucket struct {
	tokens   float64
	lastFill time.Time
}

// NewLimiter creates a rate limiter. With RequestsPerMinute 0 every request
// is allowed.
func NewLimiter(cfg Config) *Limiter {
	burst := cfg.BurstSize
	if burst <= 0 {
		burst = cfg.RequestsPerMinute
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		clients: make(map[string]*bucket),
		rate:    float64(cfg.RequestsPerMinute) / 60.0,
		burst:   float64(burst),
		now:     time.Now,
	}
}

// Enabled reports whether the limiter ever rejects a request.
func (l *Limiter) Enabled() bool {
	return l != nil && l.rate > 0
}

// Allow consumes one token from client's bucket, or returns ErrRateLimited
// when the bucket is empty. A new client starts with a full bucket.
func (l *Limiter) Allow(client string) error {
	if !l.Enabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.clients[client]
	if !ok {
		b = &bucket{tokens: l.burst, lastFill: now}
		l.clients[client] = b
	}

	b.tokens += now.Sub(b.lastFill).Seconds() * l.rate
	if b.tokens > l.burst {
		b.tokens = l.burst
	}
	b.lastFill = now

	if b.tokens < 1 {
		return ErrRateLimited
	}
	b.tokens--
	return nil
}

// Prune forgets clients whose buckets have been full for at least idle.
// Their next request starts with a full bucket anyway.
func (l *Limiter) Prune(idle time.Duration) int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	refill := time.Duration(l.burst / l.rate * float64(time.Second))
	removed := 0
	for client, b := range l.clients {
		if now.Sub(b.lastFill) >= refill+idle {
			delete(l.clients, client)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked clients.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}
