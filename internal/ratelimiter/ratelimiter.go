// Package ratelimiter provides per-key request rate limiting using the
// token bucket algorithm.
package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// KeyedLimiter rate-limits requests per key (one token bucket per owner).
//
// This implementation wraps golang.org/x/time/rate to provide:
//   - Token bucket limiting per key (allows bursts while enforcing a
//     sustained rate)
//   - Lazy bucket creation and idle-bucket eviction so the key space can
//     grow without leaking memory
//   - Zero-allocation fast path once a bucket exists
//
// The token bucket algorithm works as follows:
//  1. Tokens are added to each bucket at a constant rate
//  2. Each request consumes one token from its key's bucket
//  3. If the bucket is empty the request is rejected
//  4. Burst capacity allows temporary spikes above the sustained rate
//
// Thread safety:
// All methods are safe for concurrent use.
type KeyedLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	limit rate.Limit
	burst int

	// idleTTL is how long an untouched bucket survives before the next
	// sweep removes it.
	idleTTL time.Duration

	// lastSweep tracks when idle buckets were last evicted; sweeps
	// piggyback on Allow calls instead of running a goroutine.
	lastSweep time.Time

	clock func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a KeyedLimiter with the specified sustained rate and burst
// capacity per key.
//
// Parameters:
//   - requestsPerSecond: Maximum sustained rate per key
//   - burst: Maximum burst size per key (bucket capacity in tokens)
//
// Special cases:
//   - requestsPerSecond = 0: No rate limiting (every request allowed)
//
// Example:
//
//	// Allow 5 req/s sustained, 10 burst, per owner
//	limiter := New(5, 10)
func New(requestsPerSecond float64, burst int) *KeyedLimiter {
	limit := rate.Limit(requestsPerSecond)
	if requestsPerSecond == 0 {
		limit = rate.Inf
		burst = 1
	}
	if burst < 1 {
		burst = 1
	}

	return &KeyedLimiter{
		buckets: make(map[string]*bucket),
		limit:   limit,
		burst:   burst,
		idleTTL: 10 * time.Minute,
		clock:   time.Now,
	}
}

// Allow checks if a request for key is allowed under its rate limit.
//
// This is the fast path: it returns immediately without waiting.
//
// Returns:
//   - true if the request is allowed (token consumed)
//   - false if the request should be rejected (bucket empty)
func (l *KeyedLimiter) Allow(key string) bool {
	l.mu.Lock()

	now := l.clock()
	l.sweepLocked(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	limiter := b.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

// Len returns the number of live buckets. Primarily for monitoring and
// tests.
func (l *KeyedLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.buckets)
}

// sweepLocked drops buckets idle past the TTL. Runs at most once per TTL
// interval; callers hold l.mu.
func (l *KeyedLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.idleTTL {
		return
	}
	l.lastSweep = now

	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idleTTL {
			delete(l.buckets, key)
		}
	}
}
