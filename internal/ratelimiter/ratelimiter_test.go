package ratelimiter

import (
	"testing"
	"time"
)

func TestAllowWithinBurst(t *testing.T) {
	limiter := New(1, 3)

	for i := 0; i < 3; i++ {
		if !limiter.Allow("owner-a") {
			t.Fatalf("request %d should be allowed within burst", i)
		}
	}

	if limiter.Allow("owner-a") {
		t.Fatal("request beyond burst should be rejected")
	}
}

func TestKeysAreIndependent(t *testing.T) {
	limiter := New(1, 1)

	if !limiter.Allow("owner-a") {
		t.Fatal("first request for owner-a should be allowed")
	}
	if limiter.Allow("owner-a") {
		t.Fatal("second request for owner-a should be rejected")
	}

	// A different key has its own bucket.
	if !limiter.Allow("owner-b") {
		t.Fatal("first request for owner-b should be allowed")
	}
}

func TestZeroRateIsUnlimited(t *testing.T) {
	limiter := New(0, 0)

	for i := 0; i < 1000; i++ {
		if !limiter.Allow("owner-a") {
			t.Fatalf("request %d should be allowed with unlimited rate", i)
		}
	}
}

func TestTokensReplenish(t *testing.T) {
	limiter := New(100, 1)

	if !limiter.Allow("owner-a") {
		t.Fatal("first request should be allowed")
	}
	if limiter.Allow("owner-a") {
		t.Fatal("bucket should be empty")
	}

	// At 100 req/s a token is back within 10ms.
	time.Sleep(20 * time.Millisecond)

	if !limiter.Allow("owner-a") {
		t.Fatal("token should have replenished")
	}
}

func TestIdleBucketsEvicted(t *testing.T) {
	limiter := New(1, 1)
	limiter.idleTTL = 10 * time.Millisecond

	now := time.Now()
	limiter.clock = func() time.Time { return now }

	limiter.Allow("owner-a")
	limiter.Allow("owner-b")

	if got := limiter.Len(); got != 2 {
		t.Fatalf("expected 2 buckets, got %d", got)
	}

	// Advance past the TTL; the next Allow sweeps.
	now = now.Add(time.Second)
	limiter.Allow("owner-c")

	if got := limiter.Len(); got != 1 {
		t.Fatalf("expected idle buckets swept, got %d", got)
	}
}
