package auth

import (
	"sync"
	"time"
)

// RateLimiter is a per-key token bucket. Budgets vary per role, so each
// Allow call carries the caller's per-minute budget.
type RateLimiter struct {
	mu            sync.Mutex
	buckets       map[string]*bucket
	cleanupTicker *time.Ticker
	now           func() time.Time
}

type bucket struct {
	tokens     float64
	budget     int
	lastRefill time.Time
}

func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{
		buckets:       make(map[string]*bucket),
		cleanupTicker: time.NewTicker(5 * time.Minute),
		now:           time.Now,
	}

	// Cleanup stale entries every 5 minutes
	go rl.cleanup()

	return rl
}

// Allow consumes one token for key. requestsPerMin <= 0 disables limiting
// for the key. retryAfter is the whole seconds until the next token when
// denied.
func (rl *RateLimiter) Allow(key string, requestsPerMin int) (allowed bool, retryAfter int) {
	if requestsPerMin <= 0 {
		return true, 0
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, exists := rl.buckets[key]
	if !exists || b.budget != requestsPerMin {
		rl.buckets[key] = &bucket{
			tokens:     float64(requestsPerMin) - 1,
			budget:     requestsPerMin,
			lastRefill: now,
		}
		return true, 0
	}

	// Refill based on time elapsed
	elapsed := now.Sub(b.lastRefill)
	refill := elapsed.Minutes() * float64(requestsPerMin)
	if refill > 0 {
		b.tokens = minf(float64(requestsPerMin), b.tokens+refill)
		b.lastRefill = now
	}

	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}

	perToken := time.Minute / time.Duration(requestsPerMin)
	wait := time.Duration((1 - b.tokens) * float64(perToken))
	secs := int(wait / time.Second)
	if wait%time.Second != 0 || secs == 0 {
		secs++
	}
	return false, secs
}

// cleanup removes keys idle for more than 10 minutes.
func (rl *RateLimiter) cleanup() {
	for range rl.cleanupTicker.C {
		rl.mu.Lock()
		now := rl.now()
		for key, b := range rl.buckets {
			if now.Sub(b.lastRefill) > 10*time.Minute {
				delete(rl.buckets, key)
			}
		}
		rl.mu.Unlock()
	}
}

// Stop stops the cleanup ticker.
func (rl *RateLimiter) Stop() {
	rl.cleanupTicker.Stop()
}

func minf(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
