// Package ratelimit implements admission control for the pipeline: a
// token bucket primitive and a module-aware rate limiter with adaptive
// global throttling and a priority holding queue for deferred
// high-severity records.
package ratelimit

import (
	"math"
	"time"
)

// WaitForever marks a denial that no amount of waiting will clear
// (the bucket never refills).
const WaitForever int64 = -1

// Decision is the outcome of a single TryConsume call. Denial is a
// first-class value, never an error.
type Decision struct {
	Admitted        bool    `json:"admitted"`
	TokensRemaining float64 `json:"tokens_remaining"`
	WaitMillis      int64   `json:"wait_millis"`
}

// TokenBucket is a refilling token bucket. It is not safe for
// concurrent use; the owning RateLimiter serializes access.
//
// Refills use the monotonic clock reading carried by time.Time, so
// wall-clock jumps cannot drain or overfill the bucket.
type TokenBucket struct {
	capacity   float64
	refillRate float64 // tokens per second
	tokens     float64
	lastRefill time.Time
}

// NewTokenBucket creates a bucket filled to capacity.
func NewTokenBucket(capacity, refillRate float64) *TokenBucket {
	if capacity < 0 {
		capacity = 0
	}
	if refillRate < 0 {
		refillRate = 0
	}
	return &TokenBucket{
		capacity:   capacity,
		refillRate: refillRate,
		tokens:     capacity,
		lastRefill: time.Now(),
	}
}

// TryConsume refills the bucket and then attempts to take n tokens.
// TryConsume(0) only refills; it never decreases the token count.
func (b *TokenBucket) TryConsume(n float64) Decision {
	b.refill(time.Now())

	if b.tokens >= n && n >= 0 {
		b.tokens -= n
		return Decision{Admitted: true, TokensRemaining: b.tokens}
	}

	wait := WaitForever
	if b.refillRate > 0 {
		wait = int64(math.Ceil((n - b.tokens) / b.refillRate * 1000))
	}
	return Decision{Admitted: false, TokensRemaining: b.tokens, WaitMillis: wait}
}

// SetRefillRate changes the refill rate, settling accrued tokens at the
// old rate first.
func (b *TokenBucket) SetRefillRate(rate float64) {
	b.refill(time.Now())
	if rate < 0 {
		rate = 0
	}
	b.refillRate = rate
}

// SetCapacity changes the capacity, settling accrued tokens first and
// clamping the token count to the new ceiling.
func (b *TokenBucket) SetCapacity(capacity float64) {
	b.refill(time.Now())
	if capacity < 0 {
		capacity = 0
	}
	b.capacity = capacity
	if b.tokens > capacity {
		b.tokens = capacity
	}
}

// RefillRate returns the current refill rate in tokens per second.
func (b *TokenBucket) RefillRate() float64 {
	return b.refillRate
}

// Tokens refills and returns the current token count.
func (b *TokenBucket) Tokens() float64 {
	b.refill(time.Now())
	return b.tokens
}

func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	}
	b.lastRefill = now
}
