package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// TokenBucket polices one endpoint class. Refill is lazy: every access
// first credits (now - lastRefill) * rate, capped at capacity. Tokens
// never go negative and never exceed capacity.
type TokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	capacity   float64
	rate       float64 // tokens per second
	lastRefill time.Time
}

// NewTokenBucket creates a bucket holding capacity tokens, refilled at
// rate tokens per second. A new bucket starts full.
func NewTokenBucket(capacity int, rate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     float64(capacity),
		capacity:   float64(capacity),
		rate:       rate,
		lastRefill: time.Now(),
	}
}

func (b *TokenBucket) refillLocked(now time.Time) {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.rate)
	b.lastRefill = now
}

// TryConsume takes n tokens if available and reports whether it did.
func (b *TokenBucket) TryConsume(n int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	if b.tokens < float64(n) {
		return false
	}
	b.tokens -= float64(n)
	return true
}

// Return refunds n tokens from a consumption whose work never ran.
func (b *TokenBucket) Return(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	b.tokens = math.Min(b.capacity, b.tokens+float64(n))
}

// Available returns the current token count after refill.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	return b.tokens
}

// WaitHint returns how long until n tokens could be available, zero if
// they already are.
func (b *TokenBucket) WaitHint(n int) time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refillLocked(time.Now())
	missing := float64(n) - b.tokens
	if missing <= 0 {
		return 0
	}
	if b.rate <= 0 {
		return time.Hour
	}
	return time.Duration(math.Ceil(missing / b.rate * float64(time.Second)))
}

// WaitForTokens blocks until n tokens have been consumed or the context
// is done. Each round suspends for the refill time of the missing
// tokens; it never busy-spins.
func (b *TokenBucket) WaitForTokens(ctx context.Context, n int) error {
	for {
		if b.TryConsume(n) {
			return nil
		}
		wait := b.WaitHint(n)
		if wait < time.Millisecond {
			wait = time.Millisecond
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}
