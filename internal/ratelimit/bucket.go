package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket defaults for per-model request admission.
const (
	DefaultBurst      = 10.0
	DefaultRefillRate = 5.0 // tokens per second
)

// TokenBucket is a classic token bucket: capacity caps the burst, the refill
// rate sets the sustained throughput.
type TokenBucket struct {
	tokens     float64
	maxTokens  float64
	refillRate float64
	lastRefill time.Time
	mu         sync.Mutex
}

// NewTokenBucket creates a full bucket.
func NewTokenBucket(maxTokens, refillRate float64) *TokenBucket {
	return &TokenBucket{
		tokens:     maxTokens,
		maxTokens:  maxTokens,
		refillRate: refillRate,
		lastRefill: time.Now(),
	}
}

// refill credits tokens for elapsed time. Caller holds the lock.
func (b *TokenBucket) refill() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

// TryConsume takes tokens if available, without blocking.
func (b *TokenBucket) TryConsume(tokens float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= tokens {
		b.tokens -= tokens
		return true
	}
	return false
}

// Consume blocks until the tokens are available or ctx is done.
func (b *TokenBucket) Consume(ctx context.Context, tokens float64) error {
	for {
		b.mu.Lock()
		b.refill()
		if b.tokens >= tokens {
			b.tokens -= tokens
			b.mu.Unlock()
			return nil
		}
		deficit := tokens - b.tokens
		wait := time.Duration(deficit / b.refillRate * float64(time.Second))
		b.mu.Unlock()

		if wait < 10*time.Millisecond {
			wait = 10 * time.Millisecond
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

// Return credits tokens back, e.g. when a request was admitted but failed
// before reaching the provider.
func (b *TokenBucket) Return(tokens float64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens += tokens
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
}

// Available returns the current token count.
func (b *TokenBucket) Available() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	return b.tokens
}

// Reset refills the bucket to capacity.
func (b *TokenBucket) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.tokens = b.maxTokens
	b.lastRefill = time.Now()
}
