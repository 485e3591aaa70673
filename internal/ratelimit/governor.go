package ratelimit

import (
	"context"
	"sync"
	"time"

	"rove/internal/logging"
)

// Window defaults: at most 60 requests in any rolling minute per key.
const (
	DefaultWindowEvents = 60
	DefaultWindowSpan   = time.Minute
)

// Escalation bounds for repeated 429 responses.
const (
	escalationBase = time.Second
	escalationCap  = 5 * time.Minute
)

// Governor admits provider requests per key (provider:model). Each key owns
// a token bucket, a sliding window, a single-slot concurrency gate with FIFO
// waiters, and a cooldown fed by 429 responses.
type Governor struct {
	burst        float64
	rate         float64
	windowEvents int
	windowSpan   time.Duration

	mu   sync.Mutex
	keys map[string]*keyState
}

type keyState struct {
	bucket *TokenBucket
	window *SlidingWindow
	gate   chan struct{}

	mu            sync.Mutex
	cooldownUntil time.Time
	streak        int // consecutive 429s
}

// NewGovernor creates a governor with the default per-key limits.
func NewGovernor() *Governor {
	return NewGovernorWith(DefaultBurst, DefaultRefillRate, DefaultWindowEvents)
}

// NewGovernorWith creates a governor with explicit per-key limits.
// Non-positive values fall back to the defaults.
func NewGovernorWith(burst, rate float64, windowEvents int) *Governor {
	if burst <= 0 {
		burst = DefaultBurst
	}
	if rate <= 0 {
		rate = DefaultRefillRate
	}
	if windowEvents <= 0 {
		windowEvents = DefaultWindowEvents
	}
	return &Governor{
		burst:        burst,
		rate:         rate,
		windowEvents: windowEvents,
		windowSpan:   DefaultWindowSpan,
		keys:         make(map[string]*keyState),
	}
}

func (g *Governor) state(key string) *keyState {
	g.mu.Lock()
	defer g.mu.Unlock()

	st, ok := g.keys[key]
	if !ok {
		st = &keyState{
			bucket: NewTokenBucket(g.burst, g.rate),
			window: NewSlidingWindow(g.windowEvents, g.windowSpan),
			gate:   make(chan struct{}, 1),
		}
		g.keys[key] = st
	}
	return st
}

// Acquire blocks until the key's gate, cooldown, window, and bucket all
// admit one request. The caller must pair it with Release. Cancellation
// returns ctx.Err with nothing held.
func (g *Governor) Acquire(ctx context.Context, key string) error {
	st := g.state(key)

	// One in flight per key; blocked acquirers are served in FIFO order by
	// the runtime's channel wait queue.
	select {
	case st.gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := st.waitReady(ctx); err != nil {
		<-st.gate
		return err
	}
	return nil
}

// Release frees the key's gate slot.
func (g *Governor) Release(key string) {
	st := g.state(key)
	select {
	case <-st.gate:
	default:
	}
}

// waitReady waits out the cooldown, then the window, then the bucket.
func (st *keyState) waitReady(ctx context.Context) error {
	for {
		st.mu.Lock()
		wait := time.Until(st.cooldownUntil)
		st.mu.Unlock()
		if wait <= 0 {
			break
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	for !st.window.TryAdmit() {
		wait := st.window.NextAdmitIn()
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if err := sleepCtx(ctx, wait); err != nil {
			return err
		}
	}

	return st.bucket.Consume(ctx, 1)
}

// Record429 notes a rate-limit response. The cooldown is the larger of the
// server's retry-after hint and the escalation for consecutive 429s.
func (g *Governor) Record429(key string, retryAfter time.Duration) {
	st := g.state(key)

	st.mu.Lock()
	defer st.mu.Unlock()

	st.streak++
	cooldown := retryAfter
	if st.streak >= 2 {
		escalation := escalationBase << uint(st.streak+2)
		if escalation > escalationCap || escalation <= 0 {
			escalation = escalationCap
		}
		if escalation > cooldown {
			cooldown = escalation
		}
	}
	if cooldown > 0 {
		st.cooldownUntil = time.Now().Add(cooldown)
	}

	logging.Warn("rate limited", "key", key, "streak", st.streak, "cooldown", cooldown)
}

// RecordSuccess clears the 429 streak and cooldown for the key.
func (g *Governor) RecordSuccess(key string) {
	st := g.state(key)

	st.mu.Lock()
	defer st.mu.Unlock()
	st.streak = 0
	st.cooldownUntil = time.Time{}
}

// CooldownRemaining reports how long the key stays cooled down.
func (g *Governor) CooldownRemaining(key string) time.Duration {
	st := g.state(key)

	st.mu.Lock()
	defer st.mu.Unlock()

	remaining := time.Until(st.cooldownUntil)
	if remaining < 0 {
		return 0
	}
	return remaining
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
