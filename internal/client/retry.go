package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"rove/internal/logging"
	"rove/internal/ratelimit"
)

// MaxAttempts bounds the retry loop for a single logical request.
const MaxAttempts = 15

var (
	backoffBase = 1 * time.Second
	backoffCap  = 60 * time.Second
)

// maxRetryAfter caps server-provided delay hints. A misbehaving
// gateway can send Retry-After values of hours.
const maxRetryAfter = 300 * time.Second

// Backoff computes the delay before the given retry attempt:
// base·2^attempt capped at max, with ±50% jitter so simultaneous
// clients spread out.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = backoffBase
	}
	if max <= 0 {
		max = backoffCap
	}
	d := base
	for i := 0; i < attempt && d < max; i++ {
		d *= 2
	}
	if d > max {
		d = max
	}
	// Jitter into [d/2, 3d/2).
	return d/2 + time.Duration(rand.Int63n(int64(d)))
}

// retryDelay picks the wait before the next attempt: the computed
// backoff, or the server's Retry-After hint when larger, clamped to
// maxRetryAfter.
func retryDelay(attempt int, lastErr error) time.Duration {
	delay := Backoff(attempt, backoffBase, backoffCap)
	if ra := RetryAfterFrom(lastErr); ra > delay {
		delay = min(ra, maxRetryAfter)
	}
	return delay
}

// RunWithRetry starts a stream under governor admission and retries
// transient failures. Retries happen only while the downstream
// consumer has seen zero events; once anything has been delivered a
// later failure surfaces as an error event on the stream instead of a
// silent restart.
func RunWithRetry(ctx context.Context, key string, gov *ratelimit.Governor, start func(context.Context) (*EventStream, error)) (*EventStream, error) {
	out := make(chan Event, 16)

	go func() {
		defer close(out)

		var lastErr error
		for attempt := 0; attempt < MaxAttempts; attempt++ {
			if attempt > 0 {
				delay := retryDelay(attempt-1, lastErr)
				logging.Info("retrying request", "key", key, "attempt", attempt, "delay", delay, "error", lastErr)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					emit(ctx, out, ErrorEvent(ctx.Err()))
					return
				}
			}

			if gov != nil {
				if err := gov.Acquire(ctx, key); err != nil {
					emit(ctx, out, ErrorEvent(err))
					return
				}
			}

			delivered, err := runAttempt(ctx, key, gov, start, out)
			if gov != nil {
				gov.Release(key)
			}
			if err == nil {
				return
			}
			lastErr = err

			if gov != nil && IsRateLimited(err) {
				gov.Record429(key, RetryAfterFrom(err))
			}
			if delivered || !IsRetryable(err) || ctx.Err() != nil {
				emit(ctx, out, ErrorEvent(err))
				return
			}
		}
		emit(ctx, out, ErrorEvent(fmt.Errorf("max attempts (%d) exceeded: %w", MaxAttempts, lastErr)))
	}()

	return &EventStream{Events: out}, nil
}

// runAttempt runs one stream attempt, forwarding events downstream.
// Returns whether any event reached the consumer and the attempt error.
func runAttempt(ctx context.Context, key string, gov *ratelimit.Governor, start func(context.Context) (*EventStream, error), out chan<- Event) (bool, error) {
	stream, err := start(ctx)
	if err != nil {
		return false, err
	}

	delivered := false
	for ev := range stream.Events {
		if ev.Kind == EventError {
			// Drain the producer before deciding; channel closes after
			// a terminal event.
			for range stream.Events {
			}
			if !delivered {
				return false, ev.Err
			}
			return true, ev.Err
		}
		if !emit(ctx, out, ev) {
			for range stream.Events {
			}
			return delivered, ctx.Err()
		}
		delivered = true
	}
	if gov != nil {
		gov.RecordSuccess(key)
	}
	return delivered, nil
}
