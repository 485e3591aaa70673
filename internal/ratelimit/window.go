package ratelimit

import (
	"sync"
	"time"
)

// SlidingWindow admits at most maxEvents within any rolling span.
type SlidingWindow struct {
	maxEvents int
	span      time.Duration

	mu     sync.Mutex
	events []time.Time
}

// NewSlidingWindow creates a window admitting maxEvents per span.
func NewSlidingWindow(maxEvents int, span time.Duration) *SlidingWindow {
	return &SlidingWindow{
		maxEvents: maxEvents,
		span:      span,
	}
}

// TryAdmit records an event if the window has room.
func (w *SlidingWindow) TryAdmit() bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.evictLocked(now)

	if len(w.events) >= w.maxEvents {
		return false
	}
	w.events = append(w.events, now)
	return true
}

// NextAdmitIn returns how long until the next event could be admitted.
// Zero means an event would be admitted now.
func (w *SlidingWindow) NextAdmitIn() time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	w.evictLocked(now)

	if len(w.events) < w.maxEvents {
		return 0
	}
	return w.events[0].Add(w.span).Sub(now)
}

// Count returns the number of events currently inside the window.
func (w *SlidingWindow) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evictLocked(time.Now())
	return len(w.events)
}

func (w *SlidingWindow) evictLocked(now time.Time) {
	cutoff := now.Add(-w.span)
	i := 0
	for i < len(w.events) && !w.events[i].After(cutoff) {
		i++
	}
	if i > 0 {
		w.events = append(w.events[:0], w.events[i:]...)
	}
}
