package mcp

import (
	"fmt"
	"sync"
	"time"
)

// LogEntry is one retained line of server history.
type LogEntry struct {
	Time time.Time
	Line string
}

// ringLog is a fixed-size buffer of the most recent entries.
type ringLog struct {
	mu      sync.Mutex
	entries []LogEntry
	next    int
	count   int
}

func newRingLog(size int) *ringLog {
	if size <= 0 {
		size = DefaultLogBufferSize
	}
	return &ringLog{entries: make([]LogEntry, size)}
}

func (r *ringLog) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := len(r.entries)
	r.entries[r.next] = LogEntry{Time: time.Now(), Line: line}
	r.next = (r.next + 1) % size
	if r.count < size {
		r.count++
	}
}

func (r *ringLog) Appendf(format string, args ...any) {
	r.Append(fmt.Sprintf(format, args...))
}

// Snapshot returns entries oldest-first.
func (r *ringLog) Snapshot() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := len(r.entries)
	out := make([]LogEntry, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += size
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.entries[(start+i)%size])
	}
	return out
}
