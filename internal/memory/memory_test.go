package memory

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFileReadDedup(t *testing.T) {
	m := New()
	m.IncrementTurn()
	m.RecordFileRead("a.go", "")
	m.RecordFileRead("b.go", "")
	m.IncrementTurn()
	m.RecordFileRead("a.go", "") // refresh, not duplicate

	snap := m.Snapshot()
	require.Len(t, snap.Files, 2)
	assert.Equal(t, "a.go", snap.Files[0].Path)
	assert.Equal(t, 2, snap.Files[0].Turn)
	assert.Equal(t, "b.go", snap.Files[1].Path)
	assert.Equal(t, 1, snap.Files[1].Turn)
	assert.Equal(t, 2, snap.Files[0].ReadCount)
	assert.Equal(t, 1, snap.Files[1].ReadCount)
}

func TestRecordFileReadContent(t *testing.T) {
	m := New()
	m.IncrementTurn()
	m.RecordFileRead("main.go", "package main\n")

	snap := m.Snapshot()
	require.Len(t, snap.Files, 1)
	f := snap.Files[0]
	assert.Equal(t, 1, f.ReadCount)
	assert.Equal(t, 1, f.LineCount)
	assert.Equal(t, "package main", f.Summary)
	assert.Len(t, f.ContentHash, 16)
	assert.False(t, f.FirstReadAt.IsZero())
	firstHash := f.ContentHash
	firstAt := f.FirstReadAt

	// A re-read with new content refreshes the hash but keeps the
	// original first-read timestamp.
	m.RecordFileRead("main.go", "package main\n\nfunc main() {}\n")
	snap = m.Snapshot()
	f = snap.Files[0]
	assert.Equal(t, 2, f.ReadCount)
	assert.Equal(t, 3, f.LineCount)
	assert.NotEqual(t, firstHash, f.ContentHash)
	assert.Equal(t, firstAt, f.FirstReadAt)

	// Recording without content keeps the last known hash.
	m.RecordFileRead("main.go", "")
	snap = m.Snapshot()
	assert.Equal(t, 3, snap.Files[0].ReadCount)
	assert.NotEmpty(t, snap.Files[0].ContentHash)
}

func TestCountLines(t *testing.T) {
	assert.Equal(t, 1, countLines("one line"))
	assert.Equal(t, 1, countLines("one line\n"))
	assert.Equal(t, 2, countLines("a\nb"))
	assert.Equal(t, 3, countLines("a\nb\nc\n"))
}

func TestFileReadLRUEviction(t *testing.T) {
	m := New()
	for i := 0; i < maxFiles; i++ {
		m.RecordFileRead(fmt.Sprintf("f%03d.go", i), "")
	}
	// Touch the oldest so something else becomes the eviction victim.
	m.RecordFileRead("f000.go", "")
	m.RecordFileRead("overflow.go", "")

	snap := m.Snapshot()
	require.Len(t, snap.Files, maxFiles)

	paths := make(map[string]bool, len(snap.Files))
	for _, f := range snap.Files {
		paths[f.Path] = true
	}
	assert.True(t, paths["f000.go"], "recently touched file must survive")
	assert.True(t, paths["overflow.go"])
	assert.False(t, paths["f001.go"], "least recently read file must be evicted")
}

func TestSearchAndToolCallCaps(t *testing.T) {
	m := New()
	for i := 0; i < maxSearches+5; i++ {
		m.RecordSearch(fmt.Sprintf("query-%d", i), "grep")
	}
	for i := 0; i < maxToolCalls+5; i++ {
		m.RecordToolCall("read", fmt.Sprintf("args-%d", i), i%2 == 0)
	}

	snap := m.Snapshot()
	require.Len(t, snap.Searches, maxSearches)
	require.Len(t, snap.ToolCalls, maxToolCalls)
	assert.Equal(t, fmt.Sprintf("query-%d", maxSearches+4), snap.Searches[0].Query)
	assert.Equal(t, fmt.Sprintf("args-%d", maxToolCalls+4), snap.ToolCalls[0].ArgsDigest)
}

func TestBuildMemoryContext(t *testing.T) {
	m := New()
	assert.Empty(t, m.BuildMemoryContext(4096))

	m.IncrementTurn()
	m.RecordFileRead("internal/agent/agent.go", "")
	m.RecordSearch("func Run", "grep")

	out := m.BuildMemoryContext(4096)
	assert.Contains(t, out, "Files read:")
	assert.Contains(t, out, "internal/agent/agent.go (turn 1)")
	assert.Contains(t, out, "Searches:")
	assert.Contains(t, out, `grep: "func Run"`)
}

func TestBuildMemoryContextSectionLimits(t *testing.T) {
	m := New()
	for i := 0; i < contextFiles+10; i++ {
		m.RecordFileRead(fmt.Sprintf("file-%02d.go", i), "")
	}
	for i := 0; i < contextSearches+10; i++ {
		m.RecordSearch(fmt.Sprintf("q-%02d", i), "grep")
	}

	out := m.BuildMemoryContext(1 << 20)
	assert.Equal(t, contextFiles, strings.Count(out, ".go (turn"))
	assert.Equal(t, contextSearches, strings.Count(out, "grep:"))
	// Most recent entries render first.
	assert.Contains(t, out, fmt.Sprintf("file-%02d.go", contextFiles+9))
	assert.NotContains(t, out, "file-00.go")
}

func TestBuildMemoryContextTruncatesAtLine(t *testing.T) {
	m := New()
	for i := 0; i < 30; i++ {
		m.RecordFileRead(fmt.Sprintf("some/long/path/to/file-%02d.go", i), "")
	}
	out := m.BuildMemoryContext(200)
	require.NotEmpty(t, out)
	assert.LessOrEqual(t, len(out), 200)
	assert.True(t, strings.HasSuffix(out, "\n"), "truncation must land on a line boundary")
}

func TestSnapshotIsACopy(t *testing.T) {
	m := New()
	m.RecordFileRead("a.go", "")
	snap := m.Snapshot()
	snap.Files[0].Path = "mutated"

	again := m.Snapshot()
	assert.Equal(t, "a.go", again.Files[0].Path)
}

func TestTruncateAtLine(t *testing.T) {
	text := "one\ntwo\nthree\n"
	assert.Equal(t, text, truncateAtLine(text, 100))
	assert.Equal(t, "one\ntwo\n", truncateAtLine(text, 9))
	assert.Equal(t, "one\n", truncateAtLine(text, 7))
	assert.Equal(t, "", truncateAtLine(text, 2))
}

func TestMemoryConcurrency(t *testing.T) {
	m := New()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 500; i++ {
			m.RecordFileRead(fmt.Sprintf("f%d.go", i%50), "")
			m.RecordToolCall("grep", "x", true)
		}
	}()
	for i := 0; i < 500; i++ {
		m.IncrementTurn()
		m.RecordSearch("q", "grep")
		_ = m.BuildMemoryContext(1024)
	}
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("writer did not finish")
	}
}
