package memory

import (
	"container/list"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	maxFiles     = 200
	maxSearches  = 100
	maxToolCalls = 500

	// contextFiles and contextSearches bound the rendered sections.
	contextFiles    = 50
	contextSearches = 20
)

// FileRead records one file the conversation has touched.
type FileRead struct {
	Path        string
	ContentHash string
	Summary     string
	LineCount   int
	ReadCount   int
	FirstReadAt time.Time
	LastReadAt  time.Time
	Turn        int
}

// Search records one search the conversation ran.
type Search struct {
	Query string
	Kind  string
	Turn  int
	At    time.Time
}

// ToolCall records one tool invocation outcome.
type ToolCall struct {
	Name       string
	ArgsDigest string
	OK         bool
	Turn       int
	At         time.Time
}

// Memory tracks what a session has already seen, so compaction can
// preserve a digest of it instead of the raw transcript.
type Memory struct {
	mu   sync.Mutex
	turn int

	// files is LRU-ordered by last read: front is most recent.
	files     *list.List
	fileIndex map[string]*list.Element

	searches  *list.List
	toolCalls *list.List

	now func() time.Time
}

func New() *Memory {
	return &Memory{
		files:     list.New(),
		fileIndex: make(map[string]*list.Element),
		searches:  list.New(),
		toolCalls: list.New(),
		now:       time.Now,
	}
}

// IncrementTurn advances the turn counter and returns the new value.
func (m *Memory) IncrementTurn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.turn++
	return m.turn
}

// Turn returns the current turn number.
func (m *Memory) Turn() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.turn
}

// RecordFileRead notes a file read, deduplicating by path. A repeat
// read refreshes the entry's recency and bumps its read count instead
// of adding a duplicate. An empty content leaves the previous hash and
// line count untouched.
func (m *Memory) RecordFileRead(path, content string) {
	if path == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.fileIndex[path]; ok {
		rec := el.Value.(*FileRead)
		rec.LastReadAt = m.now()
		rec.Turn = m.turn
		rec.ReadCount++
		if content != "" {
			rec.ContentHash = hashContent(content)
			rec.LineCount = countLines(content)
			rec.Summary = summarize(content)
		}
		m.files.MoveToFront(el)
		return
	}
	now := m.now()
	rec := &FileRead{
		Path:        path,
		ReadCount:   1,
		FirstReadAt: now,
		LastReadAt:  now,
		Turn:        m.turn,
	}
	if content != "" {
		rec.ContentHash = hashContent(content)
		rec.LineCount = countLines(content)
		rec.Summary = summarize(content)
	}
	el := m.files.PushFront(rec)
	m.fileIndex[path] = el
	if m.files.Len() > maxFiles {
		oldest := m.files.Back()
		m.files.Remove(oldest)
		delete(m.fileIndex, oldest.Value.(*FileRead).Path)
	}
}

// hashContent returns a short stable fingerprint, enough to tell
// whether a file changed between reads.
func hashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:8])
}

func countLines(content string) int {
	n := strings.Count(content, "\n")
	if !strings.HasSuffix(content, "\n") {
		n++
	}
	return n
}

// summarize keeps the first non-blank line, capped, as a memory hint.
func summarize(content string) string {
	const maxSummary = 80
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(line) > maxSummary {
			line = line[:maxSummary]
		}
		return line
	}
	return ""
}

// RecordSearch notes a search query and its kind (grep, glob, ...).
func (m *Memory) RecordSearch(query, kind string) {
	if query == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.searches.PushFront(&Search{Query: query, Kind: kind, Turn: m.turn, At: m.now()})
	if m.searches.Len() > maxSearches {
		m.searches.Remove(m.searches.Back())
	}
}

// RecordToolCall notes a tool invocation and whether it succeeded.
func (m *Memory) RecordToolCall(name, argsDigest string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.toolCalls.PushFront(&ToolCall{Name: name, ArgsDigest: argsDigest, OK: ok, Turn: m.turn, At: m.now()})
	if m.toolCalls.Len() > maxToolCalls {
		m.toolCalls.Remove(m.toolCalls.Back())
	}
}

// Snapshot returns copies of the recorded state, most recent first.
type Snapshot struct {
	Turn      int
	Files     []FileRead
	Searches  []Search
	ToolCalls []ToolCall
}

func (m *Memory) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{Turn: m.turn}
	for el := m.files.Front(); el != nil; el = el.Next() {
		snap.Files = append(snap.Files, *el.Value.(*FileRead))
	}
	for el := m.searches.Front(); el != nil; el = el.Next() {
		snap.Searches = append(snap.Searches, *el.Value.(*Search))
	}
	for el := m.toolCalls.Front(); el != nil; el = el.Next() {
		snap.ToolCalls = append(snap.ToolCalls, *el.Value.(*ToolCall))
	}
	return snap
}

// BuildMemoryContext renders the session's working set as a compact
// text block for re-injection after compaction. Returns an empty
// string when nothing has been recorded.
func (m *Memory) BuildMemoryContext(maxChars int) string {
	snap := m.Snapshot()
	if len(snap.Files) == 0 && len(snap.Searches) == 0 {
		return ""
	}

	var b strings.Builder
	if len(snap.Files) > 0 {
		b.WriteString("Files read:\n")
		n := min(len(snap.Files), contextFiles)
		for _, f := range snap.Files[:n] {
			fmt.Fprintf(&b, "- %s (turn %d)\n", f.Path, f.Turn)
		}
	}
	if len(snap.Searches) > 0 {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("Searches:\n")
		n := min(len(snap.Searches), contextSearches)
		for _, s := range snap.Searches[:n] {
			if s.Kind != "" {
				fmt.Fprintf(&b, "- %s: %q\n", s.Kind, s.Query)
			} else {
				fmt.Fprintf(&b, "- %q\n", s.Query)
			}
		}
	}
	return truncateAtLine(b.String(), maxChars)
}

// truncateAtLine cuts text to at most maxChars, never mid-line.
func truncateAtLine(text string, maxChars int) string {
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	cut := strings.LastIndexByte(text[:maxChars], '\n')
	if cut <= 0 {
		return ""
	}
	return text[:cut+1]
}
