package chat

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MaxMessages caps session history length. Older messages past the cap are
// dropped from the head, keeping the first user message.
const MaxMessages = 200

// Session holds one conversation's history. Thread-safe.
type Session struct {
	ID        string    `json:"id"`
	StartTime time.Time `json:"start_time"`
	History   []Message `json:"history"`

	mu sync.RWMutex
}

// NewSession creates an empty session with a fresh ID.
func NewSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartTime: time.Now(),
	}
}

// Append adds messages to the history, trimming past MaxMessages.
func (s *Session) Append(msgs ...Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.History = append(s.History, msgs...)
	s.trimLocked()
}

// SetHistory replaces the history wholesale (used after compaction).
func (s *Session) SetHistory(history []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.History = history
	s.trimLocked()
}

// Messages returns a copy of the history.
func (s *Session) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.History))
	copy(out, s.History)
	return out
}

// Len returns the number of messages in the session.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.History)
}

// Clear drops all history.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.History = nil
}

func (s *Session) trimLocked() {
	if len(s.History) <= MaxMessages {
		return
	}
	// Keep the first message (original task) and the most recent tail.
	keep := MaxMessages - 1
	trimmed := make([]Message, 0, MaxMessages)
	trimmed = append(trimmed, s.History[0])
	trimmed = append(trimmed, s.History[len(s.History)-keep:]...)
	s.History = trimmed
}

// Save writes the session as JSON under dir, named by session ID.
func (s *Session) Save(dir string) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}

	path := filepath.Join(dir, s.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return os.Rename(tmp, path)
}

// LoadSession reads a previously saved session by ID.
func LoadSession(dir, id string) (*Session, error) {
	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	if s.ID == "" {
		s.ID = id
	}
	return &s, nil
}

// ListSessions returns saved session IDs under dir, newest first.
func ListSessions(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	type stamped struct {
		id  string
		mod time.Time
	}
	var found []stamped
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		found = append(found, stamped{
			id:  e.Name()[:len(e.Name())-len(".json")],
			mod: info.ModTime(),
		})
	}

	ids := make([]string, 0, len(found))
	for i := range found {
		ids = append(ids, found[i].id)
	}
	for i := 0; i < len(found); i++ {
		for j := i + 1; j < len(found); j++ {
			if found[j].mod.After(found[i].mod) {
				found[i], found[j] = found[j], found[i]
				ids[i], ids[j] = ids[j], ids[i]
			}
		}
	}
	return ids, nil
}
