package client

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"rove/internal/logging"
)

// corruptionThreshold is the number of consecutive rejected deltas
// after which the whole stream is treated as unrecoverable.
const corruptionThreshold = 8

// controlMarkers are chat-template tokens that local models sometimes
// leak into their visible output.
var controlMarkers = []string{
	"<|im_start|>",
	"<|im_end|>",
	"<|endoftext|>",
	"<|assistant|>",
	"<|user|>",
	"<|system|>",
	"<|eot_id|>",
	"<|start_header_id|>",
}

// leakMarkers are fragments of the internal function-call harness
// format that must never reach the user.
var leakMarkers = []string{
	"to=functions.",
	"to=functions",
	"commentary to=",
	"<|channel|>",
}

// Sanitizer filters a single response stream from an unreliable model.
// One instance per stream; Reset on each new step.
type Sanitizer struct {
	rejects   int
	corrupted bool
	tail      string
}

// NewSanitizer returns a sanitizer in the clean state.
func NewSanitizer() *Sanitizer {
	return &Sanitizer{}
}

// Feed inspects one text delta. Clean deltas come back unchanged with
// ok=true. Rejected deltas return ("", false); eight consecutive
// rejections mark the stream corrupted, after which every call
// returns ("", false).
func (s *Sanitizer) Feed(delta string) (string, bool) {
	if s.corrupted {
		return "", false
	}
	if idx, bad := classifyDelta(delta); bad {
		if s.rejects == 0 && idx > 0 {
			s.tail = delta[:idx]
		}
		s.rejects++
		if s.rejects >= corruptionThreshold {
			s.corrupted = true
			logging.Warn("stream corrupted", "consecutive_rejects", s.rejects)
		}
		return "", false
	}
	s.rejects = 0
	s.tail = ""
	return delta, true
}

// Corrupted reports whether the stream has been written off.
func (s *Sanitizer) Corrupted() bool {
	return s.corrupted
}

// Dropped reports whether any delta has been rejected since the last
// clean one.
func (s *Sanitizer) Dropped() bool {
	return s.rejects > 0
}

// Flush returns the clean prefix of the delta where rejection began,
// for salvaging text when corruption hit mid-delta.
func (s *Sanitizer) Flush() string {
	t := s.tail
	s.tail = ""
	return t
}

// Reset returns the sanitizer to the clean state for a new step.
func (s *Sanitizer) Reset() {
	s.rejects = 0
	s.corrupted = false
	s.tail = ""
}

// classifyDelta returns (index of first offending byte, true) when the
// delta must be dropped.
func classifyDelta(delta string) (int, bool) {
	if idx := earliestMarker(delta, controlMarkers); idx >= 0 {
		return idx, true
	}
	if idx := earliestMarker(delta, leakMarkers); idx >= 0 {
		return idx, true
	}
	if isSeparatorBurst(delta) {
		return 0, true
	}
	if isNonASCIIGarbage(delta) {
		return 0, true
	}
	if isWireEnvelope(delta) {
		return 0, true
	}
	return 0, false
}

func earliestMarker(s string, markers []string) int {
	best := -1
	for _, m := range markers {
		if idx := strings.Index(s, m); idx >= 0 && (best < 0 || idx < best) {
			best = idx
		}
	}
	return best
}

// isSeparatorBurst detects ASCII rule lines: at least 12 non-space
// chars with 80%+ drawn from the separator set.
func isSeparatorBurst(delta string) bool {
	total, seps := 0, 0
	for _, r := range delta {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if strings.ContainsRune("=-_*#~", r) {
			seps++
		}
	}
	return total >= 12 && seps*10 >= total*8
}

// isNonASCIIGarbage detects byte-salad output: four or more separate
// runs of three-plus consecutive non-ASCII bytes in a delta where
// letters are the minority. Real CJK or emoji-bearing prose is
// letter-dominated and passes.
func isNonASCIIGarbage(delta string) bool {
	runs, runLen := 0, 0
	for i := 0; i < len(delta); i++ {
		if delta[i] >= utf8.RuneSelf {
			runLen++
			continue
		}
		if runLen >= 3 {
			runs++
		}
		runLen = 0
	}
	if runLen >= 3 {
		runs++
	}
	if runs < 4 {
		return false
	}
	letters, total := 0, 0
	for _, r := range delta {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			letters++
		}
	}
	return letters*2 < total
}

// isWireEnvelope detects a delta that is itself a serialized chat
// protocol object rather than prose.
func isWireEnvelope(delta string) bool {
	trimmed := strings.TrimSpace(delta)
	if len(trimmed) < 2 || trimmed[0] != '{' {
		return false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return false
	}
	for _, key := range []string{"role", "content", "tool_calls"} {
		if _, ok := obj[key]; ok {
			return true
		}
	}
	return false
}

// SanitizeEvents filters text deltas of a stream through a sanitizer,
// resetting on step boundaries. Non-text events pass through in
// order. On corruption the safe prefix is salvaged and remaining text
// is suppressed. A finish{stop} on a stream that dropped deltas or
// went corrupted becomes finish{length} so the caller may continue
// the truncated turn.
func SanitizeEvents(in <-chan Event) <-chan Event {
	out := make(chan Event, 16)
	go func() {
		defer close(out)
		san := NewSanitizer()
		dropped := false
		for ev := range in {
			switch ev.Kind {
			case EventStepStart:
				san.Reset()
				dropped = false
				out <- ev
			case EventTextDelta:
				if san.Corrupted() {
					continue
				}
				clean, ok := san.Feed(ev.Text)
				if ok {
					out <- TextDelta(clean)
					continue
				}
				dropped = true
				if san.Corrupted() {
					if tail := san.Flush(); tail != "" {
						out <- TextDelta(tail)
					}
				}
			case EventFinish:
				if (san.Corrupted() || dropped) && ev.Reason == FinishStop {
					ev.Reason = FinishLength
				}
				out <- ev
			default:
				out <- ev
			}
		}
	}()
	return out
}
