package client

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSanitizerPassesCleanText(t *testing.T) {
	s := NewSanitizer()
	for _, delta := range []string{"Hello, ", "world.", " Let me check the file.", "日本語のテキストも通ります。"} {
		clean, ok := s.Feed(delta)
		assert.True(t, ok, "delta %q should pass", delta)
		assert.Equal(t, delta, clean)
	}
	assert.False(t, s.Corrupted())
}

func TestSanitizerRejectsControlMarkers(t *testing.T) {
	s := NewSanitizer()
	for _, delta := range []string{
		"<|im_start|>assistant",
		"text before <|im_end|>",
		"<|endoftext|>",
		"<|channel|>analysis",
		"commentary to=functions.read",
	} {
		_, ok := s.Feed(delta)
		assert.False(t, ok, "delta %q should be rejected", delta)
	}
}

func TestSanitizerRejectsSeparatorBurst(t *testing.T) {
	s := NewSanitizer()
	_, ok := s.Feed("================")
	assert.False(t, ok)

	// Short rules inside prose are fine.
	clean, ok := s.Feed("see the --- marker below")
	assert.True(t, ok)
	assert.Equal(t, "see the --- marker below", clean)
}

func TestSanitizerRejectsWireEnvelope(t *testing.T) {
	s := NewSanitizer()
	_, ok := s.Feed(`{"role":"assistant","content":"hi"}`)
	assert.False(t, ok)

	// JSON without protocol keys passes.
	_, ok = s.Feed(`{"count": 3}`)
	assert.True(t, ok)
}

func TestSanitizerCorruptionAfterEightRejects(t *testing.T) {
	s := NewSanitizer()
	for i := 0; i < 7; i++ {
		_, ok := s.Feed("<|im_start|>")
		assert.False(t, ok)
		assert.False(t, s.Corrupted(), "not corrupted at reject %d", i+1)
	}
	_, ok := s.Feed("<|im_start|>")
	assert.False(t, ok)
	assert.True(t, s.Corrupted())

	// Clean text no longer gets through.
	_, ok = s.Feed("perfectly fine text")
	assert.False(t, ok)
}

func TestSanitizerCleanDeltaResetsStreak(t *testing.T) {
	s := NewSanitizer()
	for i := 0; i < 20; i++ {
		s.Feed("<|im_end|>")
		s.Feed("ok")
	}
	assert.False(t, s.Corrupted())
}

func TestSanitizerFlushSalvagesPrefix(t *testing.T) {
	s := NewSanitizer()
	_, ok := s.Feed("The answer is 42.<|im_end|>garbage")
	require.False(t, ok)
	assert.Equal(t, "The answer is 42.", s.Flush())
	assert.Empty(t, s.Flush())
}

func TestSanitizerDeterministic(t *testing.T) {
	input := []string{"hello", "<|im_start|>", "world", "====================", `{"role":"x"}`, "done"}
	run := func() []string {
		s := NewSanitizer()
		var out []string
		for _, d := range input {
			if clean, ok := s.Feed(d); ok {
				out = append(out, clean)
			}
		}
		return out
	}
	assert.Equal(t, run(), run())
	assert.Equal(t, []string{"hello", "world", "done"}, run())
}

func TestSanitizeEventsResetsOnStepStart(t *testing.T) {
	in := make(chan Event, 32)
	for i := 0; i < 7; i++ {
		in <- TextDelta("<|im_start|>")
	}
	in <- StepStart()
	for i := 0; i < 7; i++ {
		in <- TextDelta("<|im_start|>")
	}
	in <- TextDelta("still alive")
	in <- Finish(FinishStop, Usage{})
	close(in)

	var texts []string
	var finish Event
	for ev := range SanitizeEvents(in) {
		switch ev.Kind {
		case EventTextDelta:
			texts = append(texts, ev.Text)
		case EventFinish:
			finish = ev
		}
	}
	assert.Equal(t, []string{"still alive"}, texts)
	// Deltas were dropped, so a stop finish is downgraded.
	assert.Equal(t, FinishLength, finish.Reason)
}

func TestSanitizeEventsCorruptionSuppressesTail(t *testing.T) {
	in := make(chan Event, 32)
	in <- StepStart()
	in <- TextDelta("prefix")
	for i := 0; i < 8; i++ {
		in <- TextDelta("<|eot_id|>")
	}
	in <- TextDelta("should be suppressed")
	in <- Finish(FinishStop, Usage{OutputTokens: 10})
	close(in)

	var texts []string
	var finish Event
	for ev := range SanitizeEvents(in) {
		switch ev.Kind {
		case EventTextDelta:
			texts = append(texts, ev.Text)
		case EventFinish:
			finish = ev
		}
	}
	assert.Equal(t, []string{"prefix"}, texts)
	assert.Equal(t, FinishLength, finish.Reason)
}

func TestSanitizeEventsCorruptedStopBecomesLength(t *testing.T) {
	in := make(chan Event, 16)
	for i := 0; i < 8; i++ {
		in <- TextDelta("<|im_end|>")
	}
	in <- Finish(FinishStop, Usage{})
	close(in)

	var finish Event
	for ev := range SanitizeEvents(in) {
		if ev.Kind == EventFinish {
			finish = ev
		}
	}
	// A truncated stream must look like a length stop so the caller
	// can issue a continuation.
	assert.Equal(t, FinishLength, finish.Reason)
}

func TestSanitizeEventsPassthrough(t *testing.T) {
	in := make(chan Event, 8)
	in <- StepStart()
	in <- ReasoningDelta("thinking")
	in <- StepFinish(Usage{InputTokens: 5})
	in <- Finish(FinishToolCalls, Usage{})
	close(in)

	var kinds []EventKind
	for ev := range SanitizeEvents(in) {
		kinds = append(kinds, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventStepStart, EventReasoningDelta, EventStepFinish, EventFinish}, kinds)
}
