package classify

import (
	"testing"
	"time"
)

func TestDuplicateWithinWindow(t *testing.T) {
	d := NewDuplicateDetector(10 * time.Second)
	now := time.Now()

	d.MarkProcessed("what's the weather today", now)

	if !d.IsDuplicate("what's the weather today", now.Add(2*time.Second)) {
		t.Fatalf("expected duplicate")
	}
	// Same leading words, different tail: still the same key.
	if !d.IsDuplicate("what's the weather like in Boston", now.Add(2*time.Second)) {
		t.Fatalf("expected key match on first words")
	}
}

func TestDuplicateOutsideWindow(t *testing.T) {
	d := NewDuplicateDetector(10 * time.Second)
	now := time.Now()

	d.MarkProcessed("what's the weather", now)

	if d.IsDuplicate("what's the weather", now.Add(11*time.Second)) {
		t.Fatalf("window expired; not a duplicate")
	}
}

func TestDifferentQueryIsNotDuplicate(t *testing.T) {
	d := NewDuplicateDetector(10 * time.Second)
	now := time.Now()

	d.MarkProcessed("what's the weather", now)

	if d.IsDuplicate("set a timer please", now.Add(time.Second)) {
		t.Fatalf("different query flagged as duplicate")
	}
}

func TestNothingProcessedMeansNoDuplicate(t *testing.T) {
	d := NewDuplicateDetector(0)
	if d.IsDuplicate("anything", time.Now()) {
		t.Fatalf("no reference turn; nothing is a duplicate")
	}
}

func TestResetClearsReference(t *testing.T) {
	d := NewDuplicateDetector(10 * time.Second)
	now := time.Now()

	d.MarkProcessed("what's the weather", now)
	d.Reset()

	if d.IsDuplicate("what's the weather", now.Add(time.Second)) {
		t.Fatalf("reset should clear the reference")
	}
}

func TestConfusedReply(t *testing.T) {
	for _, text := range []string{
		"Sorry, I didn't understand that.",
		"Could you repeat the question?",
		"I'm not sure what you mean.",
	} {
		if !IsConfusedReply(text) {
			t.Fatalf("IsConfusedReply(%q) = false", text)
		}
	}
	for _, text := range []string{
		"",
		"It's 72 degrees and sunny.",
		"The word you asked about means repetition.",
	} {
		if IsConfusedReply(text) {
			t.Fatalf("IsConfusedReply(%q) = true", text)
		}
	}
}
