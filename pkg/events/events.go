package events

import "time"

// RecognitionEvent is one result delivered by the speech recognizer.
// Events are immutable; consumers never modify them.
type RecognitionEvent struct {
	Text       string
	IsFinal    bool
	SpeakerID  string // empty when the recognizer does not diarize
	ReceivedAt time.Time
}

// PhotoRef points at a captured photo on the device store.
type PhotoRef struct {
	Path       string
	MIME       string
	CapturedAt time.Time
}

// Turn is one finalized user utterance ready for execution.
// It is never constructed from an empty trimmed query.
type Turn struct {
	ID        string
	Query     string
	SpeakerID string
	IsVisual  bool
	Photo     *PhotoRef
}
