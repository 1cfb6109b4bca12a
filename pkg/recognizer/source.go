package recognizer

import (
	"context"

	"github.com/cclavio/earshot/pkg/events"
)

// SignalKind discriminates hardware-link signals.
type SignalKind int

const (
	// KindSpeech carries one recognition event for a session.
	KindSpeech SignalKind = iota
	// KindAttach announces a hardware session attach.
	KindAttach
	// KindDetach announces a hardware disconnect for a session.
	KindDetach
)

// Signal is one message from the device link: a recognition event or a
// session lifecycle notification.
type Signal struct {
	Kind      SignalKind
	SessionID string
	Event     events.RecognitionEvent
}

// Source is a stream of recognition and lifecycle signals. Implementations
// own their network lifecycle; Events is closed after Close or when the
// start context is cancelled.
type Source interface {
	Name() string
	Start(ctx context.Context) error
	Events() <-chan Signal
	Close() error
}
