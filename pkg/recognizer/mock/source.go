package mock

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cclavio/earshot/pkg/events"
	"github.com/cclavio/earshot/pkg/recognizer"
)

// Source is an in-memory recognizer source for tests and local runs.
type Source struct {
	ch     chan recognizer.Signal
	closed atomic.Bool
}

func New() *Source {
	return &Source{ch: make(chan recognizer.Signal, 256)}
}

func (s *Source) Name() string { return "mock" }

func (s *Source) Start(ctx context.Context) error {
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = s.Close()
		}()
	}
	return nil
}

func (s *Source) Events() <-chan recognizer.Signal { return s.ch }

func (s *Source) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		close(s.ch)
	}
	return nil
}

// Push delivers an arbitrary signal.
func (s *Source) Push(sig recognizer.Signal) {
	if s.closed.Load() {
		return
	}
	s.ch <- sig
}

// Attach announces a session attach.
func (s *Source) Attach(sessionID string) {
	s.Push(recognizer.Signal{Kind: recognizer.KindAttach, SessionID: sessionID})
}

// Detach announces a session disconnect.
func (s *Source) Detach(sessionID string) {
	s.Push(recognizer.Signal{Kind: recognizer.KindDetach, SessionID: sessionID})
}

// Speak delivers a recognition event for a session.
func (s *Source) Speak(sessionID, text string, isFinal bool) {
	s.Push(recognizer.Signal{
		Kind:      recognizer.KindSpeech,
		SessionID: sessionID,
		Event: events.RecognitionEvent{
			Text:       text,
			IsFinal:    isFinal,
			ReceivedAt: time.Now(),
		},
	})
}
