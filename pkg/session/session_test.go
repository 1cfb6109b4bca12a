package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cclavio/earshot/pkg/classify"
	"github.com/cclavio/earshot/pkg/events"
	"github.com/cclavio/earshot/pkg/exchange"
	"github.com/cclavio/earshot/pkg/metrics"
	"github.com/cclavio/earshot/pkg/playback"
	"github.com/cclavio/earshot/pkg/turn"
	"github.com/cclavio/earshot/pkg/vision"
)

// testOutput is a device output whose playback completion is driven by the
// test. With auto set, Speak finishes itself after a few milliseconds.
type testOutput struct {
	mu      sync.Mutex
	spoken  []string
	shown   []string
	stops   []playback.StopReason
	auto    bool
	pending chan struct{}
	closed  bool
}

func (o *testOutput) Speak(text string) (<-chan struct{}, error) {
	o.mu.Lock()
	o.spoken = append(o.spoken, text)
	ch := make(chan struct{})
	o.pending = ch
	o.closed = false
	o.mu.Unlock()
	if o.auto {
		go func() {
			time.Sleep(5 * time.Millisecond)
			o.finish()
		}()
	}
	return ch, nil
}

func (o *testOutput) Stop(reason playback.StopReason) {
	o.mu.Lock()
	o.stops = append(o.stops, reason)
	o.mu.Unlock()
	o.finish()
}

func (o *testOutput) ShowText(text string, _ time.Duration) {
	o.mu.Lock()
	o.shown = append(o.shown, text)
	o.mu.Unlock()
}

func (o *testOutput) finish() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.pending != nil && !o.closed {
		close(o.pending)
		o.closed = true
	}
}

func (o *testOutput) spokenTexts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.spoken...)
}

func (o *testOutput) shownTexts() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string(nil), o.shown...)
}

func (o *testOutput) stopReasons() []playback.StopReason {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]playback.StopReason(nil), o.stops...)
}

// recordingTracker remembers exchange boundaries.
type recordingTracker struct {
	mu      sync.Mutex
	started []string
	ended   []exchange.EndReason
}

func (r *recordingTracker) StartExchange(id string) {
	r.mu.Lock()
	r.started = append(r.started, id)
	r.mu.Unlock()
}

func (r *recordingTracker) EndExchange(_ string, reason exchange.EndReason) {
	r.mu.Lock()
	r.ended = append(r.ended, reason)
	r.mu.Unlock()
}

func (r *recordingTracker) startCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.started)
}

func (r *recordingTracker) lastReason() (exchange.EndReason, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ended) == 0 {
		return "", false
	}
	return r.ended[len(r.ended)-1], true
}

type queryRecorder struct {
	mu      sync.Mutex
	queries []string
	reply   string
	err     error
}

func (q *queryRecorder) HandleTurn(_ context.Context, t events.Turn) (string, error) {
	q.mu.Lock()
	q.queries = append(q.queries, t.Query)
	q.mu.Unlock()
	return q.reply, q.err
}

func (q *queryRecorder) all() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]string(nil), q.queries...)
}

func testConfig() Config {
	return Config{
		SilenceTimeout:         40 * time.Millisecond,
		MaxUtterance:           2 * time.Second,
		FollowUpWindow:         80 * time.Millisecond,
		DuplicateWindow:        500 * time.Millisecond,
		ComprehensionThreshold: 2,
	}
}

func final(text string) events.RecognitionEvent {
	return events.RecognitionEvent{Text: text, IsFinal: true, ReceivedAt: time.Now()}
}

func interim(text string) events.RecognitionEvent {
	return events.RecognitionEvent{Text: text, IsFinal: false, ReceivedAt: time.Now()}
}

func waitState(t *testing.T, s *Session, want turn.State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("state = %v, want %v", s.State(), want)
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestQueryFlow(t *testing.T) {
	out := &testOutput{auto: true}
	tracker := &recordingTracker{}
	agent := &queryRecorder{reply: "It's sunny."}
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:   agent,
		Output:  out,
		Tracker: tracker,
	})
	defer s.Close()

	s.HandleEvent(final("hey earshot what's the weather"))

	// Silence timer fires, turn finalizes, agent answers, answer plays.
	waitFor(t, "spoken reply", func() bool {
		texts := out.spokenTexts()
		return len(texts) == 1 && texts[0] == "It's sunny."
	})
	waitState(t, s, turn.StateFollowUp)

	queries := agent.all()
	if len(queries) != 1 || queries[0] != "what's the weather" {
		t.Fatalf("queries = %v", queries)
	}
	if tracker.startCount() != 1 {
		t.Fatalf("exchanges started = %d", tracker.startCount())
	}
}

func TestMultiPartUtteranceAccumulates(t *testing.T) {
	out := &testOutput{auto: true}
	agent := &queryRecorder{reply: "Done."}
	s := New("dev-1", testConfig(), nil, Collaborators{Turns: agent, Output: out})
	defer s.Close()

	s.HandleEvent(final("hey earshot remind me"))
	waitState(t, s, turn.StateListening)
	s.HandleEvent(interim("to call"))
	s.HandleEvent(final("to call mom"))
	s.HandleEvent(final("at five"))

	waitFor(t, "agent call", func() bool { return len(agent.all()) == 1 })
	if got := agent.all()[0]; got != "remind me to call mom at five" {
		t.Fatalf("query = %q", got)
	}
}

func TestInterimResetsOnlySilenceTimer(t *testing.T) {
	out := &testOutput{auto: true}
	agent := &queryRecorder{reply: "ok"}
	s := New("dev-1", testConfig(), nil, Collaborators{Turns: agent, Output: out})
	defer s.Close()

	s.HandleEvent(final("hey earshot tell me a story"))
	waitState(t, s, turn.StateListening)

	// Keep feeding interims past the silence timeout; the turn must stay open.
	for i := 0; i < 5; i++ {
		time.Sleep(20 * time.Millisecond)
		s.HandleEvent(interim("still talking"))
	}
	if s.State() != turn.StateListening {
		t.Fatalf("state = %v, interims should keep the turn open", s.State())
	}
	waitFor(t, "turn to finalize after quiet", func() bool { return len(agent.all()) == 1 })
	if got := agent.all()[0]; got != "tell me a story" {
		t.Fatalf("query = %q, interim text must not accumulate", got)
	}
}

func TestGratitudeCloser(t *testing.T) {
	out := &testOutput{auto: true}
	tracker := &recordingTracker{}
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:   &queryRecorder{reply: "unused"},
		Output:  out,
		Tracker: tracker,
	})
	defer s.Close()

	s.HandleEvent(final("hey earshot thanks"))
	waitFor(t, "acknowledgment", func() bool { return len(out.spokenTexts()) == 1 })
	waitFor(t, "exchange end", func() bool { _, ok := tracker.lastReason(); return ok })
	waitState(t, s, turn.StateIdle)

	texts := out.spokenTexts()
	if len(texts) != 1 || texts[0] != "You're welcome!" {
		t.Fatalf("spoken = %v", texts)
	}
	reason, ok := tracker.lastReason()
	if !ok || reason != exchange.EndGratitude {
		t.Fatalf("end reason = %v, %v", reason, ok)
	}
}

func TestDismissalCloserEndsSilently(t *testing.T) {
	out := &testOutput{auto: true}
	tracker := &recordingTracker{}
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:   &queryRecorder{reply: "unused"},
		Output:  out,
		Tracker: tracker,
	})
	defer s.Close()

	s.HandleEvent(final("hey earshot never mind"))
	waitFor(t, "exchange end", func() bool { _, ok := tracker.lastReason(); return ok })
	waitState(t, s, turn.StateIdle)

	if texts := out.spokenTexts(); len(texts) != 0 {
		t.Fatalf("dismissal must not speak, got %v", texts)
	}
	reason, _ := tracker.lastReason()
	if reason != exchange.EndDismissal {
		t.Fatalf("end reason = %v", reason)
	}
}

func TestBargeInStartsNewTurn(t *testing.T) {
	out := &testOutput{auto: false} // playback hangs until stopped
	agent := &queryRecorder{reply: "A very long answer about the weather."}
	s := New("dev-1", testConfig(), nil, Collaborators{Turns: agent, Output: out})
	defer s.Close()

	s.HandleEvent(final("hey earshot what's the weather"))
	waitState(t, s, turn.StateSpeakingMicLive)

	s.HandleEvent(final("what about tomorrow"))
	waitState(t, s, turn.StateListening)

	if reasons := out.stopReasons(); len(reasons) != 1 || reasons[0] != playback.StopBargeIn {
		t.Fatalf("stop reasons = %v", reasons)
	}

	// The barge-in text seeds the next turn.
	waitFor(t, "second agent call", func() bool { return len(agent.all()) == 2 })
	if got := agent.all()[1]; got != "what about tomorrow" {
		t.Fatalf("second query = %q", got)
	}
}

func TestInterimDoesNotBargeIn(t *testing.T) {
	out := &testOutput{auto: false}
	agent := &queryRecorder{reply: "Long answer."}
	s := New("dev-1", testConfig(), nil, Collaborators{Turns: agent, Output: out})
	defer s.Close()

	s.HandleEvent(final("hey earshot what's the weather"))
	waitState(t, s, turn.StateSpeakingMicLive)

	s.HandleEvent(interim("hmm"))
	time.Sleep(20 * time.Millisecond)
	if s.State() != turn.StateSpeakingMicLive {
		t.Fatalf("interim must not interrupt playback, state = %v", s.State())
	}
	if reasons := out.stopReasons(); len(reasons) != 0 {
		t.Fatalf("stops = %v", reasons)
	}
}

func TestFollowUpWithoutActivation(t *testing.T) {
	out := &testOutput{auto: true}
	agent := &queryRecorder{reply: "ok"}
	s := New("dev-1", testConfig(), nil, Collaborators{Turns: agent, Output: out})
	defer s.Close()

	s.HandleEvent(final("hey earshot what's the weather"))
	waitState(t, s, turn.StateFollowUp)

	s.HandleEvent(final("and tomorrow"))
	waitFor(t, "follow-up answered", func() bool { return len(agent.all()) == 2 })
	if got := agent.all()[1]; got != "and tomorrow" {
		t.Fatalf("follow-up query = %q", got)
	}
}

func TestFollowUpWindowExpiresToIdle(t *testing.T) {
	out := &testOutput{auto: true}
	tracker := &recordingTracker{}
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:   &queryRecorder{reply: "ok"},
		Output:  out,
		Tracker: tracker,
	})
	defer s.Close()

	s.HandleEvent(final("hey earshot what's the weather"))
	waitState(t, s, turn.StateFollowUp)
	waitState(t, s, turn.StateIdle)

	reason, ok := tracker.lastReason()
	if !ok || reason != exchange.EndFollowUpTimeout {
		t.Fatalf("end reason = %v, %v", reason, ok)
	}
}

func TestDuplicateActivationDropped(t *testing.T) {
	out := &testOutput{auto: true}
	tracker := &recordingTracker{}
	agent := &queryRecorder{reply: "ok"}
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:   agent,
		Output:  out,
		Tracker: tracker,
	})
	defer s.Close()

	s.HandleEvent(final("hey earshot what's the weather"))
	waitState(t, s, turn.StateFollowUp)
	waitState(t, s, turn.StateIdle)

	// Re-delivered activation with the same query inside the window.
	s.HandleEvent(final("hey earshot what's the weather"))
	time.Sleep(30 * time.Millisecond)

	if got := tracker.startCount(); got != 1 {
		t.Fatalf("exchanges = %d, duplicate should not start a new one", got)
	}
	if s.State() != turn.StateIdle {
		t.Fatalf("state = %v", s.State())
	}
}

func TestSpeakerLockDropsOtherSpeakers(t *testing.T) {
	out := &testOutput{auto: true}
	agent := &queryRecorder{reply: "ok"}
	s := New("dev-1", testConfig(), nil, Collaborators{Turns: agent, Output: out})
	defer s.Close()

	s.HandleEvent(events.RecognitionEvent{
		Text: "hey earshot remind me", IsFinal: true, SpeakerID: "A", ReceivedAt: time.Now(),
	})
	waitState(t, s, turn.StateListening)

	s.HandleEvent(events.RecognitionEvent{
		Text: "to buy milk", IsFinal: true, SpeakerID: "B", ReceivedAt: time.Now(),
	})
	s.HandleEvent(events.RecognitionEvent{
		Text: "to water the plants", IsFinal: true, SpeakerID: "A", ReceivedAt: time.Now(),
	})

	waitFor(t, "agent call", func() bool { return len(agent.all()) == 1 })
	if got := agent.all()[0]; got != "remind me to water the plants" {
		t.Fatalf("query = %q, other speaker must be dropped", got)
	}
}

func TestEmptyTurnPromptsThenCloses(t *testing.T) {
	out := &testOutput{auto: true}
	tracker := &recordingTracker{}
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:   &queryRecorder{reply: "ok"},
		Output:  out,
		Tracker: tracker,
	})
	defer s.Close()

	// Activation with no query; silence fires on an empty turn.
	s.HandleEvent(final("hey earshot"))
	waitState(t, s, turn.StateFollowUp)

	if shown := out.shownTexts(); len(shown) != 1 {
		t.Fatalf("expected repeat prompt on display, got %v", shown)
	}

	// The wearer mumbles: an interim arrives but never finalizes, so the
	// second turn is empty too and hits the threshold.
	s.HandleEvent(interim("um"))
	waitState(t, s, turn.StateListening)
	waitState(t, s, turn.StateIdle)

	waitFor(t, "comprehension close", func() bool {
		reason, ok := tracker.lastReason()
		return ok && reason == exchange.EndComprehensionFailure
	})
	if texts := out.spokenTexts(); len(texts) != 1 {
		t.Fatalf("expected one spoken close, got %v", texts)
	}
}

func TestAgentErrorSpeaksApology(t *testing.T) {
	out := &testOutput{auto: true}
	agent := &queryRecorder{err: errors.New("model down")}
	s := New("dev-1", testConfig(), nil, Collaborators{Turns: agent, Output: out})
	defer s.Close()

	s.HandleEvent(final("hey earshot what's the weather"))
	waitFor(t, "apology", func() bool { return len(out.spokenTexts()) == 1 })

	cfg := testConfig()
	cfg.applyDefaults()
	if got := out.spokenTexts()[0]; got != cfg.Messages.AgentError {
		t.Fatalf("spoken = %q", got)
	}
}

func TestDeviceCommandShortCircuits(t *testing.T) {
	out := &testOutput{auto: true}
	tracker := &recordingTracker{}
	agent := &queryRecorder{reply: "unused"}
	commands := CommandHandlerFunc(func(_ context.Context, cmd classify.Command) (string, error) {
		if cmd != classify.CmdBatteryStatus {
			t.Errorf("cmd = %v", cmd)
		}
		return "Battery is at 80 percent.", nil
	})
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:    agent,
		Commands: commands,
		Output:   out,
		Tracker:  tracker,
	})
	defer s.Close()

	s.HandleEvent(final("hey earshot what's my battery level"))
	waitFor(t, "confirmation", func() bool { return len(out.spokenTexts()) == 1 })
	waitFor(t, "exchange end", func() bool { _, ok := tracker.lastReason(); return ok })
	waitState(t, s, turn.StateIdle)

	if texts := out.spokenTexts(); len(texts) != 1 || texts[0] != "Battery is at 80 percent." {
		t.Fatalf("spoken = %v", texts)
	}
	reason, _ := tracker.lastReason()
	if reason != exchange.EndCommandComplete {
		t.Fatalf("end reason = %v", reason)
	}
	if len(agent.all()) != 0 {
		t.Fatalf("device command must not reach the agent")
	}
}

func TestCloseEndsExchangeWithDisconnect(t *testing.T) {
	out := &testOutput{auto: false}
	tracker := &recordingTracker{}
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:   &queryRecorder{reply: "ok"},
		Output:  out,
		Tracker: tracker,
	})

	s.HandleEvent(final("hey earshot what's the weather"))
	waitState(t, s, turn.StateSpeakingMicLive)

	s.Close()

	reason, ok := tracker.lastReason()
	if !ok || reason != exchange.EndDisconnect {
		t.Fatalf("end reason = %v, %v", reason, ok)
	}
	if s.State() != turn.StateIdle {
		t.Fatalf("state = %v", s.State())
	}
}

func TestNoTimerFiresAfterClose(t *testing.T) {
	out := &testOutput{auto: true}
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:  &queryRecorder{reply: "ok"},
		Output: out,
	})

	s.HandleEvent(final("hey earshot what's the weather"))
	waitState(t, s, turn.StateListening)
	s.Close()

	// Let the silence timer's deadline pass; nothing may move.
	time.Sleep(100 * time.Millisecond)
	if s.State() != turn.StateIdle {
		t.Fatalf("state = %v after close", s.State())
	}
}

func TestMetricsEventStream(t *testing.T) {
	out := &testOutput{auto: true}
	obs := metrics.NewMemoryObserver()
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:    &queryRecorder{reply: "It's sunny."},
		Output:   out,
		Observer: obs,
	})
	defer s.Close()

	s.HandleEvent(final("hey earshot what's the weather"))
	waitFor(t, "playback_done event", func() bool {
		for _, ev := range obs.Snapshot() {
			if ev.Name == "playback_done" {
				return true
			}
		}
		return false
	})

	names := map[string]bool{}
	for _, ev := range obs.Snapshot() {
		names[ev.Name] = true
		if ev.Tags["session_id"] != "dev-1" {
			t.Fatalf("%s missing session_id tag: %v", ev.Name, ev.Tags)
		}
	}
	for _, want := range []string{"exchange_start", "activation_matched", "turn_final", "agent_reply", "playback_done"} {
		if !names[want] {
			t.Fatalf("missing %s event, got %v", want, names)
		}
	}
}

// alwaysVisual marks every query as needing a photo.
type alwaysVisual struct{}

func (alwaysVisual) ClassifyVisual(context.Context, string) (bool, error) { return true, nil }

// slowCamera never beats the capture timeout.
type slowCamera struct{ delay time.Duration }

func (c slowCamera) CapturePhoto(ctx context.Context) (*events.PhotoRef, error) {
	select {
	case <-time.After(c.delay):
		return &events.PhotoRef{Path: "/tmp/late.jpg"}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func TestCaptureTimeoutSpeaksApologyAndSkipsAgent(t *testing.T) {
	out := &testOutput{auto: true}
	agent := &queryRecorder{reply: "unused"}
	resolver := vision.NewResolver(alwaysVisual{}, slowCamera{delay: time.Second}, 30*time.Millisecond, nil)
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:  agent,
		Output: out,
		Vision: resolver,
	})
	defer s.Close()

	s.HandleEvent(final("hey earshot what am I looking at"))
	waitFor(t, "capture apology", func() bool { return len(out.spokenTexts()) == 1 })
	waitState(t, s, turn.StateFollowUp)

	cfg := testConfig()
	cfg.applyDefaults()
	if got := out.spokenTexts()[0]; got != cfg.Messages.CaptureFailure {
		t.Fatalf("spoken = %q", got)
	}
	if calls := agent.all(); len(calls) != 0 {
		t.Fatalf("agent saw a visual turn without its photo: %v", calls)
	}
}

func TestComprehensionCounterResetsOnSuccess(t *testing.T) {
	out := &testOutput{auto: true}
	tracker := &recordingTracker{}
	agent := &queryRecorder{reply: "It's sunny."}
	s := New("dev-1", testConfig(), nil, Collaborators{
		Turns:   agent,
		Output:  out,
		Tracker: tracker,
	})
	defer s.Close()

	// First empty turn: prompt on display, follow-up window opens.
	s.HandleEvent(final("hey earshot"))
	waitState(t, s, turn.StateFollowUp)
	waitFor(t, "first prompt", func() bool { return len(out.shownTexts()) == 1 })

	// A successful turn inside the window resets the failure count.
	s.HandleEvent(final("what's the weather"))
	waitFor(t, "answer", func() bool { return len(out.spokenTexts()) == 1 })
	waitState(t, s, turn.StateFollowUp)

	// The next empty turn is failure one again: prompt, not the spoken close.
	s.HandleEvent(interim("um"))
	waitState(t, s, turn.StateListening)
	waitFor(t, "second prompt", func() bool { return len(out.shownTexts()) == 2 })

	if texts := out.spokenTexts(); len(texts) != 1 {
		t.Fatalf("spoken = %v, close must not fire after a reset", texts)
	}
	if reason, ok := tracker.lastReason(); ok && reason == exchange.EndComprehensionFailure {
		t.Fatalf("comprehension close after the counter was reset")
	}
}

func TestStaleSilenceFireIsIgnored(t *testing.T) {
	out := &testOutput{auto: true}
	agent := &queryRecorder{reply: "ok"}
	s := New("dev-1", testConfig(), nil, Collaborators{Turns: agent, Output: out})
	defer s.Close()

	s.HandleEvent(final("hey earshot remind me"))
	waitState(t, s, turn.StateListening)

	// A fire from a slot that was restarted since carries a dead generation;
	// it must not cut the turn short.
	s.post(message{kind: msgTimer, timer: timerSilence, gen: 0})
	s.HandleEvent(final("to water the plants"))

	waitFor(t, "agent call", func() bool { return len(agent.all()) == 1 })
	if got := agent.all()[0]; got != "remind me to water the plants" {
		t.Fatalf("query = %q, stale fire finalized the turn early", got)
	}
}

func TestSpeechQueuedAheadOfFollowUpRecheckWins(t *testing.T) {
	out := &testOutput{auto: true}
	agent := &queryRecorder{reply: "ok"}
	cfg := testConfig()
	cfg.SilenceTimeout = time.Minute
	cfg.MaxUtterance = time.Minute
	cfg.FollowUpWindow = time.Minute
	s := newSession("dev-1", cfg, nil, Collaborators{Turns: agent, Output: out})
	defer s.cancel()

	// Reach FOLLOW_UP the way a finished playback does.
	s.transition(turn.StateListening, "test setup")
	s.transition(turn.StateProcessing, "test setup")
	s.transition(turn.StateFollowUp, "test setup")
	s.startTimer(&s.followUp, timerFollowUp, time.Minute)

	// Window expiry queues the re-check one cycle behind.
	s.dispatch(message{kind: msgTimer, timer: timerFollowUp, gen: s.followUp.gen})

	// Speech that was already in flight is processed before the re-check.
	s.dispatch(message{kind: msgSpeech, ev: final("and tomorrow")})
	if got := s.machine.State(); got != turn.StateListening {
		t.Fatalf("state = %v after follow-up speech", got)
	}

	recheck := <-s.msgs
	if recheck.kind != msgFollowUpRecheck {
		t.Fatalf("queued message kind = %v", recheck.kind)
	}
	s.dispatch(recheck)

	if got := s.machine.State(); got != turn.StateListening {
		t.Fatalf("state = %v, re-check discarded live speech", got)
	}
	if len(s.parts) != 1 || s.parts[0] != "and tomorrow" {
		t.Fatalf("parts = %v", s.parts)
	}
}
