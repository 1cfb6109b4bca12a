package session

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cclavio/earshot/pkg/activation"
	"github.com/cclavio/earshot/pkg/classify"
	"github.com/cclavio/earshot/pkg/errorsx"
	"github.com/cclavio/earshot/pkg/events"
	"github.com/cclavio/earshot/pkg/exchange"
	"github.com/cclavio/earshot/pkg/logging"
	"github.com/cclavio/earshot/pkg/metrics"
	"github.com/cclavio/earshot/pkg/playback"
	"github.com/cclavio/earshot/pkg/redact"
	"github.com/cclavio/earshot/pkg/turn"
)

// Session is the turn-taking actor for one connected wearer. Every input
// (recognition events, timer fires, orchestration completions) is a message
// into a single event loop, so all transitions happen at one call site and
// no timer can fire into an unrelated state.
type Session struct {
	ID string

	cfg        Config
	collab     Collaborators
	matcher    *activation.Matcher
	machine    *turn.Machine
	controller *playback.Controller
	dup        *classify.DuplicateDetector
	log        *slog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	msgs      chan message
	done      chan struct{}
	closeOnce sync.Once

	// Loop-owned state; touched only from the event loop goroutine.
	parts          []string
	utteranceStart time.Time
	lockedSpeaker  string
	exchangeID     string
	turnID         string
	comprehension  int
	closingReason  exchange.EndReason
	silence        timerSlot
	maxDur         timerSlot
	followUp       timerSlot
	playGen        uint64
	orchGen        uint64
}

type msgKind int

const (
	msgSpeech msgKind = iota
	msgTimer
	msgFollowUpRecheck
	msgOrchestrated
	msgPlaybackDone
)

type timerKind int

const (
	timerSilence timerKind = iota
	timerMaxDuration
	timerFollowUp
)

type orchestration struct {
	gen           uint64
	text          string
	err           error
	command       bool
	captureFailed bool
}

type message struct {
	kind   msgKind
	ev     events.RecognitionEvent
	timer  timerKind
	gen    uint64
	result orchestration
}

// timerSlot is a single-shot timer with a generation stamp. Restarting or
// stopping the slot bumps the generation so an already-fired callback whose
// message is still in flight gets ignored.
type timerSlot struct {
	timer  *time.Timer
	gen    uint64
	active bool
}

func New(id string, cfg Config, matcher *activation.Matcher, collab Collaborators) *Session {
	s := newSession(id, cfg, matcher, collab)
	go s.loop()
	return s
}

// newSession builds the session without starting its loop; tests drive
// dispatch directly to pin down message interleavings.
func newSession(id string, cfg Config, matcher *activation.Matcher, collab Collaborators) *Session {
	cfg.applyDefaults()
	if matcher == nil {
		matcher = activation.NewMatcher(nil)
	}
	if collab.Tracker == nil {
		collab.Tracker = exchange.NopTracker{}
	}
	if collab.Observer == nil {
		collab.Observer = metrics.NoopObserver{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:         id,
		cfg:        cfg,
		collab:     collab,
		matcher:    matcher,
		machine:    turn.NewMachine(),
		controller: playback.NewController(collab.Output, nil),
		dup:        classify.NewDuplicateDetector(cfg.DuplicateWindow),
		log:        logging.NewComponentLogger(slog.Default(), "session").With("session_id", id),
		ctx:        ctx,
		cancel:     cancel,
		msgs:       make(chan message, 128),
		done:       make(chan struct{}),
	}
	return s
}

// State returns the current turn-taking state. Safe from any goroutine.
func (s *Session) State() turn.State { return s.machine.State() }

// HandleEvent feeds one recognition event into the session.
func (s *Session) HandleEvent(ev events.RecognitionEvent) {
	s.post(message{kind: msgSpeech, ev: ev})
}

// Close tears the session down: in-flight awaits observe the cancelled
// context and short-circuit without touching audio or timers.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

func (s *Session) post(m message) {
	select {
	case s.msgs <- m:
	case <-s.ctx.Done():
	}
}

func (s *Session) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.ctx.Done():
			s.teardown()
			return
		case m := <-s.msgs:
			s.dispatch(m)
		}
	}
}

func (s *Session) dispatch(m message) {
	switch m.kind {
	case msgSpeech:
		s.onSpeech(m.ev)
	case msgTimer:
		s.onTimer(m.timer, m.gen)
	case msgFollowUpRecheck:
		s.onFollowUpRecheck(m.gen)
	case msgOrchestrated:
		s.onOrchestrated(m.result)
	case msgPlaybackDone:
		s.onPlaybackDone(m.gen)
	}
}

// --- recognition events ---

func (s *Session) onSpeech(ev events.RecognitionEvent) {
	switch s.machine.State() {
	case turn.StateIdle:
		s.onIdleSpeech(ev)
	case turn.StateListening:
		s.onListeningSpeech(ev)
	case turn.StateSpeakingMicLive:
		s.onSpeakingSpeech(ev)
	case turn.StateFollowUp:
		s.onFollowUpSpeech(ev)
	case turn.StateProcessing:
		// Recognizer is logically off while a turn is being answered.
	}
}

func (s *Session) onIdleSpeech(ev events.RecognitionEvent) {
	if !ev.IsFinal || strings.TrimSpace(ev.Text) == "" {
		return
	}
	match := s.matcher.Match(ev.Text)
	if !match.Matched {
		return
	}
	if s.dup.IsDuplicate(match.Remainder, ev.ReceivedAt) {
		s.record("duplicate_dropped", nil)
		s.log.Debug("dropped duplicate activation")
		return
	}
	s.exchangeID = uuid.NewString()
	s.collab.Tracker.StartExchange(s.exchangeID)
	s.record("exchange_start", nil)

	s.turnID = uuid.NewString()
	s.lockedSpeaker = ev.SpeakerID
	s.parts = s.parts[:0]
	if r := strings.TrimSpace(match.Remainder); r != "" {
		s.parts = append(s.parts, r)
	}
	s.utteranceStart = ev.ReceivedAt
	s.transition(turn.StateListening, "activation matched")
	s.startTimer(&s.silence, timerSilence, s.cfg.SilenceTimeout)
	s.startTimer(&s.maxDur, timerMaxDuration, s.cfg.MaxUtterance)
	s.record("activation_matched", map[string]string{"phrase": match.Phrase})
}

func (s *Session) onListeningSpeech(ev events.RecognitionEvent) {
	if s.speakerBlocked(ev) {
		return
	}
	text := strings.TrimSpace(s.matcher.Strip(ev.Text))
	if text == "" {
		return
	}
	// Interim results only prove the wearer is still talking; text is
	// accumulated from finals so growing partials don't stack up.
	if ev.IsFinal {
		s.parts = append(s.parts, text)
	}
	s.startTimer(&s.silence, timerSilence, s.cfg.SilenceTimeout)
}

func (s *Session) onSpeakingSpeech(ev events.RecognitionEvent) {
	// Barge-in: the mic stays live during playback and a final event is an
	// interrupt, not noise to ignore.
	if !ev.IsFinal || s.speakerBlocked(ev) {
		return
	}
	text := strings.TrimSpace(s.matcher.Strip(ev.Text))
	if text == "" {
		return
	}
	if s.closingReason != "" {
		// Goodbye is already playing; the exchange is over either way.
		return
	}
	s.controller.Interrupt()
	s.playGen++ // the pending playbackDone is now stale
	s.record("barge_in", nil)

	s.turnID = uuid.NewString()
	s.parts = append(s.parts[:0], text)
	s.utteranceStart = ev.ReceivedAt
	s.transition(turn.StateListening, "barge-in")
	s.startTimer(&s.silence, timerSilence, s.cfg.SilenceTimeout)
	s.startTimer(&s.maxDur, timerMaxDuration, s.cfg.MaxUtterance)
}

func (s *Session) onFollowUpSpeech(ev events.RecognitionEvent) {
	if s.speakerBlocked(ev) {
		return
	}
	text := strings.TrimSpace(s.matcher.Strip(ev.Text))
	if text == "" {
		return
	}
	// Any speech in the window resumes listening; no activation required.
	s.stopTimer(&s.followUp)
	s.turnID = uuid.NewString()
	s.parts = s.parts[:0]
	if ev.IsFinal {
		s.parts = append(s.parts, text)
	}
	if s.lockedSpeaker == "" {
		s.lockedSpeaker = ev.SpeakerID
	}
	s.utteranceStart = ev.ReceivedAt
	s.transition(turn.StateListening, "follow-up speech")
	s.startTimer(&s.silence, timerSilence, s.cfg.SilenceTimeout)
	s.startTimer(&s.maxDur, timerMaxDuration, s.cfg.MaxUtterance)
}

func (s *Session) speakerBlocked(ev events.RecognitionEvent) bool {
	return s.lockedSpeaker != "" && ev.SpeakerID != s.lockedSpeaker
}

// --- timers ---

func (s *Session) startTimer(slot *timerSlot, kind timerKind, d time.Duration) {
	s.stopTimer(slot)
	slot.gen++
	slot.active = true
	gen := slot.gen
	slot.timer = time.AfterFunc(d, func() {
		s.post(message{kind: msgTimer, timer: kind, gen: gen})
	})
}

func (s *Session) stopTimer(slot *timerSlot) {
	if slot.timer != nil {
		slot.timer.Stop()
		slot.timer = nil
	}
	slot.gen++
	slot.active = false
}

func (s *Session) onTimer(kind timerKind, gen uint64) {
	switch kind {
	case timerSilence:
		if gen != s.silence.gen || !s.silence.active {
			return
		}
		s.silence.active = false
		if s.machine.State() == turn.StateListening {
			s.finalizeTurn("silence")
		}
	case timerMaxDuration:
		if gen != s.maxDur.gen || !s.maxDur.active {
			return
		}
		s.maxDur.active = false
		if s.machine.State() == turn.StateListening {
			s.finalizeTurn("max_duration")
		}
	case timerFollowUp:
		if gen != s.followUp.gen || !s.followUp.active {
			return
		}
		s.followUp.active = false
		if s.machine.State() == turn.StateFollowUp {
			// Defer the IDLE decision one loop cycle: speech queued in the
			// same tick gets processed before the re-check commits.
			s.postFromLoop(message{kind: msgFollowUpRecheck, gen: gen})
		}
	}
}

// postFromLoop must not block the loop on its own channel; when the buffer
// is full the message is handled inline, losing only the one-cycle defer.
func (s *Session) postFromLoop(m message) {
	select {
	case s.msgs <- m:
	default:
		s.dispatch(m)
	}
}

func (s *Session) onFollowUpRecheck(gen uint64) {
	if gen != s.followUp.gen {
		return // a new follow-up window opened since the fire
	}
	if s.machine.State() != turn.StateFollowUp {
		return // speech arrived during the defer and was processed
	}
	if len(s.parts) > 0 {
		// Text appeared during the defer; process it instead of discarding.
		s.transition(turn.StateListening, "deferred follow-up text")
		s.finalizeTurn("follow_up_recheck")
		return
	}
	s.endExchange(exchange.EndFollowUpTimeout)
	s.toIdle("follow-up window expired")
}

// --- turn finalization and classification ---

func (s *Session) finalizeTurn(cause string) {
	s.stopTimer(&s.silence)
	s.stopTimer(&s.maxDur)

	text := strings.TrimSpace(strings.Join(s.parts, " "))
	s.parts = s.parts[:0]

	if text == "" {
		s.comprehensionFailure("empty_turn")
		return
	}
	s.dup.MarkProcessed(text, time.Now())
	s.record("turn_final", map[string]string{
		"cause":       cause,
		"query":       redact.Text(text),
		"listened_ms": strconv.FormatInt(time.Since(s.utteranceStart).Milliseconds(), 10),
	})

	switch classify.DetectCloser(text) {
	case classify.CloserGratitude:
		s.comprehension = 0
		s.transition(turn.StateProcessing, "gratitude closer")
		s.speakFinal(s.cfg.Messages.Acknowledgment, exchange.EndGratitude)
		return
	case classify.CloserDismissal:
		s.comprehension = 0
		s.endExchange(exchange.EndDismissal)
		s.toIdle("dismissal closer")
		return
	}

	if cmd, ok := classify.DeviceCommand(text); ok {
		s.transition(turn.StateProcessing, "device command")
		s.startCommand(cmd)
		return
	}

	s.transition(turn.StateProcessing, "query")
	s.startQuery(text)
}

func (s *Session) comprehensionFailure(kind string) {
	s.comprehension++
	s.record("comprehension_failure", map[string]string{"kind": kind, "count": strconv.Itoa(s.comprehension)})
	if s.comprehension >= s.cfg.ComprehensionThreshold {
		s.transition(turn.StateProcessing, "comprehension threshold")
		s.speakFinal(s.cfg.Messages.ComprehensionClose, exchange.EndComprehensionFailure)
		return
	}
	// Second chance: show the prompt and open a follow-up window.
	s.controller.ShowText(s.cfg.Messages.RepeatPrompt, 4*time.Second)
	s.transition(turn.StateFollowUp, "empty turn retry")
	s.startTimer(&s.followUp, timerFollowUp, s.cfg.FollowUpWindow)
}

// --- orchestration (device commands and agent turns) ---

func (s *Session) startCommand(cmd classify.Command) {
	s.record("device_command", map[string]string{"command": cmd.String()})
	s.orchGen++
	gen := s.orchGen
	handler := s.collab.Commands
	go func() {
		var text string
		var err error
		if handler == nil {
			err = errorsx.Wrap(errNoHandler, errorsx.ReasonCommandExecute)
		} else {
			text, err = handler.HandleCommand(s.ctx, cmd)
			err = errorsx.Wrap(err, errorsx.ReasonCommandExecute)
		}
		s.post(message{kind: msgOrchestrated, result: orchestration{gen: gen, text: text, err: err, command: true}})
	}()
}

func (s *Session) startQuery(query string) {
	s.orchGen++
	gen := s.orchGen
	speaker := s.lockedSpeaker
	turnID := s.turnID
	if s.collab.Turns == nil {
		s.postFromLoop(message{kind: msgOrchestrated, result: orchestration{gen: gen, err: errorsx.Wrap(errNoHandler, errorsx.ReasonAgentGenerate)}})
		return
	}
	go func() {
		t := events.Turn{ID: turnID, Query: query, SpeakerID: speaker}
		if s.collab.Vision != nil {
			res, err := s.collab.Vision.Resolve(s.ctx, query)
			if err != nil {
				if errorsx.HasReason(err, errorsx.ReasonSessionDestroyed) {
					return
				}
				// A visual turn without its photo must not reach the agent.
				s.post(message{kind: msgOrchestrated, result: orchestration{gen: gen, captureFailed: true, err: err}})
				return
			}
			t.IsVisual = res.IsVisual
			t.Photo = res.Photo
		}

		if s.collab.Breaker != nil && !s.collab.Breaker.Allow() {
			s.post(message{kind: msgOrchestrated, result: orchestration{gen: gen, err: errorsx.Wrap(errAgentUnavailable, errorsx.ReasonAgentUnavailable)}})
			return
		}
		text, err := s.collab.Turns.HandleTurn(s.ctx, t)
		if s.collab.Breaker != nil {
			if err != nil {
				s.collab.Breaker.OnError(err)
			} else {
				s.collab.Breaker.OnSuccess()
			}
		}
		err = errorsx.Wrap(err, errorsx.ReasonAgentGenerate)
		s.post(message{kind: msgOrchestrated, result: orchestration{gen: gen, text: text, err: err}})
	}()
}

func (s *Session) onOrchestrated(o orchestration) {
	if o.gen != s.orchGen {
		return
	}
	if s.machine.State() != turn.StateProcessing {
		return
	}
	if o.captureFailed {
		s.record("capture_failed", nil)
		s.log.Warn("photo capture failed for visual turn", "error", o.err)
		s.speak(s.cfg.Messages.CaptureFailure)
		return
	}
	if o.err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.log.Warn("orchestrator failure",
			"reason", string(errorsx.Reason(o.err)), "error", o.err)
		s.comprehensionSpokenFailure()
		return
	}
	if o.command {
		s.comprehension = 0
		// Device commands short-circuit back to IDLE after confirmation.
		s.closingReason = exchange.EndCommandComplete
		s.speak(o.text)
		return
	}
	if classify.IsConfusedReply(o.text) {
		s.comprehension++
		s.record("comprehension_failure", map[string]string{"kind": "confused_reply", "count": strconv.Itoa(s.comprehension)})
		if s.comprehension >= s.cfg.ComprehensionThreshold {
			s.speakFinal(s.cfg.Messages.ComprehensionClose, exchange.EndComprehensionFailure)
			return
		}
	} else {
		s.comprehension = 0
	}
	s.record("agent_reply", nil)
	s.speak(o.text)
}

func (s *Session) comprehensionSpokenFailure() {
	s.comprehension++
	if s.comprehension >= s.cfg.ComprehensionThreshold {
		s.speakFinal(s.cfg.Messages.ComprehensionClose, exchange.EndComprehensionFailure)
		return
	}
	s.speak(s.cfg.Messages.AgentError)
}

// --- playback ---

func (s *Session) speak(text string) {
	pending, err := s.controller.Play(text)
	if err != nil {
		s.log.Error("playback failed", "error", err)
		s.afterPlayback()
		return
	}
	s.transition(turn.StateSpeakingMicLive, "speaking")
	s.playGen++
	gen := s.playGen
	done := pending.Done
	go func() {
		select {
		case <-done:
		case <-s.ctx.Done():
			return
		}
		s.post(message{kind: msgPlaybackDone, gen: gen})
	}()
}

// speakFinal speaks one last message and ends the exchange once playback
// completes.
func (s *Session) speakFinal(text string, reason exchange.EndReason) {
	s.closingReason = reason
	s.speak(text)
}

func (s *Session) onPlaybackDone(gen uint64) {
	if gen != s.playGen {
		return // superseded by barge-in
	}
	if s.machine.State() != turn.StateSpeakingMicLive {
		return
	}
	s.controller.Finish()
	s.record("playback_done", nil)
	s.afterPlayback()
}

func (s *Session) afterPlayback() {
	if s.closingReason != "" {
		reason := s.closingReason
		s.closingReason = ""
		s.endExchange(reason)
		s.toIdle("exchange closed")
		return
	}
	s.parts = s.parts[:0]
	s.transition(turn.StateFollowUp, "playback complete")
	s.startTimer(&s.followUp, timerFollowUp, s.cfg.FollowUpWindow)
}

// --- lifecycle ---

func (s *Session) endExchange(reason exchange.EndReason) {
	if s.exchangeID == "" {
		return
	}
	s.collab.Tracker.EndExchange(s.exchangeID, reason)
	s.record("exchange_end", map[string]string{"reason": string(reason)})
	s.exchangeID = ""
	s.comprehension = 0
}

func (s *Session) toIdle(reason string) {
	s.stopTimer(&s.silence)
	s.stopTimer(&s.maxDur)
	s.stopTimer(&s.followUp)
	s.parts = s.parts[:0]
	s.lockedSpeaker = ""
	s.closingReason = ""
	s.turnID = ""
	s.transition(turn.StateIdle, reason)
}

func (s *Session) teardown() {
	s.stopTimer(&s.silence)
	s.stopTimer(&s.maxDur)
	s.stopTimer(&s.followUp)
	s.controller.StopAll(playback.StopTeardown)
	if s.exchangeID != "" {
		s.endExchange(exchange.EndDisconnect)
	}
	s.machine.ForceIdle("session destroyed")
	s.log.Info("session destroyed")
}

func (s *Session) transition(to turn.State, reason string) {
	if err := s.machine.Transition(to, reason); err != nil {
		// Unreachable by construction; loud because it means a bug here.
		s.log.Error("invalid state transition", "error", err, "reason", reason)
	}
}

func (s *Session) record(name string, tags map[string]string) {
	if s.collab.Observer == nil {
		return
	}
	all := map[string]string{
		"session_id":  s.ID,
		"exchange_id": s.exchangeID,
		"turn_id":     s.turnID,
	}
	for k, v := range tags {
		all[k] = v
	}
	s.collab.Observer.RecordEvent(metrics.MetricsEvent{Name: name, Time: time.Now(), Tags: all})
}
