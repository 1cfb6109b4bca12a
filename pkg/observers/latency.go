package observers

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cclavio/earshot/pkg/metrics"
)

// LatencyObserver stitches per-turn timing out of the engine's event stream
// and logs one latency line per answered turn.
type LatencyObserver struct {
	mu     sync.Mutex
	traces map[string]*trace
	log    *slog.Logger
}

type trace struct {
	activated  time.Time
	turnFinal  time.Time
	agentReply time.Time
	spoken     time.Time
	exchangeID string
}

func NewLatencyObserver(log *slog.Logger) *LatencyObserver {
	if log == nil {
		log = slog.Default()
	}
	return &LatencyObserver{
		traces: make(map[string]*trace),
		log:    log,
	}
}

func (o *LatencyObserver) RecordEvent(ev metrics.MetricsEvent) {
	turnID := ""
	if ev.Tags != nil {
		turnID = ev.Tags["turn_id"]
	}
	if turnID == "" {
		return
	}
	o.mu.Lock()
	t := o.traces[turnID]
	if t == nil {
		t = &trace{}
		o.traces[turnID] = t
	}
	switch ev.Name {
	case "activation_matched", "barge_in":
		if t.activated.IsZero() {
			t.activated = ev.Time
		}
		if t.exchangeID == "" && ev.Tags != nil {
			t.exchangeID = ev.Tags["exchange_id"]
		}
	case "turn_final":
		if t.turnFinal.IsZero() {
			t.turnFinal = ev.Time
		}
		if t.exchangeID == "" && ev.Tags != nil {
			t.exchangeID = ev.Tags["exchange_id"]
		}
	case "agent_reply":
		if t.agentReply.IsZero() {
			t.agentReply = ev.Time
		}
	case "playback_done":
		t.spoken = ev.Time
	}
	if !t.spoken.IsZero() {
		o.logTurnLocked(turnID, t)
		delete(o.traces, turnID)
	}
	o.mu.Unlock()
}

func (o *LatencyObserver) logTurnLocked(turnID string, t *trace) {
	listenMs := durationMs(t.activated, t.turnFinal)
	agentMs := durationMs(t.turnFinal, t.agentReply)
	speakMs := durationMs(t.agentReply, t.spoken)
	totalMs := durationMs(t.turnFinal, t.spoken)
	o.log.Info("latency",
		"turn_id", turnID,
		"exchange_id", t.exchangeID,
		"listen_ms", listenMs,
		"agent_ms", agentMs,
		"speak_ms", speakMs,
		"answer_ms", totalMs,
	)
}

func durationMs(a, b time.Time) int64 {
	if a.IsZero() || b.IsZero() {
		return -1
	}
	return b.Sub(a).Milliseconds()
}
