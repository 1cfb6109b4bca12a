package exchange

import "log/slog"

// EndReason says why an exchange ended.
type EndReason string

const (
	EndGratitude            EndReason = "closer_gratitude"
	EndDismissal            EndReason = "closer_dismissal"
	EndFollowUpTimeout      EndReason = "follow_up_timeout"
	EndComprehensionFailure EndReason = "comprehension_failure"
	EndDisconnect           EndReason = "session_disconnect"
	EndCommandComplete      EndReason = "command_complete"
)

// Tracker is notified at exchange boundaries. Implementations typically
// persist conversation history; that is outside this engine.
type Tracker interface {
	StartExchange(id string)
	EndExchange(id string, reason EndReason)
}

// LogTracker is the default tracker; it only logs boundaries.
type LogTracker struct {
	log *slog.Logger
}

func NewLogTracker(log *slog.Logger) *LogTracker {
	if log == nil {
		log = slog.Default()
	}
	return &LogTracker{log: log}
}

func (t *LogTracker) StartExchange(id string) {
	t.log.Info("exchange_start", "exchange_id", id)
}

func (t *LogTracker) EndExchange(id string, reason EndReason) {
	t.log.Info("exchange_end", "exchange_id", id, "reason", string(reason))
}

// NopTracker ignores all notifications.
type NopTracker struct{}

func (NopTracker) StartExchange(string)          {}
func (NopTracker) EndExchange(string, EndReason) {}

var _ Tracker = (*LogTracker)(nil)
var _ Tracker = NopTracker{}
