package session

import "time"

// Config holds per-session turn-taking knobs.
type Config struct {
	// SilenceTimeout ends a turn after this much quiet while listening.
	// Reset on every recognition event.
	SilenceTimeout time.Duration
	// MaxUtterance is a safety net against runaway listening. Never reset.
	MaxUtterance time.Duration
	// FollowUpWindow is how long after a response a new turn can start
	// without the activation phrase.
	FollowUpWindow time.Duration
	// DuplicateWindow suppresses re-delivered activations.
	DuplicateWindow time.Duration
	// ComprehensionThreshold forces a graceful close after this many
	// consecutive comprehension failures.
	ComprehensionThreshold int
	Messages               Messages
}

// Messages are the short spoken/displayed texts the engine owns.
type Messages struct {
	Acknowledgment     string
	RepeatPrompt       string
	CaptureFailure     string
	AgentError         string
	ComprehensionClose string
}

func (c *Config) applyDefaults() {
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = 2 * time.Second
	}
	if c.MaxUtterance <= 0 {
		c.MaxUtterance = 30 * time.Second
	}
	if c.FollowUpWindow <= 0 {
		c.FollowUpWindow = 10 * time.Second
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 10 * time.Second
	}
	if c.ComprehensionThreshold <= 0 {
		c.ComprehensionThreshold = 2
	}
	if c.Messages.Acknowledgment == "" {
		c.Messages.Acknowledgment = "You're welcome!"
	}
	if c.Messages.RepeatPrompt == "" {
		c.Messages.RepeatPrompt = "Sorry, I didn't catch that."
	}
	if c.Messages.CaptureFailure == "" {
		c.Messages.CaptureFailure = "I couldn't capture a photo for that, so I'll hold off on answering."
	}
	if c.Messages.AgentError == "" {
		c.Messages.AgentError = "Something went wrong answering that."
	}
	if c.Messages.ComprehensionClose == "" {
		c.Messages.ComprehensionClose = "I keep missing you, so I'll stop here. Say the wake word when you need me."
	}
}
