package playback

import (
	"log/slog"
	"sync"
	"time"

	"github.com/cclavio/earshot/pkg/errorsx"
)

// StopReason tells the output hardware why playback is being cancelled.
type StopReason string

const (
	StopBargeIn  StopReason = "barge_in"
	StopTeardown StopReason = "teardown"
)

// Output is the device audio/display boundary. Speak returns a channel that
// closes when the audio finishes or is cancelled; implementations must close
// it in both cases.
type Output interface {
	Speak(text string) (<-chan struct{}, error)
	Stop(reason StopReason)
	ShowText(text string, duration time.Duration)
}

// Pending pairs a response text with its playback-completion signal. The Done
// channel is the synchronization point between "model answered" and "audio
// finished speaking".
type Pending struct {
	Text string
	Done <-chan struct{}
}

// Controller drives audio output for one session and records barge-in
// interrupts during playback. The state machine only needs to know whether
// the interrupt flag was set when Done resolved, not why it resolved.
type Controller struct {
	out Output
	log *slog.Logger

	mu          sync.Mutex
	playing     bool
	interrupted bool
}

func NewController(out Output, log *slog.Logger) *Controller {
	if log == nil {
		log = slog.Default()
	}
	return &Controller{out: out, log: log}
}

// Play starts speaking text, clearing any previous interrupt flag.
func (c *Controller) Play(text string) (Pending, error) {
	done, err := c.out.Speak(text)
	if err != nil {
		return Pending{}, errorsx.Wrap(err, errorsx.ReasonPlayback)
	}
	c.mu.Lock()
	c.playing = true
	c.interrupted = false
	c.mu.Unlock()
	return Pending{Text: text, Done: done}, nil
}

// Interrupt cancels in-flight playback because the wearer spoke over it.
// Returns true when playback was actually active.
func (c *Controller) Interrupt() bool {
	c.mu.Lock()
	active := c.playing
	if active {
		c.interrupted = true
		c.playing = false
	}
	c.mu.Unlock()
	if active {
		c.out.Stop(StopBargeIn)
		c.log.Debug("playback interrupted")
	}
	return active
}

// Finish marks natural completion of playback.
func (c *Controller) Finish() {
	c.mu.Lock()
	c.playing = false
	c.mu.Unlock()
}

// Interrupted reports whether the last playback was cut off by barge-in.
func (c *Controller) Interrupted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.interrupted
}

// ShowText forwards display-only text to the device.
func (c *Controller) ShowText(text string, duration time.Duration) {
	c.out.ShowText(text, duration)
}

// StopAll cancels playback on teardown without touching the interrupt flag.
func (c *Controller) StopAll(reason StopReason) {
	c.mu.Lock()
	active := c.playing
	c.playing = false
	c.mu.Unlock()
	if active {
		c.out.Stop(reason)
	}
}
