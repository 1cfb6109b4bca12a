package turn

import (
	"sync/atomic"
	"time"
)

// StateChange represents a state transition event.
type StateChange struct {
	From   State
	To     State
	At     time.Time
	Reason string
}

// StateListener observes turn state changes.
type StateListener interface {
	OnStateChange(event StateChange)
}

// Machine is the turn-taking finite state machine for one session.
//
// Transitions must only be driven from the session's event loop; the machine
// performs no locking of its own. The current state is stored atomically so
// other goroutines may observe it through State().
type Machine struct {
	current   atomic.Int32
	listeners []StateListener
}

func NewMachine() *Machine {
	m := &Machine{}
	m.current.Store(int32(StateIdle))
	return m
}

// State returns the current state. Safe to call from any goroutine.
func (m *Machine) State() State {
	return State(m.current.Load())
}

var validTransitions = map[State][]State{
	StateIdle:       {StateListening},
	StateListening:  {StateProcessing, StateFollowUp, StateIdle},
	StateProcessing: {StateSpeakingMicLive, StateFollowUp, StateIdle},
	// Speaking goes straight back to LISTENING on barge-in, skipping FOLLOW_UP.
	StateSpeakingMicLive: {StateFollowUp, StateListening, StateIdle},
	StateFollowUp:        {StateListening, StateProcessing, StateIdle},
}

// Transition moves to a new state, rejecting transitions absent from the
// table. An invalid transition is a programming error in the caller.
func (m *Machine) Transition(to State, reason string) error {
	from := m.State()
	if !transitionValid(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	m.current.Store(int32(to))
	event := StateChange{From: from, To: to, At: time.Now(), Reason: reason}
	for _, l := range m.listeners {
		l.OnStateChange(event)
	}
	return nil
}

// ForceIdle unconditionally returns the machine to IDLE. Used on session
// teardown where the ordinary transition table does not apply.
func (m *Machine) ForceIdle(reason string) {
	from := m.State()
	if from == StateIdle {
		return
	}
	m.current.Store(int32(StateIdle))
	event := StateChange{From: from, To: StateIdle, At: time.Now(), Reason: reason}
	for _, l := range m.listeners {
		l.OnStateChange(event)
	}
}

// AddListener registers a listener for state change events. Must be called
// before the session loop starts.
func (m *Machine) AddListener(listener StateListener) {
	m.listeners = append(m.listeners, listener)
}

func transitionValid(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// InvalidTransitionError represents an invalid state transition attempt.
type InvalidTransitionError struct {
	From State
	To   State
}

func (e *InvalidTransitionError) Error() string {
	return "invalid state transition from " + e.From.String() + " to " + e.To.String()
}
