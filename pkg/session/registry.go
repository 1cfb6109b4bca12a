package session

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cclavio/earshot/pkg/logging"
)

// Factory builds a session for a newly attached device.
type Factory func(id string) *Session

// Registry owns the live sessions, keyed by session id. Attach creates on
// first sight; Detach starts a grace timer so a flaky link that re-attaches
// quickly keeps its conversation state instead of starting cold.
type Registry struct {
	factory  Factory
	grace    time.Duration
	log      *slog.Logger
	sessions sync.Map // id -> *entry
	count    atomic.Int64
	draining atomic.Bool
	empty    chan struct{}
	emptyMu  sync.Mutex
}

type entry struct {
	sess *Session

	mu         sync.Mutex
	detachGen  uint64
	detaching  bool
	graceTimer *time.Timer
}

// DefaultDetachGrace keeps a detached session warm long enough to survive a
// brief radio dropout.
const DefaultDetachGrace = 15 * time.Second

func NewRegistry(factory Factory, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = DefaultDetachGrace
	}
	return &Registry{
		factory: factory,
		grace:   grace,
		log:     logging.NewComponentLogger(slog.Default(), "registry"),
	}
}

// Attach returns the session for id, creating it if needed. A pending
// soft-detach for the same id is cancelled.
func (r *Registry) Attach(id string) *Session {
	if r.draining.Load() {
		return nil
	}
	if v, ok := r.sessions.Load(id); ok {
		e := v.(*entry)
		e.cancelDetach()
		return e.sess
	}
	e := &entry{sess: r.factory(id)}
	if actual, loaded := r.sessions.LoadOrStore(id, e); loaded {
		// Lost the race; discard ours.
		e.sess.Close()
		got := actual.(*entry)
		got.cancelDetach()
		return got.sess
	}
	r.count.Add(1)
	r.log.Info("session attached", "session_id", id)
	return e.sess
}

// Get returns the session for id without creating one.
func (r *Registry) Get(id string) (*Session, bool) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry).sess, true
}

// Detach schedules destruction after the grace period. Re-attaching within
// the window cancels it.
func (r *Registry) Detach(id string) {
	v, ok := r.sessions.Load(id)
	if !ok {
		return
	}
	e := v.(*entry)

	e.mu.Lock()
	e.detachGen++
	gen := e.detachGen
	e.detaching = true
	if e.graceTimer != nil {
		e.graceTimer.Stop()
	}
	e.graceTimer = time.AfterFunc(r.grace, func() {
		e.mu.Lock()
		stale := gen != e.detachGen || !e.detaching
		e.mu.Unlock()
		if stale {
			return
		}
		r.Remove(id)
	})
	e.mu.Unlock()
	r.log.Info("session detach grace started", "session_id", id, "grace", r.grace)
}

// Remove destroys the session immediately.
func (r *Registry) Remove(id string) {
	v, ok := r.sessions.LoadAndDelete(id)
	if !ok {
		return
	}
	e := v.(*entry)
	e.cancelDetach()
	e.sess.Close()
	r.log.Info("session removed", "session_id", id)
	if r.count.Add(-1) == 0 {
		r.signalEmpty()
	}
}

// Count returns the number of live sessions, including detach-pending ones.
func (r *Registry) Count() int { return int(r.count.Load()) }

// CloseAll destroys every session and rejects new attaches.
func (r *Registry) CloseAll() {
	r.draining.Store(true)
	r.sessions.Range(func(key, _ any) bool {
		r.Remove(key.(string))
		return true
	})
}

// Draining reports whether CloseAll has started.
func (r *Registry) Draining() bool { return r.draining.Load() }

// WaitForEmpty blocks until every session is gone or the timeout elapses.
func (r *Registry) WaitForEmpty(timeout time.Duration) bool {
	if r.count.Load() == 0 {
		return true
	}
	r.emptyMu.Lock()
	if r.empty == nil {
		r.empty = make(chan struct{})
	}
	ch := r.empty
	r.emptyMu.Unlock()

	if r.count.Load() == 0 {
		return true
	}
	select {
	case <-ch:
		return true
	case <-time.After(timeout):
		return r.count.Load() == 0
	}
}

func (r *Registry) signalEmpty() {
	r.emptyMu.Lock()
	if r.empty != nil {
		close(r.empty)
		r.empty = nil
	}
	r.emptyMu.Unlock()
}

func (e *entry) cancelDetach() {
	e.mu.Lock()
	e.detachGen++
	e.detaching = false
	if e.graceTimer != nil {
		e.graceTimer.Stop()
		e.graceTimer = nil
	}
	e.mu.Unlock()
}
