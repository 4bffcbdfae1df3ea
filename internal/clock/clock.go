// Package clock owns every timer used by the streaming core. Components
// never call time.AfterFunc directly; they schedule through a Scheduler
// so that pending timers are cancelled together when the component is
// disposed, and so tests can drive time with a Fake clock.
package clock

import (
	"sync"
	"time"
)

// Clock is the time source a Scheduler draws from.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f in its own goroutine (Real) or synchronously
	// during Advance (Fake) once d has elapsed.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call.
type Timer interface {
	// Stop reports whether the call was prevented.
	Stop() bool
}

// Real returns the wall clock.
func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Handle identifies a task registered with a Scheduler.
type Handle struct {
	s *Scheduler

	mu        sync.Mutex
	timer     Timer
	cancelled bool
}

// Cancel stops the task. It reports whether a pending run was prevented.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	h.mu.Lock()
	if h.cancelled {
		h.mu.Unlock()
		return false
	}
	h.cancelled = true
	t := h.timer
	h.mu.Unlock()

	h.s.forget(h)
	if t == nil {
		return false
	}
	return t.Stop()
}

func (h *Handle) active() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.cancelled
}

// Scheduler hands out timers that it keeps track of until they fire or
// are cancelled. Close cancels everything still pending.
type Scheduler struct {
	clock Clock

	mu      sync.Mutex
	pending map[*Handle]struct{}
	closed  bool
}

// NewScheduler returns a scheduler backed by c. A nil clock means Real().
func NewScheduler(c Clock) *Scheduler {
	if c == nil {
		c = Real()
	}
	return &Scheduler{
		clock:   c,
		pending: make(map[*Handle]struct{}),
	}
}

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Clock returns the clock backing s.
func (s *Scheduler) Clock() Clock { return s.clock }

// After runs f once after d. On a closed scheduler the returned handle is
// already cancelled and f never runs.
func (s *Scheduler) After(d time.Duration, f func()) *Handle {
	h := &Handle{s: s}
	if !s.track(h) {
		h.cancelled = true
		return h
	}

	h.mu.Lock()
	h.timer = s.clock.AfterFunc(d, func() {
		if !h.active() {
			return
		}
		h.mu.Lock()
		h.cancelled = true
		h.mu.Unlock()
		s.forget(h)
		f()
	})
	h.mu.Unlock()
	return h
}

// Every runs f repeatedly, d apart, until the handle is cancelled or the
// scheduler is closed. The next run is scheduled after f returns.
func (s *Scheduler) Every(d time.Duration, f func()) *Handle {
	h := &Handle{s: s}
	if !s.track(h) {
		h.cancelled = true
		return h
	}

	var tick func()
	tick = func() {
		if !h.active() {
			return
		}
		f()
		h.mu.Lock()
		if !h.cancelled {
			h.timer = s.clock.AfterFunc(d, tick)
		}
		h.mu.Unlock()
	}

	h.mu.Lock()
	h.timer = s.clock.AfterFunc(d, tick)
	h.mu.Unlock()
	return h
}

// Pending returns how many tasks are still scheduled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every pending task. Later After/Every calls are no-ops.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.closed = true
	handles := make([]*Handle, 0, len(s.pending))
	for h := range s.pending {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		h.Cancel()
	}
}

func (s *Scheduler) track(h *Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.pending[h] = struct{}{}
	return true
}

func (s *Scheduler) forget(h *Handle) {
	s.mu.Lock()
	delete(s.pending, h)
	s.mu.Unlock()
}
