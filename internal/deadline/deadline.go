package deadline

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Timer holds at most one pending callback. Arm cancels and replaces the
// previous callback atomically, so a session never has two timers alive.
//
// A generation counter guards against a callback whose underlying timer
// already fired but had not yet taken the lock when it was replaced.
type Timer struct {
	mu    sync.Mutex
	clock clockwork.Clock
	t     clockwork.Timer
	gen   uint64
}

// New returns an idle Timer. A nil clock uses the real clock.
func New(clock clockwork.Clock) *Timer {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Timer{clock: clock}
}

// Arm schedules fn to run after d, replacing any pending callback.
func (t *Timer) Arm(d time.Duration, fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.t != nil {
		t.t.Stop()
	}
	t.gen++
	gen := t.gen
	t.t = t.clock.AfterFunc(d, func() {
		t.mu.Lock()
		if t.gen != gen {
			t.mu.Unlock()
			return
		}
		t.t = nil
		t.mu.Unlock()
		fn()
	})
}

// Cancel drops the pending callback. It reports whether one was pending.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.gen++
	if t.t == nil {
		return false
	}
	t.t.Stop()
	t.t = nil
	return true
}

// Pending reports whether a callback is scheduled.
func (t *Timer) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.t != nil
}
