// Package debounce collapses bursts of events into one trailing action.
// The file watcher and the activity broadcaster share it so timer
// management lives in exactly one place.
package debounce

import (
	"sync"
	"time"
)

// Debouncer invokes fn once, d after the most recent Trigger. Triggers
// arriving before the timer fires reset it, so a burst of N calls inside
// the window produces exactly one invocation.
type Debouncer struct {
	d  time.Duration
	fn func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// New returns a Debouncer that runs fn on its own goroutine (via
// time.AfterFunc) once the window elapses without a further Trigger.
func New(d time.Duration, fn func()) *Debouncer {
	return &Debouncer{d: d, fn: fn}
}

// Trigger arms or re-arms the timer. Safe to call concurrently.
func (db *Debouncer) Trigger() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.stopped {
		return
	}
	if db.timer == nil {
		db.timer = time.AfterFunc(db.d, db.fire)
		return
	}
	db.timer.Reset(db.d)
}

// Cancel discards any pending invocation without disabling the Debouncer.
func (db *Debouncer) Cancel() {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.timer != nil {
		db.timer.Stop()
	}
}

// Stop cancels any pending invocation and makes further Triggers no-ops.
// Used on teardown so removed agents and sessions never fire stale timers.
func (db *Debouncer) Stop() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.stopped = true
	if db.timer != nil {
		db.timer.Stop()
	}
}

func (db *Debouncer) fire() {
	db.mu.Lock()
	if db.stopped {
		db.mu.Unlock()
		return
	}
	db.mu.Unlock()
	db.fn()
}
