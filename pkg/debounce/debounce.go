// Package debounce collapses a burst of triggers into a single callback.
// Drivers use it so a flurry of near-simultaneous Asana notifications turns
// into one reconciliation pass; the core stays agnostic to how many external
// notifications preceded its invocation.
package debounce

import (
	"sync"
	"time"
)

// Debouncer arms a timer on Trigger and re-arms it on every subsequent
// Trigger, so fn runs once per quiet window.
type Debouncer struct {
	mu     sync.Mutex
	window time.Duration
	fn     func()
	timer  *time.Timer
	done   bool
}

func New(window time.Duration, fn func()) *Debouncer {
	return &Debouncer{
		window: window,
		fn:     fn,
	}
}

// Trigger schedules fn to run after the quiet window, cancelling any
// previously scheduled run.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.done {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.window, d.fn)
}

// Stop cancels any pending run and rejects further triggers. A callback
// already in flight is not interrupted.
func (d *Debouncer) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.done = true
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
