package session

import (
	"sync"
	"time"
)

// Timer is a scheduled callback that can be stopped.
type Timer interface {
	Stop() bool
}

// Clock schedules callbacks. Tests replace it to control time.
type Clock interface {
	AfterFunc(d time.Duration, f func()) Timer
}

type realClock struct{}

func (realClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Debouncer runs fn once after a quiet window following the last Trigger.
// Every Trigger cancels the pending run and schedules a new one.
type Debouncer struct {
	clock Clock
	delay time.Duration
	fn    func()

	mu    sync.Mutex
	timer Timer
	gen   uint64
}

// NewDebouncer returns a Debouncer. A nil clock uses the wall clock.
func NewDebouncer(clock Clock, delay time.Duration, fn func()) *Debouncer {
	if clock == nil {
		clock = realClock{}
	}
	return &Debouncer{clock: clock, delay: delay, fn: fn}
}

// Trigger (re)starts the quiet window.
func (d *Debouncer) Trigger() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
	d.gen++
	gen := d.gen
	d.timer = d.clock.AfterFunc(d.delay, func() {
		d.mu.Lock()
		// A timer that fired while being replaced is stale.
		if gen != d.gen {
			d.mu.Unlock()
			return
		}
		d.timer = nil
		d.mu.Unlock()
		d.fn()
	})
}

// Cancel drops the pending run, if any.
func (d *Debouncer) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.gen++
}

// Pending reports whether a run is scheduled.
func (d *Debouncer) Pending() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.timer != nil
}
