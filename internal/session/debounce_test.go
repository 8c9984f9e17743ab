package session

import (
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

// fakeClock fires timers only when advanced.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

func newFakeClock() *fakeClock { return &fakeClock{now: time.Unix(1_700_000_000, 0)} }

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs due callbacks on the caller's
// goroutine.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && !t.at.After(c.now) {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	for _, t := range due {
		t.f()
	}
}

func TestDebouncerCoalesces(t *testing.T) {
	clock := newFakeClock()
	var runs atomic.Int32
	d := NewDebouncer(clock, 3*time.Second, func() { runs.Add(1) })

	for range 5 {
		d.Trigger()
		clock.Advance(time.Second)
	}
	require.Zero(t, runs.Load())
	require.True(t, d.Pending())

	clock.Advance(2 * time.Second)
	require.Equal(t, int32(1), runs.Load())
	require.False(t, d.Pending())

	clock.Advance(time.Minute)
	require.Equal(t, int32(1), runs.Load())
}

func TestDebouncerCancel(t *testing.T) {
	clock := newFakeClock()
	var runs atomic.Int32
	d := NewDebouncer(clock, time.Second, func() { runs.Add(1) })

	d.Trigger()
	d.Cancel()
	clock.Advance(time.Minute)
	require.Zero(t, runs.Load())

	d.Trigger()
	clock.Advance(time.Second)
	require.Equal(t, int32(1), runs.Load())
}

func TestDebouncerWallClock(t *testing.T) {
	done := make(chan struct{})
	d := NewDebouncer(nil, 10*time.Millisecond, func() { close(done) })
	d.Trigger()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("debounced func never ran")
	}
}
