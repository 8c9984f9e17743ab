// Package keylock provides mutual exclusion keyed by string, with a FIFO wait
// queue per key.
//
// A Locker is built once per process and shared by every component that
// needs per-note or per-kb exclusion. Key state is never evicted; the key
// space is bounded by the working set of notes and knowledge bases.
package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/starford/notesync/internal/apperr"
)

type waiter struct {
	ready chan struct{}
}

type entry struct {
	held    bool
	waiters []*waiter
}

// Locker is a registry of per-key locks. The zero value is not usable; use New.
type Locker struct {
	mu   sync.Mutex
	keys map[string]*entry
}

// New returns an empty Locker.
func New() *Locker {
	return &Locker{keys: make(map[string]*entry)}
}

func (l *Locker) entry(key string) *entry {
	e, ok := l.keys[key]
	if !ok {
		e = &entry{}
		l.keys[key] = e
	}
	return e
}

// Lock acquires key. A zero timeout waits until ctx is done. When the timeout
// elapses first, Lock returns an error wrapping apperr.ErrLockTimeout and the
// caller does not hold the key.
func (l *Locker) Lock(ctx context.Context, key string, timeout time.Duration) error {
	l.mu.Lock()
	e := l.entry(key)
	if !e.held {
		e.held = true
		l.mu.Unlock()
		return nil
	}
	w := &waiter{ready: make(chan struct{})}
	e.waiters = append(e.waiters, w)
	l.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		expired = t.C
	}

	select {
	case <-w.ready:
		return nil
	case <-expired:
		return l.abandon(key, w, fmt.Errorf("keylock: %s: %w", key, apperr.ErrLockTimeout))
	case <-ctx.Done():
		return l.abandon(key, w, fmt.Errorf("keylock: %s: %w", key, ctx.Err()))
	}
}

// abandon removes w from the queue. If the key was handed to w in the
// meantime the acquisition stands and nil is returned.
func (l *Locker) abandon(key string, w *waiter, cause error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	select {
	case <-w.ready:
		return nil
	default:
	}

	e := l.keys[key]
	for i, q := range e.waiters {
		if q == w {
			e.waiters = append(e.waiters[:i], e.waiters[i+1:]...)
			break
		}
	}
	return cause
}

// Unlock releases key, handing it to the oldest waiter if there is one.
// Unlocking a key that is not held is a no-op.
func (l *Locker) Unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	e, ok := l.keys[key]
	if !ok || !e.held {
		return
	}
	if len(e.waiters) == 0 {
		e.held = false
		return
	}
	next := e.waiters[0]
	e.waiters[0] = nil
	e.waiters = e.waiters[1:]
	close(next.ready)
}

// IsHeld reports whether someone currently holds key. It never blocks on
// the key itself.
func (l *Locker) IsHeld(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.keys[key]
	return ok && e.held
}

// Waiting returns the number of goroutines queued on key.
func (l *Locker) Waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.keys[key]; ok {
		return len(e.waiters)
	}
	return 0
}
