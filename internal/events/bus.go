package events

import (
	"sync/atomic"
)

const subscriberBuffer = 256

type subscription struct {
	ch    chan Event
	kinds map[Kind]struct{}
}

func (s *subscription) wants(k Kind) bool {
	if len(s.kinds) == 0 {
		return true
	}
	_, ok := s.kinds[k]
	return ok
}

// Bus fans events out to subscribers.
//
// Concurrency model: a single internal event loop (goroutine) owns the
// subscriber set. Public methods communicate with this loop through channels,
// so no mutexes are required. Delivery preserves publish order per
// subscriber; a subscriber whose buffer is full misses events rather than
// stalling the loop.
type Bus struct {
	subscribeCh   chan *subscription
	unsubscribeCh chan (<-chan Event)
	publishCh     chan Event
	countReqCh    chan chan int

	stopCh  chan struct{}
	stopped chan struct{}
	closed  atomic.Bool
}

// NewBus starts a bus loop.
func NewBus() *Bus {
	b := &Bus{
		subscribeCh:   make(chan *subscription),
		unsubscribeCh: make(chan (<-chan Event)),
		publishCh:     make(chan Event),
		countReqCh:    make(chan chan int),
		stopCh:        make(chan struct{}),
		stopped:       make(chan struct{}),
	}
	go b.run()
	return b
}

func (b *Bus) run() {
	defer close(b.stopped)

	subs := make(map[<-chan Event]*subscription)

	broadcast := func(ev Event) {
		for _, s := range subs {
			if !s.wants(ev.Kind) {
				continue
			}
			select {
			case s.ch <- ev:
			default:
			}
		}
	}

	for {
		select {
		case <-b.stopCh:
			// Deliver what was published before Close.
			for {
				select {
				case ev := <-b.publishCh:
					broadcast(ev)
					continue
				default:
				}
				break
			}
			for _, s := range subs {
				close(s.ch)
			}
			return

		case s := <-b.subscribeCh:
			subs[s.ch] = s

		case ch := <-b.unsubscribeCh:
			if s, ok := subs[ch]; ok {
				delete(subs, ch)
				close(s.ch)
			}

		case ev := <-b.publishCh:
			broadcast(ev)

		case resp := <-b.countReqCh:
			resp <- len(subs)
		}
	}
}

// Close stops the loop and closes every subscriber channel.
func (b *Bus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.stopCh)
	}
	<-b.stopped
}

// Subscribe registers a subscriber for the given kinds, or for every kind
// when none are given.
func (b *Bus) Subscribe(kinds ...Kind) <-chan Event {
	s := &subscription{ch: make(chan Event, subscriberBuffer)}
	if len(kinds) > 0 {
		s.kinds = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			s.kinds[k] = struct{}{}
		}
	}
	if b.closed.Load() {
		close(s.ch)
		return s.ch
	}
	select {
	case b.subscribeCh <- s:
	case <-b.stopped:
		close(s.ch)
	}
	return s.ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	if b.closed.Load() {
		return
	}
	select {
	case b.unsubscribeCh <- ch:
	case <-b.stopped:
	}
}

// SubscriberCount returns the number of registered subscribers.
func (b *Bus) SubscriberCount() int {
	if b.closed.Load() {
		return 0
	}
	resp := make(chan int, 1)
	select {
	case b.countReqCh <- resp:
	case <-b.stopped:
		return 0
	}
	select {
	case n := <-resp:
		return n
	case <-b.stopped:
		return 0
	}
}

// Publish hands an event to the loop. When Publish returns the event has
// been offered to every current subscriber. Publishing on a closed bus is a
// no-op. A nil bus discards events.
func (b *Bus) Publish(ev Event) {
	if b == nil || b.closed.Load() {
		return
	}
	select {
	case b.publishCh <- ev:
	case <-b.stopped:
	}
}
