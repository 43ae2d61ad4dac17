package platform

import (
	"sync/atomic"

	"github.com/jnesss/procwatch/process"
)

// Sink receives the events that matched a subscription's target. Deliver is
// called on whatever goroutine the OS used for the callback and must not
// block beyond a short critical section.
type Sink interface {
	Deliver(ev process.Event)
}

// Subscription is the callback object handed to the OS for one monitoring
// session. Its lifetime is managed by an explicit reference count: the
// creator holds the first reference, every event source holds one while it
// can still deliver, and every Indicate call holds one for its duration.
// When the count reaches zero the subscription is destroyed and Released is
// closed; it can never be revived.
type Subscription struct {
	target string
	sink   Sink

	refs      atomic.Int32
	cancelled atomic.Bool
	released  chan struct{}

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewSubscription creates a subscription for target holding one reference
// on behalf of the caller.
func NewSubscription(target string, sink Sink) *Subscription {
	s := &Subscription{
		target:   target,
		sink:     sink,
		released: make(chan struct{}),
	}
	s.refs.Store(1)
	return s
}

// Target returns the process name this subscription matches.
func (s *Subscription) Target() string { return s.target }

// AddRef takes a reference. It fails once the subscription has been
// destroyed.
func (s *Subscription) AddRef() bool {
	for {
		n := s.refs.Load()
		if n <= 0 {
			return false
		}
		if s.refs.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Release drops a reference and returns the remaining count. The release
// that brings the count to zero destroys the subscription.
func (s *Subscription) Release() int32 {
	n := s.refs.Add(-1)
	if n == 0 {
		close(s.released)
	} else if n < 0 {
		panic("platform: subscription released more often than referenced")
	}
	return n
}

// Refs returns the current reference count.
func (s *Subscription) Refs() int32 { return s.refs.Load() }

// Released is closed when the last reference is dropped.
func (s *Subscription) Released() <-chan struct{} { return s.released }

// Cancel stops all further delivery. Indicate calls already past their
// cancellation check finish normally; callers wait on Released to be sure
// none remain.
func (s *Subscription) Cancel() { s.cancelled.Store(true) }

// Cancelled reports whether Cancel has been called.
func (s *Subscription) Cancelled() bool { return s.cancelled.Load() }

// Indicate is the OS callback. It filters events by exact name and forwards
// the matches to the sink. An empty target matches nothing.
func (s *Subscription) Indicate(events ...process.Event) {
	if !s.AddRef() {
		s.dropped.Add(uint64(len(events)))
		return
	}
	defer s.Release()

	for _, ev := range events {
		if s.cancelled.Load() {
			s.dropped.Add(1)
			continue
		}
		if s.target == "" || ev.Name != s.target {
			continue
		}
		s.sink.Deliver(ev)
		s.delivered.Add(1)
	}
}

// Delivered returns the number of events forwarded to the sink.
func (s *Subscription) Delivered() uint64 { return s.delivered.Load() }

// Dropped returns the number of events discarded because the subscription
// was cancelled or already destroyed.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }
