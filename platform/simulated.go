package platform

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jnesss/procwatch/process"
)

// Simulated is an in-process stand-in for the operating system. Sources
// created with Source share it, so a test or the demo host can drive
// process creations and failures across several monitoring sessions.
type Simulated struct {
	opts Options

	mu            sync.Mutex
	failConnect   error
	failSubscribe error
	failCancel    error
	live          map[*simSource]struct{}
	last          *Subscription
	nextPID       uint32
}

// NewSimulated returns a simulated OS with no live subscriptions.
func NewSimulated(opts Options) *Simulated {
	return &Simulated{
		opts:    opts.withDefaults(),
		live:    make(map[*simSource]struct{}),
		nextPID: 1000,
	}
}

// Source returns a new unconnected event source backed by s.
func (s *Simulated) Source() EventSource {
	return &simSource{os: s}
}

// FailConnect makes every later Connect fail with err. A nil err clears it.
func (s *Simulated) FailConnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failConnect = err
}

// FailSubscribe makes every later Subscribe fail with err.
func (s *Simulated) FailSubscribe(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failSubscribe = err
}

// FailCancel makes every later Cancel report err. Delivery still stops.
func (s *Simulated) FailCancel(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failCancel = err
}

// Disconnect simulates the OS side going away: every live source reports
// err from Err and stops delivering.
func (s *Simulated) Disconnect(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for src := range s.live {
		src.err = err
	}
}

// Subscribers returns the number of subscriptions currently registered.
func (s *Simulated) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for src := range s.live {
		if src.sub != nil && src.err == nil {
			n++
		}
	}
	return n
}

// LastSubscription returns the most recently registered subscription, or
// nil if none has been.
func (s *Simulated) LastSubscription() *Subscription {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Emit reports one creation per name to every live subscription. Each
// subscription is called back on a fresh goroutine with the events in
// order; Emit returns once all callbacks have returned.
func (s *Simulated) Emit(names ...string) {
	s.mu.Lock()
	events := make([]process.Event, 0, len(names))
	for _, name := range names {
		s.nextPID++
		info := &process.Info{PID: s.nextPID, Name: name, Comm: name, Observed: time.Now()}
		s.opts.Tracker.Add(info)
		events = append(events, info.Event())
	}

	var wg sync.WaitGroup
	for src := range s.live {
		src := src
		sub := src.sub
		if sub == nil || src.err != nil || !sub.AddRef() {
			continue
		}
		wg.Add(1)
		src.inflight.Add(1)
		go func() {
			defer src.inflight.Done()
			defer wg.Done()
			defer sub.Release()
			sub.Indicate(events...)
		}()
	}
	s.mu.Unlock()
	wg.Wait()
}

// Replay calls sub back directly, whether or not it is still registered.
// It stands in for a notification the OS had already queued when the
// subscription was cancelled.
func (s *Simulated) Replay(sub *Subscription, names ...string) {
	events := make([]process.Event, 0, len(names))
	for _, name := range names {
		events = append(events, process.Event{Name: name})
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		sub.Indicate(events...)
	}()
	<-done
}

type simSource struct {
	os *Simulated

	connected bool
	sub       *Subscription
	err       error

	// inflight only grows under os.mu while sub is set.
	inflight sync.WaitGroup
}

func (c *simSource) Name() string { return BackendSim }

func (c *simSource) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Backend: BackendSim, Err: err}
	}
	c.os.mu.Lock()
	defer c.os.mu.Unlock()
	if c.os.failConnect != nil {
		return &ConnectionError{Backend: BackendSim, Err: c.os.failConnect}
	}
	c.connected = true
	c.os.live[c] = struct{}{}
	return nil
}

func (c *simSource) Subscribe(sub *Subscription) error {
	c.os.mu.Lock()
	defer c.os.mu.Unlock()
	if !c.connected {
		return &SubscriptionError{Backend: BackendSim, Err: errors.New("not connected")}
	}
	if c.os.failSubscribe != nil {
		return &SubscriptionError{Backend: BackendSim, Err: c.os.failSubscribe}
	}
	if c.sub != nil {
		return &SubscriptionError{Backend: BackendSim, Err: errors.New("already subscribed")}
	}
	if !sub.AddRef() {
		return &SubscriptionError{Backend: BackendSim, Err: errors.New("subscription already released")}
	}
	c.sub = sub
	c.os.last = sub
	return nil
}

func (c *simSource) Cancel(sub *Subscription) error {
	c.os.mu.Lock()
	held := c.sub
	c.sub = nil
	failCancel := c.os.failCancel
	c.os.mu.Unlock()

	if held == nil {
		return nil
	}
	// Callbacks already dispatched finish before the source lets go.
	c.inflight.Wait()
	held.Release()

	if failCancel != nil {
		return &CancellationError{Backend: BackendSim, Err: failCancel}
	}
	return nil
}

func (c *simSource) Err() error {
	c.os.mu.Lock()
	defer c.os.mu.Unlock()
	return c.err
}

func (c *simSource) Close() error {
	// A refused cancel was already reported by Cancel.
	_ = c.Cancel(nil)

	c.os.mu.Lock()
	defer c.os.mu.Unlock()
	c.connected = false
	delete(c.os.live, c)
	return nil
}
