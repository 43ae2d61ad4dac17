package monitor

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jnesss/procwatch/platform"
)

type harness struct {
	sim     *platform.Simulated
	session *Session

	mu   sync.Mutex
	got  []string
	pids []uint32
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	sim := platform.NewSimulated(platform.Options{})
	h := &harness{sim: sim}
	h.session = NewSession(
		func() (platform.EventSource, error) { return sim.Source(), nil },
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithPollInterval(10*time.Millisecond),
	)
	h.session.Dispatcher().OnWake(func(n Notification) {
		h.mu.Lock()
		defer h.mu.Unlock()
		h.got = append(h.got, n.Name)
		h.pids = append(h.pids, n.PID)
	})
	t.Cleanup(h.session.Close)
	return h
}

func (h *harness) delivered() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.got...)
}

// dispatch runs one consumer cycle if a wake-up is pending.
func (h *harness) dispatch() {
	select {
	case <-h.session.Dispatcher().Wake():
		h.session.Dispatcher().Dispatch()
	default:
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) start(t *testing.T, name string) {
	t.Helper()
	h.session.Start(name)
	waitFor(t, "subscription", func() bool { return h.sim.Subscribers() == 1 })
}

func TestStopWhenIdle(t *testing.T) {
	h := newHarness(t)

	done := make(chan struct{})
	go func() {
		h.session.Stop()
		h.session.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop on idle session blocked")
	}
	if h.session.State() != Idle {
		t.Fatalf("State() = %v", h.session.State())
	}
}

func TestMatchingProcessDeliveredOnce(t *testing.T) {
	h := newHarness(t)
	h.start(t, "notepad.exe")
	if h.session.State() != Monitoring || h.session.Target() != "notepad.exe" {
		t.Fatalf("state %v target %q", h.session.State(), h.session.Target())
	}

	h.sim.Emit("notepad.exe")
	h.dispatch()

	got := h.delivered()
	if len(got) != 1 || got[0] != "notepad.exe" {
		t.Fatalf("delivered %v, want [notepad.exe]", got)
	}
}

func TestOtherProcessNotDelivered(t *testing.T) {
	h := newHarness(t)
	h.start(t, "notepad.exe")

	h.sim.Emit("calc.exe")
	h.dispatch()

	if got := h.delivered(); len(got) != 0 {
		t.Fatalf("delivered %v, want nothing", got)
	}
	if h.session.Buffer().Len() != 0 {
		t.Fatal("non-matching event was buffered")
	}
}

func TestDeliveryIsFIFO(t *testing.T) {
	h := newHarness(t)
	h.start(t, "worker")

	for i := 0; i < 5; i++ {
		h.sim.Emit("worker", "other", "worker")
	}
	h.dispatch()

	if got := h.delivered(); len(got) != 10 {
		t.Fatalf("delivered %d, want 10", len(got))
	}

	// The simulator hands out increasing PIDs, so creation order is PID order.
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := 1; i < len(h.pids); i++ {
		if h.pids[i] <= h.pids[i-1] {
			t.Fatalf("delivery out of creation order: %v", h.pids)
		}
	}
}

func TestRestartReportsOnlyNewTarget(t *testing.T) {
	h := newHarness(t)
	h.start(t, "a.exe")
	first := h.sim.LastSubscription()

	// Buffered but never dispatched: Start(b) must discard it.
	h.sim.Emit("a.exe")

	h.start(t, "b.exe")
	if first.Refs() != 0 {
		t.Fatalf("previous subscription still has %d refs", first.Refs())
	}
	if h.sim.LastSubscription() == first {
		t.Fatal("no new subscription")
	}

	h.sim.Emit("a.exe", "b.exe", "a.exe")
	h.dispatch()

	got := h.delivered()
	if len(got) != 1 || got[0] != "b.exe" {
		t.Fatalf("delivered %v, want [b.exe]", got)
	}
}

func TestStrayCallbackAfterStopDropped(t *testing.T) {
	h := newHarness(t)
	h.start(t, "a.exe")
	sub := h.sim.LastSubscription()

	h.session.Stop()
	if h.session.State() != Idle {
		t.Fatalf("State() = %v after Stop", h.session.State())
	}
	if sub.Refs() != 0 {
		t.Fatalf("subscription has %d refs after Stop", sub.Refs())
	}
	if h.sim.Subscribers() != 0 {
		t.Fatalf("%d subscribers after Stop", h.sim.Subscribers())
	}

	h.sim.Replay(sub, "a.exe")
	h.dispatch()

	if got := h.delivered(); len(got) != 0 {
		t.Fatalf("delivered %v after Stop", got)
	}
	if sub.Dropped() != 1 {
		t.Fatalf("Dropped() = %d, want 1", sub.Dropped())
	}
}

func TestEmptyNameMatchesNothing(t *testing.T) {
	h := newHarness(t)
	h.start(t, "")

	h.sim.Emit("", "notepad.exe", "calc.exe")
	h.dispatch()

	if got := h.delivered(); len(got) != 0 {
		t.Fatalf("delivered %v", got)
	}
}

func TestConnectFailureLeavesSessionDegraded(t *testing.T) {
	h := newHarness(t)
	denied := errors.New("access denied")
	h.sim.FailConnect(denied)

	h.session.Start("notepad.exe")
	waitFor(t, "degraded session", func() bool { return h.session.Err() != nil })

	var connErr *platform.ConnectionError
	if !errors.As(h.session.Err(), &connErr) || !errors.Is(h.session.Err(), denied) {
		t.Fatalf("Err() = %v", h.session.Err())
	}
	if h.session.State() != Monitoring {
		t.Fatalf("State() = %v, want monitoring", h.session.State())
	}

	h.sim.Emit("notepad.exe")
	h.dispatch()
	if got := h.delivered(); len(got) != 0 {
		t.Fatalf("delivered %v from a degraded session", got)
	}

	h.session.Stop()
	h.sim.FailConnect(nil)
	h.start(t, "notepad.exe")
	if h.session.Err() != nil {
		t.Fatalf("Err() = %v after restart", h.session.Err())
	}
	h.sim.Emit("notepad.exe")
	h.dispatch()
	if got := h.delivered(); len(got) != 1 {
		t.Fatalf("delivered %v after restart", got)
	}
}

func TestSubscribeFailureLeavesSessionDegraded(t *testing.T) {
	h := newHarness(t)
	h.sim.FailSubscribe(errors.New("query rejected"))

	h.session.Start("x")
	waitFor(t, "degraded session", func() bool { return h.session.Err() != nil })

	var subErr *platform.SubscriptionError
	if !errors.As(h.session.Err(), &subErr) {
		t.Fatalf("Err() = %v", h.session.Err())
	}
	h.session.Stop()
}

func TestCancelFailureStillStops(t *testing.T) {
	h := newHarness(t)
	h.start(t, "x")
	sub := h.sim.LastSubscription()
	h.sim.FailCancel(errors.New("cancel ignored"))

	h.session.Stop()
	if h.session.State() != Idle || sub.Refs() != 0 {
		t.Fatalf("state %v refs %d", h.session.State(), sub.Refs())
	}
}

func TestSourceFailureDetected(t *testing.T) {
	h := newHarness(t)
	h.start(t, "x")

	gone := errors.New("service stopped")
	h.sim.Disconnect(gone)
	waitFor(t, "source failure", func() bool { return h.session.Err() != nil })
	if !errors.Is(h.session.Err(), gone) {
		t.Fatalf("Err() = %v", h.session.Err())
	}
	h.session.Stop()
}

func TestFactoryFailure(t *testing.T) {
	broken := errors.New("no backend")
	s := NewSession(
		func() (platform.EventSource, error) { return nil, broken },
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	s.Start("x")
	waitFor(t, "degraded session", func() bool { return s.Err() != nil })
	s.Stop()
	if s.State() != Idle {
		t.Fatalf("State() = %v", s.State())
	}
}

func TestStopFromConsumerDuringDispatch(t *testing.T) {
	sim := platform.NewSimulated(platform.Options{})
	s := NewSession(
		func() (platform.EventSource, error) { return sim.Source(), nil },
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	var got []string
	s.Dispatcher().OnWake(func(n Notification) {
		got = append(got, n.Name)
		s.Stop()
	})

	s.Start("x")
	waitFor(t, "subscription", func() bool { return sim.Subscribers() == 1 })
	sim.Emit("x", "x")

	done := make(chan struct{})
	go func() {
		<-s.Dispatcher().Wake()
		s.Dispatcher().Dispatch()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop inside the consumer callback deadlocked")
	}
	if len(got) != 1 || s.State() != Idle {
		t.Fatalf("delivered %v, state %v", got, s.State())
	}
}

func TestRestartFromConsumerDuringDispatch(t *testing.T) {
	sim := platform.NewSimulated(platform.Options{})
	s := NewSession(
		func() (platform.EventSource, error) { return sim.Source(), nil },
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	defer s.Close()

	var got []string
	s.Dispatcher().OnWake(func(n Notification) {
		got = append(got, n.Name+"@"+s.Target())
		if n.Name == "a.exe" {
			s.Start("b.exe")
		}
	})

	s.Start("a.exe")
	waitFor(t, "subscription", func() bool { return sim.Subscribers() == 1 })
	sim.Emit("a.exe", "a.exe", "a.exe")

	<-s.Dispatcher().Wake()
	s.Dispatcher().Dispatch()
	if len(got) != 1 || got[0] != "a.exe@a.exe" {
		t.Fatalf("delivered %v, want only the first a.exe", got)
	}

	waitFor(t, "resubscription", func() bool { return sim.Subscribers() == 1 })
	sim.Emit("a.exe", "b.exe")
	<-s.Dispatcher().Wake()
	s.Dispatcher().Dispatch()
	if len(got) != 2 || got[1] != "b.exe@b.exe" {
		t.Fatalf("delivered %v after restart", got)
	}
}

func TestRepeatedStartStop(t *testing.T) {
	h := newHarness(t)

	var subs []*platform.Subscription
	for i := 0; i < 50; i++ {
		h.start(t, "x")
		if n := h.sim.Subscribers(); n != 1 {
			t.Fatalf("iteration %d: %d live subscriptions", i, n)
		}
		subs = append(subs, h.sim.LastSubscription())
		if i%2 == 0 {
			h.session.Stop()
		}
	}
	h.session.Stop()

	for i, sub := range subs {
		if sub.Refs() != 0 {
			t.Fatalf("subscription %d leaked with %d refs", i, sub.Refs())
		}
	}
}

func TestConcurrentCallbacksAllDelivered(t *testing.T) {
	h := newHarness(t)
	h.start(t, "x")

	const callers, perCaller = 8, 50
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perCaller; j++ {
				h.sim.Emit("x")
			}
		}()
	}
	wg.Wait()
	h.dispatch()

	if got := h.delivered(); len(got) != callers*perCaller {
		t.Fatalf("delivered %d, want %d", len(got), callers*perCaller)
	}
}
