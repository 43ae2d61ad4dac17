// Package monitor bridges process-creation callbacks, which arrive on
// goroutines nobody controls, to one consumer that handles them in order on
// its own schedule.
//
// A Session owns one background goroutine per Start. That goroutine
// connects an event source and subscribes a platform.Subscription whose
// sink pushes into the session's Buffer and signals its Dispatcher. The
// consumer drains the buffer with Dispatcher.Dispatch.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jnesss/procwatch/platform"
	"github.com/jnesss/procwatch/process"
)

// State of a Session.
type State int32

const (
	Idle State = iota
	Monitoring
	Stopping
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Monitoring:
		return "monitoring"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// SourceFactory creates a fresh, unconnected event source for one Start.
type SourceFactory func() (platform.EventSource, error)

// Option configures a Session.
type Option func(*Session)

// WithLogger sets the session logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithPollInterval sets how often the background goroutine checks whether
// the OS side of its subscription has died.
func WithPollInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.pollInterval = d
		}
	}
}

// WithStopWarning sets how long Stop waits before logging that the OS is
// slow to acknowledge cancellation. Stop keeps waiting after the warning.
func WithStopWarning(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.stopWarning = d
		}
	}
}

// Session watches for one process name at a time.
type Session struct {
	factory      SourceFactory
	logger       *slog.Logger
	pollInterval time.Duration
	stopWarning  time.Duration

	buffer     *Buffer
	dispatcher *Dispatcher

	// ops serialises Start and Stop.
	ops sync.Mutex

	mu      sync.RWMutex
	state   State
	target  string
	lastErr error
	sub     *platform.Subscription
	stop    chan struct{}
	done    chan struct{}
}

// NewSession creates an idle session that builds its event sources with
// factory.
func NewSession(factory SourceFactory, opts ...Option) *Session {
	buffer := NewBuffer()
	s := &Session{
		factory:      factory,
		logger:       slog.Default(),
		pollInterval: time.Second,
		stopWarning:  5 * time.Second,
		buffer:       buffer,
		dispatcher:   NewDispatcher(buffer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Buffer returns the session's notification buffer.
func (s *Session) Buffer() *Buffer { return s.buffer }

// Dispatcher returns the dispatcher the consumer registers with.
func (s *Session) Dispatcher() *Dispatcher { return s.dispatcher }

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Target returns the process name being watched, or "" when idle.
func (s *Session) Target() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.target
}

// Err returns why the current session stopped producing events, or nil
// while it is healthy or idle.
func (s *Session) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Start watches for processes named name. A running session is stopped
// first and its pending notifications are discarded. Start returns once the
// background goroutine is running; connection problems are logged and leave
// the session monitoring nothing until the next Stop and Start.
func (s *Session) Start(name string) {
	s.ops.Lock()
	defer s.ops.Unlock()

	s.stopLocked()

	sink := &sessionSink{buffer: s.buffer, dispatcher: s.dispatcher, gen: s.buffer.Generation()}
	sub := platform.NewSubscription(name, sink)
	stop := make(chan struct{})
	done := make(chan struct{})

	s.mu.Lock()
	s.state = Monitoring
	s.target = name
	s.lastErr = nil
	s.sub = sub
	s.stop = stop
	s.done = done
	s.mu.Unlock()

	logger := s.logger.With("target", name)
	go s.run(logger, sub, stop, done)
	logger.Info("monitoring started")
}

// Stop cancels the running session and waits until no callback can reach
// it anymore. There is no timeout; a warning is logged if the OS takes
// longer than the stop warning interval. Stop on an idle session is a
// no-op.
func (s *Session) Stop() {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.stopLocked()
}

// Close stops the session. Call it when the host shuts down.
func (s *Session) Close() {
	s.Stop()
}

func (s *Session) stopLocked() {
	s.mu.Lock()
	if s.state != Monitoring {
		s.mu.Unlock()
		return
	}
	s.state = Stopping
	sub, stop, done, target := s.sub, s.stop, s.done, s.target
	s.mu.Unlock()

	logger := s.logger.With("target", target)
	start := time.Now()

	sub.Cancel()
	close(stop)
	s.await(logger, done, "background goroutine")
	s.await(logger, sub.Released(), "in-flight callbacks")

	discarded := s.buffer.Reset()

	s.mu.Lock()
	s.state = Idle
	s.target = ""
	s.lastErr = nil
	s.sub = nil
	s.stop = nil
	s.done = nil
	s.mu.Unlock()

	logger.Info("monitoring stopped",
		"delivered", sub.Delivered(),
		"dropped", sub.Dropped(),
		"discarded", discarded,
		"elapsed", time.Since(start))
}

func (s *Session) await(logger *slog.Logger, ch <-chan struct{}, what string) {
	timer := time.NewTimer(s.stopWarning)
	defer timer.Stop()
	select {
	case <-ch:
		return
	case <-timer.C:
		logger.Warn("still waiting for "+what+" to finish", "waited", s.stopWarning)
	}
	<-ch
}

func (s *Session) degrade(logger *slog.Logger, msg string, err error) {
	logger.Error(msg, "error", err)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastErr == nil {
		s.lastErr = err
	}
}

// run is the background goroutine of one session. It holds the creator's
// reference on sub and drops it on exit.
func (s *Session) run(logger *slog.Logger, sub *platform.Subscription, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer sub.Release()

	source, err := s.factory()
	if err != nil {
		s.degrade(logger, "failed to create event source", err)
		return
	}
	logger = logger.With("backend", source.Name())
	defer func() {
		if err := source.Close(); err != nil {
			logger.Warn("failed to close event source", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := source.Connect(ctx); err != nil {
		s.degrade(logger, "failed to connect event source", err)
		return
	}
	if err := source.Subscribe(sub); err != nil {
		s.degrade(logger, "failed to subscribe to process creation", err)
		return
	}
	logger.Debug("subscribed to process creation")

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			if err := source.Cancel(sub); err != nil {
				logger.Warn("cancellation not acknowledged", "error", err)
			}
			return
		case <-ticker.C:
			if err := source.Err(); err != nil {
				s.degrade(logger, "event source failed", err)
				if err := source.Cancel(sub); err != nil {
					logger.Warn("cancellation not acknowledged", "error", err)
				}
				return
			}
		}
	}
}

// sessionSink runs on callback goroutines.
type sessionSink struct {
	buffer     *Buffer
	dispatcher *Dispatcher
	gen        uint64
}

func (k *sessionSink) Deliver(ev process.Event) {
	k.buffer.Push(Notification{Name: ev.Name, PID: ev.PID, Observed: time.Now(), gen: k.gen})
	k.dispatcher.Signal()
}
