package monitor

import (
	"context"
	"sync"
)

// Dispatcher wakes the consumer when the buffer has work and delivers the
// buffered notifications on the consumer's own goroutine.
//
// Signal may be called from any goroutine. Dispatch and Run belong to the
// consumer.
type Dispatcher struct {
	buffer *Buffer
	wake   chan struct{}

	mu      sync.Mutex
	handler func(Notification)
}

// NewDispatcher creates a dispatcher that drains buffer.
func NewDispatcher(buffer *Buffer) *Dispatcher {
	return &Dispatcher{
		buffer: buffer,
		wake:   make(chan struct{}, 1),
	}
}

// Signal records that the buffer is non-empty. Signals sent while the
// consumer is busy coalesce into one wake-up; none is lost because every
// wake-up drains the whole buffer.
func (d *Dispatcher) Signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel a consumer event loop selects on. When it
// fires, call Dispatch.
func (d *Dispatcher) Wake() <-chan struct{} {
	return d.wake
}

// OnWake registers the consumer callback. It may be called only once.
func (d *Dispatcher) OnWake(handler func(Notification)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.handler != nil {
		panic("monitor: OnWake called twice")
	}
	d.handler = handler
}

// Dispatch drains the buffer and calls the handler once per notification,
// oldest first, on the calling goroutine. Without a handler the buffer is
// left untouched. Notifications from a session stopped during the batch,
// including by the handler itself, are skipped. It returns the number
// delivered.
func (d *Dispatcher) Dispatch() int {
	d.mu.Lock()
	handler := d.handler
	d.mu.Unlock()
	if handler == nil {
		return 0
	}

	delivered := 0
	for _, n := range d.buffer.DrainAll() {
		if n.gen != d.buffer.Generation() {
			continue
		}
		handler(n)
		delivered++
	}
	return delivered
}

// Run dispatches on every wake-up until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.wake:
			d.Dispatch()
		}
	}
}
