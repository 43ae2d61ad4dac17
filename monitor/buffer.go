package monitor

import (
	"sync"
	"time"
)

// Notification is one matched process creation waiting for the consumer.
type Notification struct {
	Name     string
	PID      uint32
	Observed time.Time

	gen uint64
}

// Buffer is an unbounded FIFO of notifications. Callback goroutines push,
// the consumer drains everything in one step.
//
// Thread-safe: all methods may be called concurrently.
type Buffer struct {
	mu      sync.Mutex
	entries []Notification
	gen     uint64
}

// NewBuffer creates an empty buffer.
func NewBuffer() *Buffer {
	return &Buffer{}
}

// Push appends n. It never drops and only blocks for the lock.
func (b *Buffer) Push(n Notification) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, n)
}

// DrainAll removes and returns every buffered notification in push order.
// A push either lands in this drain or in the next one, never both.
func (b *Buffer) DrainAll() []Notification {
	b.mu.Lock()
	defer b.mu.Unlock()
	entries := b.entries
	b.entries = nil
	return entries
}

// Generation returns the generation new notifications are tagged with.
func (b *Buffer) Generation() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.gen
}

// Reset discards every buffered notification and starts a new generation.
// Notifications of an older generation that a consumer already drained are
// skipped by Dispatch. It returns the number discarded.
func (b *Buffer) Reset() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(b.entries)
	b.entries = nil
	b.gen++
	return n
}

// Len returns the number of buffered notifications.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}
