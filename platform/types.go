// Package platform connects to the operating system's process
// instrumentation facilities and turns every process creation into a call
// on a reference-counted Subscription.
//
// Each backend lives in its own build-constrained file and registers itself
// with New. Backends never filter by name: the query always covers every new
// process and the Subscription decides what matches.
package platform

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/jnesss/procwatch/process"
)

// Backend names accepted by New.
const (
	BackendAuto    = "auto"
	BackendEBPF    = "ebpf"
	BackendNetlink = "netlink"
	BackendWMI     = "wmi"
	BackendPoll    = "poll"
	BackendSim     = "sim"
)

// EventSource is one connection to an OS instrumentation facility. A source
// is used for a single monitoring session: Connect, Subscribe, then Cancel
// and Close.
type EventSource interface {
	// Name identifies the backend in logs.
	Name() string

	// Connect establishes the OS connection. Failures are *ConnectionError.
	Connect(ctx context.Context) error

	// Subscribe issues the standing "process created" query and starts
	// delivering events to sub.Indicate. The source holds one reference on
	// sub until Cancel returns; on failure it holds none. Failures are
	// *SubscriptionError.
	Subscribe(sub *Subscription) error

	// Cancel stops delivery on sub and blocks until the OS side has
	// acknowledged and the delivery goroutine has released its reference.
	// It returns immediately if the connection is already gone. Failures are
	// *CancellationError; the reference is released regardless.
	Cancel(sub *Subscription) error

	// Err reports a non-nil error once the OS side of an established
	// subscription has failed and no further events will arrive.
	Err() error

	// Close releases the connection. It is safe to call more than once.
	Close() error
}

// Options configure the backends created by New.
type Options struct {
	// Tracker records metadata for every observed process. May be nil.
	Tracker *process.Tracker

	// ScanInterval is the latency window for backends that poll the OS:
	// the gopsutil process-table scan and the WMI WITHIN clause.
	ScanInterval time.Duration

	// WaitInterval bounds how long a delivery goroutine blocks in the OS
	// before checking for cancellation.
	WaitInterval time.Duration

	Logger *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.ScanInterval <= 0 {
		o.ScanInterval = time.Second
	}
	if o.WaitInterval <= 0 {
		o.WaitInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type factory func(Options) EventSource

var (
	registryMu sync.RWMutex
	registry   = make(map[string]factory)
)

func register(name string, f factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic("platform: backend registered twice: " + name)
	}
	registry[name] = f
}

// Backends lists the backends available on this platform.
func Backends() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates an unconnected event source for backend. BackendAuto picks
// the native facility for the running OS.
func New(backend string, opts Options) (EventSource, error) {
	if backend == "" || backend == BackendAuto {
		backend = DefaultBackend()
	}
	registryMu.RLock()
	f, ok := registry[backend]
	registryMu.RUnlock()
	if !ok {
		return nil, &ConnectionError{
			Backend: backend,
			Err:     fmt.Errorf("backend not supported on %s (available: %v)", runtime.GOOS, Backends()),
		}
	}
	return f(opts.withDefaults()), nil
}

// DefaultBackend is the backend BackendAuto resolves to.
func DefaultBackend() string {
	switch runtime.GOOS {
	case "linux":
		return BackendEBPF
	case "windows":
		return BackendWMI
	default:
		return BackendPoll
	}
}
