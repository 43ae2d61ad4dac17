//go:build windows

package platform

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	ole "github.com/go-ole/go-ole"
	"github.com/go-ole/go-ole/oleutil"

	"github.com/jnesss/procwatch/process"
)

func init() {
	register(BackendWMI, func(opts Options) EventSource {
		return &wmiSource{
			opts:       opts,
			ready:      make(chan error, 1),
			subscribe:  make(chan *Subscription),
			subscribed: make(chan error, 1),
			stop:       make(chan struct{}),
			done:       make(chan struct{}),
		}
	})
}

const (
	sFalse          = 0x00000001
	wbemErrTimedOut = 0x80043001
)

var errTimedOut = errors.New("wmi: timed out waiting for event")

// wmiSource runs the WMI creation-event query on a goroutine locked to one
// OS thread. COM is initialised when that thread starts and uninitialised
// when it exits; every COM object is created and released there.
type wmiSource struct {
	opts Options

	ready      chan error
	subscribe  chan *Subscription
	subscribed chan error
	stop       chan struct{}
	stopOnce   sync.Once
	done       chan struct{}
	started    bool

	mu  sync.Mutex
	err error
}

func (s *wmiSource) Name() string { return BackendWMI }

func (s *wmiSource) creationQuery() string {
	within := int(s.opts.ScanInterval / time.Second)
	if within < 1 {
		within = 1
	}
	return fmt.Sprintf("SELECT * FROM __InstanceCreationEvent WITHIN %d WHERE TargetInstance ISA 'Win32_Process'", within)
}

func (s *wmiSource) Connect(ctx context.Context) error {
	s.started = true
	go s.worker()

	select {
	case err := <-s.ready:
		if err != nil {
			return &ConnectionError{Backend: BackendWMI, Err: err}
		}
		return nil
	case <-ctx.Done():
		s.halt()
		<-s.done
		return &ConnectionError{Backend: BackendWMI, Err: ctx.Err()}
	}
}

func (s *wmiSource) Subscribe(sub *Subscription) error {
	if !s.started {
		return &SubscriptionError{Backend: BackendWMI, Err: errors.New("not connected")}
	}
	if !sub.AddRef() {
		return &SubscriptionError{Backend: BackendWMI, Err: errors.New("subscription already released")}
	}

	select {
	case s.subscribe <- sub:
	case <-s.done:
		sub.Release()
		return &SubscriptionError{Backend: BackendWMI, Err: errors.New("connection closed")}
	}
	if err := <-s.subscribed; err != nil {
		sub.Release()
		return &SubscriptionError{Backend: BackendWMI, Err: err}
	}
	return nil
}

func (s *wmiSource) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Cancel is acknowledged once the worker has seen the stop request, which
// happens within one NextEvent timeout.
func (s *wmiSource) Cancel(sub *Subscription) error {
	if !s.started {
		return nil
	}
	s.halt()
	<-s.done
	return nil
}

func (s *wmiSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *wmiSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *wmiSource) Close() error {
	return s.Cancel(nil)
}

func (s *wmiSource) worker() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(s.done)

	if err := coInitialize(); err != nil {
		s.ready <- fmt.Errorf("failed to initialize COM: %w", err)
		return
	}
	defer ole.CoUninitialize()

	service, release, err := connectServer()
	if err != nil {
		s.ready <- err
		return
	}
	defer release()
	s.ready <- nil

	var sub *Subscription
	select {
	case sub = <-s.subscribe:
	case <-s.stop:
		return
	}

	resultRaw, err := oleutil.CallMethod(service, "ExecNotificationQuery", s.creationQuery())
	if err != nil {
		s.subscribed <- fmt.Errorf("failed to execute WMI query: %w", err)
		return
	}
	defer resultRaw.Clear()
	events := resultRaw.ToIDispatch()
	s.subscribed <- nil
	defer sub.Release()

	timeout := int(s.opts.WaitInterval / time.Millisecond)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		ev, err := nextEvent(events, timeout)
		if errors.Is(err, errTimedOut) {
			continue
		}
		if err != nil {
			s.setErr(fmt.Errorf("failed to read WMI event: %w", err))
			return
		}
		info := &process.Info{
			PID:      ev.PID,
			PPID:     ev.PPID,
			Name:     ev.Name,
			ExePath:  ev.ExePath,
			Observed: time.Now(),
		}
		if parent, ok := s.opts.Tracker.Get(ev.PPID); ok {
			info.ParentExe = parent.ExePath
		}
		s.opts.Tracker.Add(info)
		sub.Indicate(ev)
	}
}

func coInitialize() error {
	err := ole.CoInitializeEx(0, ole.COINIT_MULTITHREADED)
	if err == nil {
		return nil
	}
	var oleErr *ole.OleError
	// S_FALSE: COM was already initialised on this thread; the matching
	// CoUninitialize is still required.
	if errors.As(err, &oleErr) && oleErr.Code() == sFalse {
		return nil
	}
	return err
}

func connectServer() (*ole.IDispatch, func(), error) {
	unknown, err := oleutil.CreateObject("WbemScripting.SWbemLocator")
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create WMI locator: %w", err)
	}
	defer unknown.Release()

	locator, err := unknown.QueryInterface(ole.IID_IDispatch)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to query locator interface: %w", err)
	}

	serviceRaw, err := oleutil.CallMethod(locator, "ConnectServer", nil, `ROOT\CIMV2`)
	if err != nil {
		locator.Release()
		return nil, nil, fmt.Errorf("failed to connect to ROOT\\CIMV2: %w", err)
	}
	service := serviceRaw.ToIDispatch()

	release := func() {
		serviceRaw.Clear()
		locator.Release()
	}
	return service, release, nil
}

func nextEvent(events *ole.IDispatch, timeoutMs int) (process.Event, error) {
	raw, err := oleutil.CallMethod(events, "NextEvent", timeoutMs)
	if err != nil {
		if isTimeout(err) {
			return process.Event{}, errTimedOut
		}
		return process.Event{}, err
	}
	defer raw.Clear()

	targetRaw, err := oleutil.GetProperty(raw.ToIDispatch(), "TargetInstance")
	if err != nil {
		return process.Event{}, err
	}
	defer targetRaw.Clear()
	target := targetRaw.ToIDispatch()

	var ev process.Event
	if name, err := oleutil.GetProperty(target, "Name"); err == nil {
		ev.Name = name.ToString()
		name.Clear()
	}
	if pid, err := oleutil.GetProperty(target, "ProcessId"); err == nil {
		ev.PID = variantUint32(pid.Value())
		pid.Clear()
	}
	if ppid, err := oleutil.GetProperty(target, "ParentProcessId"); err == nil {
		ev.PPID = variantUint32(ppid.Value())
		ppid.Clear()
	}
	if exe, err := oleutil.GetProperty(target, "ExecutablePath"); err == nil {
		if s, ok := exe.Value().(string); ok {
			ev.ExePath = s
		}
		exe.Clear()
	}
	return ev, nil
}

func isTimeout(err error) bool {
	var oleErr *ole.OleError
	if !errors.As(err, &oleErr) {
		return false
	}
	if oleErr.Code() == wbemErrTimedOut {
		return true
	}
	if info, ok := oleErr.SubError().(ole.EXCEPINFO); ok {
		return info.SCODE() == wbemErrTimedOut
	}
	return false
}

func variantUint32(v interface{}) uint32 {
	switch n := v.(type) {
	case int32:
		return uint32(n)
	case uint32:
		return n
	case int64:
		return uint32(n)
	case uint64:
		return uint32(n)
	case int:
		return uint32(n)
	}
	return 0
}
