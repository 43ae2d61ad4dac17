package platform

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	gops "github.com/shirou/gopsutil/v3/process"

	"github.com/jnesss/procwatch/process"
)

func init() {
	register(BackendPoll, func(opts Options) EventSource {
		return &pollSource{opts: opts}
	})
}

// procKey identifies one process instance; PIDs alone are reused.
type procKey struct {
	pid     int32
	created int64
}

// pollSource diffs the process table once per scan interval. It works on
// every platform gopsutil supports and needs no privileges, at the cost of
// missing processes that live shorter than one interval.
type pollSource struct {
	opts Options

	seen   map[procKey]struct{}
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *pollSource) Name() string { return BackendPoll }

func (s *pollSource) Connect(ctx context.Context) error {
	procs, err := gops.ProcessesWithContext(ctx)
	if err != nil {
		return &ConnectionError{Backend: BackendPoll, Err: fmt.Errorf("failed to list processes: %w", err)}
	}
	s.seen = make(map[procKey]struct{}, len(procs))
	for _, p := range procs {
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		s.seen[procKey{pid: p.Pid, created: created}] = struct{}{}
	}
	return nil
}

func (s *pollSource) Subscribe(sub *Subscription) error {
	if s.seen == nil {
		return &SubscriptionError{Backend: BackendPoll, Err: errors.New("not connected")}
	}
	if !sub.AddRef() {
		return &SubscriptionError{Backend: BackendPoll, Err: errors.New("subscription already released")}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	go s.scanLoop(sub)
	return nil
}

func (s *pollSource) scanLoop(sub *Subscription) {
	defer close(s.done)
	defer sub.Release()

	ticker := time.NewTicker(s.opts.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}

		events, err := s.scan(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.opts.Logger.Warn("process scan failed", "backend", BackendPoll, "error", err)
			continue
		}
		if len(events) > 0 {
			sub.Indicate(events...)
		}
	}
}

type scanned struct {
	key  procKey
	proc *gops.Process
}

// scan returns the processes that appeared since the previous scan, oldest
// first.
func (s *pollSource) scan(ctx context.Context) ([]process.Event, error) {
	procs, err := gops.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	current := make(map[procKey]struct{}, len(procs))
	var fresh []scanned
	for _, p := range procs {
		created, err := p.CreateTimeWithContext(ctx)
		if err != nil {
			continue
		}
		key := procKey{pid: p.Pid, created: created}
		current[key] = struct{}{}
		if _, ok := s.seen[key]; !ok {
			fresh = append(fresh, scanned{key: key, proc: p})
		}
	}
	s.seen = current

	sort.Slice(fresh, func(i, j int) bool {
		if fresh[i].key.created != fresh[j].key.created {
			return fresh[i].key.created < fresh[j].key.created
		}
		return fresh[i].key.pid < fresh[j].key.pid
	})

	events := make([]process.Event, 0, len(fresh))
	for _, f := range fresh {
		name, err := f.proc.NameWithContext(ctx)
		if err != nil {
			continue
		}
		info := &process.Info{PID: uint32(f.key.pid), Name: name, Comm: name, Observed: time.Now()}
		if ppid, err := f.proc.PpidWithContext(ctx); err == nil {
			info.PPID = uint32(ppid)
		}
		if exe, err := f.proc.ExeWithContext(ctx); err == nil {
			info.ExePath = exe
		}
		if cmdline, err := f.proc.CmdlineWithContext(ctx); err == nil {
			info.CmdLine = cmdline
		}
		if username, err := f.proc.UsernameWithContext(ctx); err == nil {
			info.Username = username
		}
		if parent, ok := s.opts.Tracker.Get(info.PPID); ok {
			info.ParentExe = parent.ExePath
		}
		s.opts.Tracker.Add(info)
		events = append(events, info.Event())
	}
	return events, nil
}

func (s *pollSource) Cancel(sub *Subscription) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	return nil
}

// Err is always nil: a failed scan is retried on the next tick.
func (s *pollSource) Err() error { return nil }

func (s *pollSource) Close() error {
	return s.Cancel(nil)
}
