//go:build linux

package platform

import (
	"bytes"
	"context"
	binenc "encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/perf"
	"github.com/cilium/ebpf/rlimit"
)

func init() {
	register(BackendEBPF, func(opts Options) EventSource {
		return &bpfSource{opts: opts}
	})
}

// execEvent mirrors the record written by execProgram.
type execEvent struct {
	PID  uint32
	UID  uint32
	Comm [16]byte
}

const execEventSize = 24

// bpfSource attaches a small program to the sched_process_exec tracepoint.
// The program is assembled at load time so no generated objects are needed:
// it records tgid, uid and comm of the task that just exec'd and pushes them
// to a perf event array.
type bpfSource struct {
	opts Options

	events *ebpf.Map
	prog   *ebpf.Program
	tp     link.Link
	reader *perf.Reader
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func (s *bpfSource) Name() string { return BackendEBPF }

func (s *bpfSource) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Backend: BackendEBPF, Err: err}
	}

	// Remove rlimit
	if err := rlimit.RemoveMemlock(); err != nil {
		return &ConnectionError{Backend: BackendEBPF, Err: fmt.Errorf("failed to remove memlock rlimit: %w", err)}
	}

	events, err := ebpf.NewMap(&ebpf.MapSpec{
		Name:      "procwatch_evts",
		Type:      ebpf.PerfEventArray,
		KeySize:   4,
		ValueSize: 4,
	})
	if err != nil {
		return &ConnectionError{Backend: BackendEBPF, Err: fmt.Errorf("failed to create perf event map: %w", err)}
	}

	prog, err := ebpf.NewProgram(&ebpf.ProgramSpec{
		Name:         "procwatch_exec",
		Type:         ebpf.TracePoint,
		License:      "GPL",
		Instructions: execProgram(events.FD()),
	})
	if err != nil {
		events.Close()
		return &ConnectionError{Backend: BackendEBPF, Err: fmt.Errorf("failed to load exec program: %w", err)}
	}

	s.events = events
	s.prog = prog
	return nil
}

// execProgram builds:
//
//	event.pid  = bpf_get_current_pid_tgid() >> 32
//	event.uid  = (u32)bpf_get_current_uid_gid()
//	bpf_get_current_comm(event.comm, 16)
//	bpf_perf_event_output(ctx, &events, BPF_F_CURRENT_CPU, &event, 24)
func execProgram(eventsFD int) asm.Instructions {
	return asm.Instructions{
		asm.Mov.Reg(asm.R6, asm.R1),

		asm.FnGetCurrentPidTgid.Call(),
		asm.RSh.Imm(asm.R0, 32),
		asm.StoreMem(asm.RFP, -24, asm.R0, asm.Word),

		asm.FnGetCurrentUidGid.Call(),
		asm.StoreMem(asm.RFP, -20, asm.R0, asm.Word),

		asm.Mov.Reg(asm.R1, asm.RFP),
		asm.Add.Imm(asm.R1, -16),
		asm.Mov.Imm(asm.R2, 16),
		asm.FnGetCurrentComm.Call(),

		asm.Mov.Reg(asm.R1, asm.R6),
		asm.LoadMapPtr(asm.R2, eventsFD),
		asm.LoadImm(asm.R3, 0xffffffff, asm.DWord),
		asm.Mov.Reg(asm.R4, asm.RFP),
		asm.Add.Imm(asm.R4, -execEventSize),
		asm.Mov.Imm(asm.R5, execEventSize),
		asm.FnPerfEventOutput.Call(),

		asm.Mov.Imm(asm.R0, 0),
		asm.Return(),
	}
}

func (s *bpfSource) Subscribe(sub *Subscription) error {
	if s.prog == nil {
		return &SubscriptionError{Backend: BackendEBPF, Err: errors.New("not connected")}
	}
	if !sub.AddRef() {
		return &SubscriptionError{Backend: BackendEBPF, Err: errors.New("subscription already released")}
	}

	reader, err := perf.NewReader(s.events, os.Getpagesize()*8)
	if err != nil {
		sub.Release()
		return &SubscriptionError{Backend: BackendEBPF, Err: fmt.Errorf("failed to create perf reader: %w", err)}
	}

	tp, err := link.Tracepoint("sched", "sched_process_exec", s.prog, nil)
	if err != nil {
		reader.Close()
		sub.Release()
		return &SubscriptionError{Backend: BackendEBPF, Err: fmt.Errorf("failed to attach exec tracepoint: %w", err)}
	}

	s.reader = reader
	s.tp = tp
	s.done = make(chan struct{})
	go s.readLoop(sub, reader, s.done)
	return nil
}

func (s *bpfSource) readLoop(sub *Subscription, reader *perf.Reader, done chan struct{}) {
	defer close(done)
	defer sub.Release()

	for {
		record, err := reader.Read()
		if err != nil {
			if errors.Is(err, perf.ErrClosed) {
				return
			}
			s.opts.Logger.Warn("error reading perf buffer", "backend", BackendEBPF, "error", err)
			continue
		}

		if record.LostSamples != 0 {
			s.opts.Logger.Warn("perf buffer overflow", "backend", BackendEBPF, "lost", record.LostSamples)
			continue
		}

		if len(record.RawSample) < execEventSize {
			continue
		}
		var evt execEvent
		if err := binenc.Read(bytes.NewReader(record.RawSample[:execEventSize]), binenc.LittleEndian, &evt); err != nil {
			s.opts.Logger.Warn("error parsing exec event", "backend", BackendEBPF, "error", err)
			continue
		}

		comm := string(bytes.TrimRight(evt.Comm[:], "\x00"))
		info := s.opts.Tracker.Observe(evt.PID, comm)
		if info.UID == 0 && evt.UID != 0 {
			info.UID = evt.UID
		}
		sub.Indicate(info.Event())
	}
}

func (s *bpfSource) Cancel(sub *Subscription) error {
	if s.reader == nil {
		return nil
	}

	var errs []error
	if s.tp != nil {
		if err := s.tp.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to detach tracepoint: %w", err))
		}
		s.tp = nil
	}
	if err := s.reader.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close perf reader: %w", err))
	}
	<-s.done
	s.reader = nil

	if len(errs) > 0 {
		return &CancellationError{Backend: BackendEBPF, Err: errors.Join(errs...)}
	}
	return nil
}

// Err is always nil: a perf reader only stops when it is closed.
func (s *bpfSource) Err() error { return nil }

func (s *bpfSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var errs []error
	// Execute cleanup in reverse order of creation
	if s.tp != nil {
		errs = append(errs, s.tp.Close())
	}
	if s.reader != nil {
		errs = append(errs, s.reader.Close())
		<-s.done
	}
	if s.prog != nil {
		errs = append(errs, s.prog.Close())
	}
	if s.events != nil {
		errs = append(errs, s.events.Close())
	}
	return errors.Join(errs...)
}
