//go:build linux

package platform

import (
	"context"
	binenc "encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/jnesss/procwatch/process"
)

func init() {
	register(BackendNetlink, func(opts Options) EventSource {
		return &netlinkSource{opts: opts, fd: -1}
	})
}

// Kernel proc connector constants from linux/connector.h and linux/cn_proc.h.
const (
	cnIdxProc = 0x1
	cnValProc = 0x1

	procCnMcastListen = 1
	procCnMcastIgnore = 2

	procEventExec = 0x00000002

	// struct cn_msg: idx, val, seq, ack (u32) + len, flags (u16)
	cnMsgLen = 20
	// struct proc_event header: what, cpu (u32) + timestamp_ns (u64)
	procEventHeaderLen = 16
)

// netlinkSource listens to the kernel proc connector. It sees every exec on
// the host and needs CAP_NET_ADMIN to join the multicast group.
type netlinkSource struct {
	opts Options

	fd       int
	seq      uint32
	stopping atomic.Bool
	done     chan struct{}

	mu     sync.Mutex
	err    error
	closed bool
}

func (s *netlinkSource) Name() string { return BackendNetlink }

func (s *netlinkSource) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &ConnectionError{Backend: BackendNetlink, Err: err}
	}

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_DGRAM|unix.SOCK_CLOEXEC, unix.NETLINK_CONNECTOR)
	if err != nil {
		return &ConnectionError{Backend: BackendNetlink, Err: fmt.Errorf("failed to open netlink socket: %w", err)}
	}

	addr := &unix.SockaddrNetlink{Family: unix.AF_NETLINK, Groups: cnIdxProc}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return &ConnectionError{Backend: BackendNetlink, Err: fmt.Errorf("failed to bind proc connector: %w", err)}
	}

	// Recvfrom wakes up at least once per wait interval so the delivery
	// goroutine can notice cancellation.
	tv := unix.NsecToTimeval(s.opts.WaitInterval.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return &ConnectionError{Backend: BackendNetlink, Err: fmt.Errorf("failed to set receive timeout: %w", err)}
	}

	s.fd = fd
	return nil
}

// control sends a PROC_CN_MCAST_* operation to the kernel.
func (s *netlinkSource) control(op uint32) error {
	s.seq++
	buf := make([]byte, unix.NLMSG_HDRLEN+cnMsgLen+4)

	binenc.NativeEndian.PutUint32(buf[0:], uint32(len(buf)))
	binenc.NativeEndian.PutUint16(buf[4:], unix.NLMSG_DONE)
	binenc.NativeEndian.PutUint32(buf[8:], s.seq)
	binenc.NativeEndian.PutUint32(buf[12:], uint32(os.Getpid()))

	msg := buf[unix.NLMSG_HDRLEN:]
	binenc.NativeEndian.PutUint32(msg[0:], cnIdxProc)
	binenc.NativeEndian.PutUint32(msg[4:], cnValProc)
	binenc.NativeEndian.PutUint32(msg[8:], s.seq)
	binenc.NativeEndian.PutUint16(msg[16:], 4)
	binenc.NativeEndian.PutUint32(msg[cnMsgLen:], op)

	return unix.Sendto(s.fd, buf, 0, &unix.SockaddrNetlink{Family: unix.AF_NETLINK})
}

func (s *netlinkSource) Subscribe(sub *Subscription) error {
	if s.fd < 0 {
		return &SubscriptionError{Backend: BackendNetlink, Err: errors.New("not connected")}
	}
	if !sub.AddRef() {
		return &SubscriptionError{Backend: BackendNetlink, Err: errors.New("subscription already released")}
	}
	if err := s.control(procCnMcastListen); err != nil {
		sub.Release()
		return &SubscriptionError{Backend: BackendNetlink, Err: fmt.Errorf("failed to join proc events: %w", err)}
	}

	s.done = make(chan struct{})
	go s.readLoop(sub, s.done)
	return nil
}

func (s *netlinkSource) readLoop(sub *Subscription, done chan struct{}) {
	defer close(done)
	defer sub.Release()

	buf := make([]byte, os.Getpagesize())
	for !s.stopping.Load() {
		n, _, err := unix.Recvfrom(s.fd, buf, 0)
		if err != nil {
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
				continue
			}
			if errors.Is(err, unix.ENOBUFS) {
				s.opts.Logger.Warn("proc connector overrun, events lost", "backend", BackendNetlink)
				continue
			}
			if !s.stopping.Load() {
				s.setErr(fmt.Errorf("proc connector receive failed: %w", err))
			}
			return
		}

		events := parseProcEvents(buf[:n], s.opts.Tracker)
		if len(events) > 0 {
			sub.Indicate(events...)
		}
	}
}

// parseProcEvents walks the netlink messages in a datagram and returns the
// exec events it carries, in order.
func parseProcEvents(b []byte, tracker *process.Tracker) []process.Event {
	var events []process.Event
	for len(b) >= unix.NLMSG_HDRLEN {
		msgLen := int(binenc.NativeEndian.Uint32(b[0:]))
		if msgLen < unix.NLMSG_HDRLEN || msgLen > len(b) {
			break
		}
		data := b[unix.NLMSG_HDRLEN:msgLen]
		if len(data) >= cnMsgLen+procEventHeaderLen+8 {
			ev := data[cnMsgLen:]
			if binenc.NativeEndian.Uint32(ev[0:]) == procEventExec {
				pid := binenc.NativeEndian.Uint32(ev[procEventHeaderLen:])
				tgid := binenc.NativeEndian.Uint32(ev[procEventHeaderLen+4:])
				// A multi-threaded exec reports the thread; the process
				// is identified by its thread group.
				if pid == tgid {
					info := tracker.Observe(tgid, "")
					events = append(events, info.Event())
				}
			}
		}

		aligned := (msgLen + unix.NLMSG_ALIGNTO - 1) &^ (unix.NLMSG_ALIGNTO - 1)
		if aligned > len(b) {
			break
		}
		b = b[aligned:]
	}
	return events
}

func (s *netlinkSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *netlinkSource) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *netlinkSource) Cancel(sub *Subscription) error {
	if s.done == nil {
		return nil
	}

	var cancelErr error
	if s.Err() == nil {
		if err := s.control(procCnMcastIgnore); err != nil {
			cancelErr = &CancellationError{Backend: BackendNetlink, Err: fmt.Errorf("failed to leave proc events: %w", err)}
		}
	}
	s.stopping.Store(true)
	<-s.done
	s.done = nil
	return cancelErr
}

func (s *netlinkSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	if s.done != nil {
		s.stopping.Store(true)
		<-s.done
		s.done = nil
	}
	if s.fd < 0 {
		return nil
	}
	err := unix.Close(s.fd)
	s.fd = -1
	return err
}
