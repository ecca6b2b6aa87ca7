package millrt

import (
	"golang.org/x/sys/unix"
)

// Events is the readiness bitmask: IN=1, OUT=2, ERR=4, matching
// libmill's MILL_IN/MILL_OUT/MILL_ERR.
type Events int

const (
	EventIn  Events = 1
	EventOut Events = 2
	EventErr Events = 4
)

// fdFlag classifies a descriptor wrapper the way libmill's mfd->flags
// does: plain descriptors vs TCP sockets, which additionally suppress
// SIGPIPE on send.
type fdFlag int

const (
	fdFlagGeneric fdFlag = iota
	fdFlagTCPSocket
)

// fd is the descriptor wrapper, libmill's struct mill_fd: a raw OS
// descriptor, a flag word, optional user data, poller-specific
// bookkeeping, and at most one fiber each waiting for readable and
// writable.
type fd struct {
	sched *Scheduler
	raw   int
	flag  fdFlag
	data  interface{}

	// poller-specific: epoll tracks the currently-registered event mask,
	// poll(2) tracks an index into its pollfd array. Both live here so
	// both poller implementations share one fd type.
	registeredEvents Events
	pollIndex        int

	reader *Fiber
	writer *Fiber

	closed bool
}

// wrapFD puts raw into non-blocking mode and returns a wrapper for it.
func wrapFD(s *Scheduler, raw int, flag fdFlag) *fd {
	_ = unix.SetNonblock(raw, true)
	if flag == fdFlagTCPSocket {
		_ = unix.SetsockoptInt(raw, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}
	return &fd{sched: s, raw: raw, flag: flag, pollIndex: -1}
}

// Open wraps an existing raw OS descriptor, libmill's fdopen.
func Open(s *Scheduler, raw int) *fd { return wrapFD(s, raw, fdFlagGeneric) }

// Fd returns the underlying raw OS descriptor.
func (d *fd) Fd() int { return d.raw }

// SetData/GetData attach an opaque user pointer to the descriptor.
func (d *fd) SetData(v interface{}) { d.data = v }
func (d *fd) GetData() interface{}  { return d.data }

// FDWait composes a timer arm (if deadline >= 0) with a poller
// registration (if d != nil) and suspends, matching libmill's
// fdwait(fd, events, deadline). The return value is the event mask
// that fired (non-zero) or 0 on timeout.
func FDWait(s *Scheduler, d *fd, events Events, deadline int64) (Events, error) {
	f := s.current
	var armed *timerNode
	if deadline >= 0 {
		armed = s.timers.insert(deadline, func() {
			if d != nil {
				s.poller.remove(f)
			}
			s.Resume(f, 0)
		})
		f.timer = armed
	}
	if d != nil {
		if err := s.poller.add(d, f, events); err != nil {
			if armed != nil {
				s.timers.cancel(armed)
				f.timer = nil
			}
			return 0, err
		}
	}
	f.setState(StateWaitingOnFd)
	res := s.suspendSelf(f)
	f.timer = nil
	return Events(res), nil
}

// Clean forgets all poller state associated with the descriptor,
// libmill's fdclean, called before closing.
func (d *fd) Clean() {
	if d.sched != nil {
		d.sched.poller.clean(d)
	}
}

// Close cleans poller state and closes the raw descriptor.
func (d *fd) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	d.Clean()
	return closeRawFD(d.raw)
}

func closeRawFD(raw int) error {
	if raw < 0 {
		return nil
	}
	return unix.Close(raw)
}

// Read performs a fiber-blocking read: it loops, attempting the syscall
// and fdwait-ing on EventIn across EAGAIN, retrying on EINTR, and
// failing with a Timeout error if deadline elapses first, the same
// read loop libmill wraps around recv(2).
func (d *fd) Read(p []byte, deadline int64) (int, error) {
	for {
		n, err := unix.Read(d.raw, p)
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return 0, newErr("fd.read", KindBadDescriptor, err)
		}
		ev, ferr := FDWait(d.sched, d, EventIn, deadline)
		if ferr != nil {
			return 0, ferr
		}
		if ev == 0 {
			return 0, newErr("fd.read", KindTimeout, nil)
		}
	}
}

// Write performs a fiber-blocking write with the same EAGAIN/EINTR/
// deadline loop as Read. TCP-flagged descriptors suppress SIGPIPE via
// MSG_NOSIGNAL, mirroring libmill's use of send(2) with that flag.
func (d *fd) Write(p []byte, deadline int64) (int, error) {
	for {
		var n int
		var err error
		if d.flag == fdFlagTCPSocket {
			n, err = unix.SendmsgN(d.raw, p, nil, nil, unix.MSG_NOSIGNAL)
		} else {
			n, err = unix.Write(d.raw, p)
		}
		if err == nil {
			return n, nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return 0, newErr("fd.write", KindBadDescriptor, err)
		}
		ev, ferr := FDWait(d.sched, d, EventOut, deadline)
		if ferr != nil {
			return 0, ferr
		}
		if ev == 0 {
			return 0, newErr("fd.write", KindTimeout, nil)
		}
	}
}
