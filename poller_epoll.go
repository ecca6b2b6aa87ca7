//go:build linux

package millrt

import (
	"golang.org/x/sys/unix"
)

// epollPoller is the Linux readiness backend, libmill's epoll.h
// poller_init/poller_add/poller_wait. Each wrapped fd carries its own
// registered event mask and waiter fibers; byFD maps the raw fd that
// epoll_wait returns (stashed in the epoll_event's Fd field) back to
// that wrapper.
type epollPoller struct {
	epfd    int
	byFD    map[int32]*fd
	events  []unix.EpollEvent
}

func newPoller() (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, newErr("poller.epoll_create1", KindOutOfMemory, err)
	}
	return &epollPoller{
		epfd:   epfd,
		byFD:   make(map[int32]*fd),
		events: make([]unix.EpollEvent, 256),
	}, nil
}

func toEpollMask(ev Events) uint32 {
	var m uint32 = unix.EPOLLERR | unix.EPOLLHUP
	if ev&EventIn != 0 {
		m |= unix.EPOLLIN
	}
	if ev&EventOut != 0 {
		m |= unix.EPOLLOUT
	}
	return m
}

func (p *epollPoller) add(d *fd, f *Fiber, events Events) error {
	if events&EventIn != 0 && d.reader != nil {
		programBug("poller.add", "multiple fibers waiting for readable on fd %d", d.raw)
	}
	if events&EventOut != 0 && d.writer != nil {
		programBug("poller.add", "multiple fibers waiting for writable on fd %d", d.raw)
	}
	if events&EventIn != 0 {
		d.reader = f
		f.fdReadWaiter = d
	}
	if events&EventOut != 0 {
		d.writer = f
		f.fdWriteWaiter = d
	}

	want := d.registeredEvents | events
	op := unix.EPOLL_CTL_MOD
	if d.registeredEvents == 0 {
		op = unix.EPOLL_CTL_ADD
		p.byFD[int32(d.raw)] = d
	}
	ev := unix.EpollEvent{Events: toEpollMask(want), Fd: int32(d.raw)}
	if err := unix.EpollCtl(p.epfd, op, d.raw, &ev); err != nil {
		return newErr("poller.epoll_ctl", KindBadDescriptor, err)
	}
	d.registeredEvents = want
	return nil
}

func (p *epollPoller) remove(f *Fiber) {
	if d := f.fdReadWaiter; d != nil && d.reader == f {
		d.reader = nil
		f.fdReadWaiter = nil
		p.syncMask(d)
	}
	if d := f.fdWriteWaiter; d != nil && d.writer == f {
		d.writer = nil
		f.fdWriteWaiter = nil
		p.syncMask(d)
	}
}

func (p *epollPoller) syncMask(d *fd) {
	var want Events
	if d.reader != nil {
		want |= EventIn
	}
	if d.writer != nil {
		want |= EventOut
	}
	if want == d.registeredEvents {
		return
	}
	if want == 0 {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, d.raw, nil)
		delete(p.byFD, int32(d.raw))
	} else {
		ev := unix.EpollEvent{Events: toEpollMask(want), Fd: int32(d.raw)}
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_MOD, d.raw, &ev)
	}
	d.registeredEvents = want
}

func (p *epollPoller) clean(d *fd) {
	if d.registeredEvents != 0 {
		_ = unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, d.raw, nil)
		delete(p.byFD, int32(d.raw))
	}
	if d.reader != nil {
		d.reader.fdReadWaiter = nil
		d.reader = nil
	}
	if d.writer != nil {
		d.writer.fdWriteWaiter = nil
		d.writer = nil
	}
	d.registeredEvents = 0
}

func (p *epollPoller) wait(timeoutMs int) bool {
	n, err := unix.EpollWait(p.epfd, p.events, timeoutMs)
	if err != nil {
		return false
	}
	fired := false
	for i := 0; i < n; i++ {
		ev := p.events[i]
		d, ok := p.byFD[ev.Fd]
		if !ok {
			continue
		}
		var mask Events
		if ev.Events&(unix.EPOLLIN|unix.EPOLLHUP) != 0 {
			mask |= EventIn
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			mask |= EventOut
		}
		if ev.Events&unix.EPOLLERR != 0 {
			mask |= EventErr
		}
		if mask&(EventIn|EventErr) != 0 && d.reader != nil {
			f := d.reader
			d.reader = nil
			f.fdReadWaiter = nil
			p.syncMask(d)
			if f.timer != nil {
				d.sched.timers.cancel(f.timer)
				f.timer = nil
			}
			d.sched.Resume(f, int(mask))
			fired = true
		}
		if mask&(EventOut|EventErr) != 0 && d.writer != nil {
			f := d.writer
			d.writer = nil
			f.fdWriteWaiter = nil
			p.syncMask(d)
			if f.timer != nil {
				d.sched.timers.cancel(f.timer)
				f.timer = nil
			}
			d.sched.Resume(f, int(mask))
			fired = true
		}
	}
	return fired
}

func (p *epollPoller) close() error {
	return unix.Close(p.epfd)
}
