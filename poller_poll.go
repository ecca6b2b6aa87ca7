//go:build !linux

package millrt

import "golang.org/x/sys/unix"

// pollPoller is the poll(2)-based fallback backend used on platforms
// without epoll, libmill's poll.h poller. Each wrapped fd records its
// own index into the pollfd array via d.pollIndex so add/remove/clean
// are O(1) instead of a linear scan.
type pollPoller struct {
	fds  []unix.PollFd
	byFD []*fd // parallel to fds
}

func newPoller() (poller, error) {
	return &pollPoller{}, nil
}

func (p *pollPoller) add(d *fd, f *Fiber, events Events) error {
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
	d.registeredEvents |= events
	if d.pollIndex < 0 {
		d.pollIndex = len(p.fds)
		p.fds = append(p.fds, unix.PollFd{Fd: int32(d.raw)})
		p.byFD = append(p.byFD, d)
	}
	p.fds[d.pollIndex].Events = toPollMask(d.registeredEvents)
	return nil
}

func toPollMask(ev Events) int16 {
	var m int16
	if ev&EventIn != 0 {
		m |= unix.POLLIN
	}
	if ev&EventOut != 0 {
		m |= unix.POLLOUT
	}
	return m
}

func (p *pollPoller) remove(f *Fiber) {
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

func (p *pollPoller) syncMask(d *fd) {
	var want Events
	if d.reader != nil {
		want |= EventIn
	}
	if d.writer != nil {
		want |= EventOut
	}
	d.registeredEvents = want
	if d.pollIndex >= 0 {
		if want == 0 {
			p.removeIndex(d.pollIndex)
		} else {
			p.fds[d.pollIndex].Events = toPollMask(want)
		}
	}
}

// removeIndex swaps the last element into idx's slot (order among
// unrelated fds doesn't matter) and fixes up the moved fd's pollIndex.
func (p *pollPoller) removeIndex(idx int) {
	last := len(p.fds) - 1
	p.fds[idx] = p.fds[last]
	p.byFD[idx] = p.byFD[last]
	p.byFD[idx].pollIndex = idx
	p.fds = p.fds[:last]
	p.byFD = p.byFD[:last]
}

func (p *pollPoller) clean(d *fd) {
	if d.pollIndex >= 0 {
		p.removeIndex(d.pollIndex)
		d.pollIndex = -1
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

func (p *pollPoller) wait(timeoutMs int) bool {
	if len(p.fds) == 0 {
		if timeoutMs > 0 {
			_, _ = unix.Poll(nil, timeoutMs)
		}
		return false
	}
	n, err := unix.Poll(p.fds, timeoutMs)
	if err != nil || n == 0 {
		return false
	}
	fired := false
	// Iterates the live slices: syncMask/removeIndex below may swap the
	// last entry into slot i mid-loop, and that entry is then skipped
	// this round (poll is level-triggered, so the next wait reports it).
	for i := 0; i < len(p.fds); i++ {
		revents := p.fds[i].Revents
		if revents == 0 {
			continue
		}
		d := p.byFD[i]
		var mask Events
		if revents&(unix.POLLIN|unix.POLLHUP|unix.POLLERR) != 0 {
			mask |= EventIn
		}
		if revents&unix.POLLOUT != 0 {
			mask |= EventOut
		}
		if revents&unix.POLLERR != 0 {
			mask |= EventErr
		}
		if mask&(EventIn|EventErr) != 0 && d.reader != nil {
			f := d.reader
			d.reader = nil
			f.fdReadWaiter = nil
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
			if f.timer != nil {
				d.sched.timers.cancel(f.timer)
				f.timer = nil
			}
			d.sched.Resume(f, int(mask))
			fired = true
		}
		p.syncMask(d)
		if i < len(p.fds) {
			p.fds[i].Revents = 0
		}
	}
	return fired
}

func (p *pollPoller) close() error { return nil }
