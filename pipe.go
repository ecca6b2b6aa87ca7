package millrt

import (
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Pipe is a reference-counted, record-framed, non-blocking byte
// stream, libmill's mill_pipe: send/recv always transfer exactly
// recordSize bytes, retrying across short reads/writes and
// fdwait-ing on readiness in between. It is a standalone primitive:
// the scheduler's self-pipe uses raw descriptors from selfPipe, and
// Mutex is built on an eventfd.
type Pipe struct {
	sched      *Scheduler
	r, w       *fd
	recordSize int
	refcount   int32

	// lockFlag serialises record boundaries across multiple readers on
	// the SAME OS thread's fibers, the spin-locked flag libmill's
	// mill_pipe keeps for exactly this purpose. Readers
	// on other threads each have their own Pipe/fd pair, so no
	// cross-thread locking is needed here; this flag only protects
	// against two fibers on this scheduler racing to read partial
	// records from the same fd.
	lockFlag int32
}

// NewPipe creates a pipe that transfers records of exactly recordSize
// bytes, which must be <= V, mirroring libmill's mill_pipe_pipemake.
func NewPipe(s *Scheduler, recordSize int) (*Pipe, error) {
	if recordSize <= 0 || recordSize > valBufSize {
		return nil, newErr("pipe.make", KindInvalidArgument, nil)
	}
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, newErr("pipe.make", KindOutOfMemory, err)
	}
	p := &Pipe{
		sched:      s,
		r:          wrapFD(s, fds[0], fdFlagGeneric),
		w:          wrapFD(s, fds[1], fdFlagGeneric),
		recordSize: recordSize,
		refcount:   1,
	}
	return p, nil
}

// Dup increments the reference count.
func (p *Pipe) Dup() *Pipe {
	atomic.AddInt32(&p.refcount, 1)
	return p
}

// Send transfers exactly recordSize bytes, blocking the calling fiber
// on write-readiness as needed. Fails with Closed if the write end has
// already been closed.
func (p *Pipe) Send(buf []byte) error {
	if len(buf) != p.recordSize {
		return newErr("pipe.send", KindInvalidArgument, nil)
	}
	total := 0
	for total < p.recordSize {
		n, err := unix.Write(p.w.raw, buf[total:])
		if err == nil {
			total += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return newErr("pipe.send", KindClosed, err)
		}
		if _, ferr := FDWait(p.sched, p.w, EventOut, NoDeadline); ferr != nil {
			return ferr
		}
	}
	return nil
}

// Recv reads exactly recordSize bytes into the fiber's scratch buffer
// and returns it along with a done flag that is true once the write end
// has been closed and no more data will ever arrive.
func (p *Pipe) Recv(f *Fiber) ([]byte, bool, error) {
	buf := f.scratchFor(p.recordSize)
	total := 0
	for total < p.recordSize {
		for !atomic.CompareAndSwapInt32(&p.lockFlag, 0, 1) {
			if _, ferr := FDWait(p.sched, p.r, EventIn, NoDeadline); ferr != nil {
				return nil, false, ferr
			}
		}
		n, err := unix.Read(p.r.raw, buf[total:])
		atomic.StoreInt32(&p.lockFlag, 0)
		if err == nil {
			if n == 0 {
				if total != 0 {
					return nil, false, newErr("pipe.recv", KindClosed, nil)
				}
				return nil, true, nil
			}
			total += n
			continue
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return nil, false, newErr("pipe.recv", KindClosed, err)
		}
		if _, ferr := FDWait(p.sched, p.r, EventIn, NoDeadline); ferr != nil {
			return nil, false, ferr
		}
	}
	return buf, false, nil
}

// Close closes the write end only, signalling EOF to readers, matching
// libmill's mill_pipeclose.
func (p *Pipe) Close() error {
	return p.w.Close()
}

// Free decrements the reference count, closing both ends once it
// reaches zero.
func (p *Pipe) Free() {
	if atomic.AddInt32(&p.refcount, -1) > 0 {
		return
	}
	_ = p.w.Close()
	_ = p.r.Close()
}
