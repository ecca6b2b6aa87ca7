package millrt

import (
	"encoding/binary"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Mutex is a fiber-friendly binary semaphore: a single eventfd
// preloaded with 1. Locking consumes the value, fdwait-ing on
// readability when empty; unlocking writes it back. Multi-threaded
// contention is safe because the kernel serialises eventfd
// reads/writes; Go's own memory model plays no role here, the same
// way libmill relies on the kernel rather than userspace atomics.
//
// A Mutex carries no fixed scheduler affinity: it is meant to be
// shared across threads, so Lock/Unlock take the calling fiber's
// scheduler explicitly. Each scheduler that touches this Mutex gets
// its own lazily-created descriptor wrapper (wrapFD is not safe to
// share across schedulers, and reusing one wrapper per scheduler lets
// the poller's "one waiter per event per fd" rule correctly catch two
// fibers on the SAME scheduler contending for the same lock instead
// of racing two independent epoll_ctl registrations on the same raw
// fd.
type Mutex struct {
	raw      int
	refcount int32

	mu      sync.Mutex
	perSchd map[*Scheduler]*fd
}

// NewMutex creates an unlocked mutex.
func NewMutex(s *Scheduler) (*Mutex, error) {
	efd, err := unix.Eventfd(1, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, newErr("mutex.make", KindOutOfMemory, err)
	}
	_ = unix.SetNonblock(efd, true)
	return &Mutex{raw: efd, refcount: 1, perSchd: make(map[*Scheduler]*fd)}, nil
}

// descriptorFor returns this Mutex's descriptor wrapper for scheduler s,
// creating it on first use. Only ever called from a fiber running on s,
// so the wrapper itself needs no locking once published; the map does.
func (m *Mutex) descriptorFor(s *Scheduler) *fd {
	m.mu.Lock()
	d, ok := m.perSchd[s]
	if !ok {
		d = wrapFD(s, m.raw, fdFlagGeneric)
		m.perSchd[s] = d
	}
	m.mu.Unlock()
	return d
}

// Ref increments the reference count.
func (m *Mutex) Ref() *Mutex {
	atomic.AddInt32(&m.refcount, 1)
	return m
}

// Unref decrements the reference count, closing the underlying eventfd
// once it reaches zero.
func (m *Mutex) Unref() {
	if atomic.AddInt32(&m.refcount, -1) > 0 {
		return
	}
	_ = unix.Close(m.raw)
}

// Lock consumes one unit from the eventfd, parking the calling fiber
// (not the OS thread) on s's poller when the counter is already zero. s
// must be the scheduler of the fiber currently calling Lock, which may
// differ from whatever scheduler created the Mutex.
func (m *Mutex) Lock(s *Scheduler) error {
	d := m.descriptorFor(s)
	var buf [8]byte
	for {
		n, err := unix.Read(m.raw, buf[:])
		if err == nil && n == 8 {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != nil && err != unix.EAGAIN {
			return newErr("mutex.lock", KindBadDescriptor, err)
		}
		if _, ferr := FDWait(s, d, EventIn, NoDeadline); ferr != nil {
			return ferr
		}
	}
}

// Unlock writes one unit back to the eventfd, fdwaiting on s's poller in
// the (normally unreachable, since the counter only ever holds 0 or 1)
// case the eventfd's internal counter were already saturated.
func (m *Mutex) Unlock(s *Scheduler) error {
	d := m.descriptorFor(s)
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	for {
		n, err := unix.Write(m.raw, buf[:])
		if err == nil && n == 8 {
			return nil
		}
		if err == unix.EINTR {
			continue
		}
		if err != unix.EAGAIN {
			return newErr("mutex.unlock", KindBadDescriptor, err)
		}
		if _, ferr := FDWait(s, d, EventOut, NoDeadline); ferr != nil {
			return ferr
		}
	}
}
