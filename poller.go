package millrt

import "golang.org/x/sys/unix"

// poller is the interface both backends implement: a level-triggered
// readiness API (epoll, Linux) and a polling-array API (poll(2),
// everything else). Exactly one fiber may wait for readable and one
// for writable per fd; add() fails with ProgramBug semantics
// otherwise.
type poller interface {
	add(d *fd, f *Fiber, events Events) error
	remove(f *Fiber)
	clean(d *fd)
	wait(timeoutMs int) bool
	close() error
}

// selfPipe creates the non-blocking OS pipe used both for a
// scheduler's cross-thread completion channel and for a worker task
// queue's doorbell.
func selfPipe() ([2]int, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return fds, newErr("selfpipe", KindOutOfMemory, err)
	}
	return fds, nil
}
