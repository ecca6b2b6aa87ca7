package millrt

import "sync/atomic"

// taskCode tags the deferred operation a task record carries, libmill's
// tagged mill_task union.
type taskCode int

const (
	taskGeneric taskCode = iota // tTASK: run fn inline on the worker thread
	taskCoro                    // tTASK_CORO: run fn as a fiber on the worker's scheduler
	taskOpen
	taskClose
	taskPread
	taskPwrite
	taskReadv
	taskWritev
	taskUnlink
	taskFsync
	taskFstat
	taskStat
	taskAwait
)

const (
	taskStateQueued int32 = iota
	taskStateInProgress
	taskStateTimedout
)

// task is one offloaded operation in flight, libmill's mill_task. Go's
// garbage collector makes the C original's explicit task_free
// unnecessary; what remains is the state machine and result plumbing.
type task struct {
	code  taskCode
	state atomic.Int32

	fn  func() (int, error) // taskGeneric / taskCoro body
	path string
	flags int
	mode  uint32
	fd    int
	buf   []byte
	iov   [][]byte
	offset int64
	ddline int64 // taskAwait's wait-all deadline

	result int
	err    error

	submitSched *Scheduler
	submitter   *Fiber
}

// run executes the task body on the worker's own OS thread, inline and
// synchronously for every code except taskCoro, which spawns a fiber
// on the worker scheduler ws instead and lets it run cooperatively
// there.
func (t *task) run(ws *Scheduler) {
	switch t.code {
	case taskGeneric:
		t.result, t.err = t.fn()
	case taskCoro:
		ws.Spawn("task-coro", func(f *Fiber) {
			f.sched.Yield() // mirrors do_work()'s initial yield()
			t.result, t.err = t.fn()
			t.submitSched.completeTask(t)
		})
		return // completion signalled from inside the spawned fiber
	case taskOpen:
		t.result, t.err = sysOpen(t.path, t.flags, t.mode)
	case taskClose:
		t.err = sysClose(t.fd)
	case taskPread:
		t.result, t.err = sysPread(t.fd, t.buf, t.offset)
	case taskPwrite:
		t.result, t.err = sysPwrite(t.fd, t.buf, t.offset)
	case taskReadv:
		t.result, t.err = sysReadv(t.fd, t.iov)
	case taskWritev:
		t.result, t.err = sysWritev(t.fd, t.iov)
	case taskUnlink:
		t.err = sysUnlink(t.path)
	case taskFsync:
		t.err = sysFsync(t.fd)
	case taskFstat:
		t.err = sysFstat(t.fd, t.buf)
	case taskStat:
		t.err = sysStat(t.path, t.buf)
	case taskAwait:
		t.err = ws.WaitAll(t.ddline)
	default:
		programBug("task.run", "unknown task code %d", t.code)
	}
	t.submitSched.completeTask(t)
}
