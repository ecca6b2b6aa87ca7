package millrt

import (
	"os"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// defaultWorkerCount / maxWorkerCount bound the shared anonymous worker
// pool, matching libmill's default of 4 permanent workers capped at 64.
// MILLRT_WORKERS overrides the default, renamed from libmill's
// MILL_WORKERS to this module's own naming.
const (
	defaultWorkerCount = 4
	maxWorkerCount     = 64
)

// taskQueue is a worker's inbox. A Go channel is the idiomatic stand-in
// for libmill's cross-thread mill_pipe(sizeof(task*)) here: both are
// just a thread-safe conduit for a pointer-sized record, and the
// channel additionally spares us from having to smuggle a raw Go
// pointer through OS pipe bytes (unsafe, and hostile to the garbage
// collector). Capacity mirrors the OS pipe's kernel buffering.
//
// doorbell is a second, tiny self-pipe: draining q.ch is only safe to
// do from inside the worker's own scheduler (so a spawned tTASK_CORO
// fiber gets its turn), so the worker blocks on doorbell readability
// via the ordinary FDWait path instead of a bare channel receive,
// exactly mirroring how completions wake a scheduler's task-wait fiber.
type taskQueue struct {
	ch        chan *task
	doorbellR int
	doorbellW int
}

func newTaskQueue() *taskQueue {
	fds, err := selfPipe()
	if err != nil {
		programBug("worker.newtaskqueue", "failed to create doorbell pipe: %v", err)
	}
	return &taskQueue{ch: make(chan *task, 4096), doorbellR: fds[0], doorbellW: fds[1]}
}

// ring wakes every worker currently blocked on the doorbell.
func (q *taskQueue) ring() {
	for {
		_, err := unix.Write(q.doorbellW, []byte{1})
		if err == nil || err == unix.EAGAIN {
			return
		}
		if err == unix.EINTR {
			continue
		}
		return
	}
}

// submit enqueues req without ever blocking the OS thread: if the
// queue is momentarily full the calling fiber yields and retries,
// preserving cooperative scheduling on the submitter's scheduler.
func (q *taskQueue) submit(s *Scheduler, req *task) {
	for {
		select {
		case q.ch <- req:
			q.ring()
			return
		default:
			s.Yield()
		}
	}
}

// closeAndRing closes the channel (signalling worker shutdown) and
// wakes any worker parked on the doorbell so it observes the close.
func (q *taskQueue) closeAndRing() {
	close(q.ch)
	q.ring()
}

var (
	globalWorkersOnce sync.Once
	globalTaskQueue   *taskQueue
)

func ensureGlobalWorkers() {
	globalWorkersOnce.Do(func() {
		n := defaultWorkerCount
		if v := os.Getenv("MILLRT_WORKERS"); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
				n = parsed
			}
		}
		if n > maxWorkerCount {
			n = maxWorkerCount
		}
		globalTaskQueue = newTaskQueue()
		for i := 0; i < n; i++ {
			go runWorkerThread(globalTaskQueue, nil)
		}
		logDebug("worker.init", "anonymous worker pool started", "workers", n)
	})
}

// Worker is an explicitly created worker with its own dedicated task
// queue, libmill's mill_worker_create, as opposed to the shared
// anonymous pool.
type Worker struct {
	queue *taskQueue
	done  chan struct{}
}

// WorkerCreate starts one worker OS thread running its own scheduler
// instance, draining an exclusive task queue.
func WorkerCreate() (*Worker, error) {
	w := &Worker{queue: newTaskQueue(), done: make(chan struct{})}
	go runWorkerThread(w.queue, w.done)
	return w, nil
}

// WorkerDelete closes the worker's queue, asking its thread to finish
// any queued tasks and exit, then waits for it to do so.
func WorkerDelete(w *Worker) {
	w.queue.closeAndRing()
	<-w.done
	_ = unix.Close(w.queue.doorbellR)
	_ = unix.Close(w.queue.doorbellW)
}

// WorkerAwait is a task submitted to w's queue whose body simply calls
// WaitAll on the worker's own scheduler, mirroring libmill's
// mill_worker_await/tAWAIT.
func WorkerAwait(s *Scheduler, w *Worker, deadline int64) error {
	req := &task{code: taskAwait, ddline: deadline}
	_, err := submitTask(s, w.queue, req, deadline)
	return err
}

// runWorkerThread is the body of one worker OS thread: it owns a
// dedicated scheduler, locked to this thread the same way libmill
// requires one mill instance per pthread, and drains tasks off q until
// the queue is closed.
func runWorkerThread(q *taskQueue, done chan struct{}) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	ws := Init()
	doorbell := wrapFD(ws, q.doorbellR, fdFlagGeneric)
	var drain [64]byte
	for {
		if _, err := FDWait(ws, doorbell, EventIn, NoDeadline); err != nil {
			break
		}
		for {
			n, err := unix.Read(q.doorbellR, drain[:])
			if n <= 0 || err != nil {
				break
			}
		}
		closed := false
	drainLoop:
		for {
			select {
			case req, ok := <-q.ch:
				if !ok {
					closed = true
					break drainLoop
				}
				runWorkerTask(ws, req)
			default:
				break drainLoop
			}
		}
		if closed {
			break
		}
	}
	ws.Fini()
	if done != nil {
		close(done)
	}
}

// runWorkerTask applies the CAS cancellation protocol before executing
// req: if the submitter's deadline already flipped the state to
// Timedout, the task is dropped silently without signalling a (by now
// possibly stale) completion.
func runWorkerTask(ws *Scheduler, req *task) {
	if !req.state.CompareAndSwap(taskStateQueued, taskStateInProgress) {
		return
	}
	req.run(ws)
}

// ensureTaskWait lazily spawns the per-scheduler service fiber that
// drains cross-thread task completions, created on first offload the
// way libmill lazily starts its task-wait coroutine. It is excluded
// from GoCount the same way libmill decrements num_cr inside the
// coroutine itself.
func (s *Scheduler) ensureTaskWait() {
	if s.taskWaitStarted {
		return
	}
	s.taskWaitStarted = true
	s.taskWait = s.Spawn("task-wait", func(f *Fiber) {
		f.excludedFromCount = true
		s.numFibers-- // the task-wait fiber is excluded from the fiber count
		var drain [64]byte
		for {
			if _, err := FDWait(s, s.selfPipeFD, EventIn, NoDeadline); err != nil {
				return
			}
			for {
				n, err := unix.Read(s.selfPipeR, drain[:])
				if n <= 0 || err != nil {
					break
				}
			}
			s.drainCompletions()
		}
	})
}

// completeTask is called from a worker OS thread once a task finishes
// (by any path: inline execution or a taskCoro fiber). It appends to
// the owning scheduler's completion mailbox and rings its self-pipe;
// only completeTask and the self-pipe write end are ever touched from
// outside the owning scheduler's thread.
func (s *Scheduler) completeTask(t *task) {
	s.completionMu.Lock()
	s.completionQ = append(s.completionQ, t)
	s.completionMu.Unlock()

	for {
		_, err := unix.Write(s.selfPipeW, []byte{1})
		if err == nil || err == unix.EAGAIN {
			return // EAGAIN just means a wake byte is already pending
		}
		if err == unix.EINTR {
			continue
		}
		return // self-pipe closed (scheduler shutting down); nothing to do
	}
}

// drainCompletions runs on the owning scheduler's own goroutine (the
// task-wait fiber): it pops every pending completion and resumes each
// submitter, decrementing numTasks and checking wait-all.
func (s *Scheduler) drainCompletions() {
	s.completionMu.Lock()
	pending := s.completionQ
	s.completionQ = nil
	s.completionMu.Unlock()

	for _, t := range pending {
		atomic.AddInt32(&s.numTasks, -1)
		f := t.submitter
		if f.timer != nil {
			s.timers.cancel(f.timer)
			f.timer = nil
		}
		s.Resume(f, 1)
	}
	if len(pending) > 0 {
		s.checkWaitAll()
	}
}

// submitTask implements libmill's queue_task: enqueue, arm an
// optional deadline with the CAS timeout race, suspend, then collect
// the result. q==nil selects the shared anonymous pool.
func submitTask(s *Scheduler, q *taskQueue, req *task, deadline int64) (int, error) {
	if q == nil {
		ensureGlobalWorkers()
		q = globalTaskQueue
	}
	cr := s.current
	req.state.Store(taskStateQueued)
	req.submitSched = s
	req.submitter = cr
	atomic.AddInt32(&s.numTasks, 1)
	s.ensureTaskWait()

	q.submit(s, req)

	if deadline >= 0 {
		cr.timer = s.timers.insert(deadline, func() {
			if req.state.CompareAndSwap(taskStateQueued, taskStateTimedout) {
				atomic.AddInt32(&s.numTasks, -1)
				s.Resume(cr, -1)
			}
			// else: the worker already claimed it; completion (success
			// or failure) will arrive through the normal path.
		})
	}
	cr.setState(StateSleeping)
	res := s.suspendSelf(cr)
	cr.timer = nil
	if res < 0 {
		return -1, newErr("task.run", KindTimeout, nil)
	}
	return req.result, req.err
}

// TaskRun offloads fn to run inline on a worker thread (tTASK); the
// calling fiber suspends until it completes or deadline elapses.
// w==nil uses the shared anonymous pool.
func TaskRun(s *Scheduler, w *Worker, fn func() (int, error), deadline int64) (int, error) {
	var q *taskQueue
	if w != nil {
		q = w.queue
	}
	return submitTask(s, q, &task{code: taskGeneric, fn: fn}, deadline)
}

// TaskGo offloads fn to run as a fiber inside the worker's own
// scheduler (tTASK_CORO), letting the worker interleave it with other
// work via its own cooperative scheduling.
func TaskGo(s *Scheduler, w *Worker, fn func() (int, error), deadline int64) (int, error) {
	var q *taskQueue
	if w != nil {
		q = w.queue
	}
	return submitTask(s, q, &task{code: taskCoro, fn: fn}, deadline)
}

// ---- filesystem helpers offloaded to the worker pool ----

func OpenA(s *Scheduler, path string, flags int, mode uint32) (int, error) {
	return submitTask(s, nil, &task{code: taskOpen, path: path, flags: flags, mode: mode}, NoDeadline)
}

func CloseA(s *Scheduler, fd int) (int, error) {
	return submitTask(s, nil, &task{code: taskClose, fd: fd}, NoDeadline)
}

func PreadA(s *Scheduler, fd int, buf []byte, offset int64) (int, error) {
	return submitTask(s, nil, &task{code: taskPread, fd: fd, buf: buf, offset: offset}, NoDeadline)
}

func PwriteA(s *Scheduler, fd int, buf []byte, offset int64) (int, error) {
	return submitTask(s, nil, &task{code: taskPwrite, fd: fd, buf: buf, offset: offset}, NoDeadline)
}

func ReadvA(s *Scheduler, fd int, iov [][]byte) (int, error) {
	return submitTask(s, nil, &task{code: taskReadv, fd: fd, iov: iov}, NoDeadline)
}

func WritevA(s *Scheduler, fd int, iov [][]byte) (int, error) {
	return submitTask(s, nil, &task{code: taskWritev, fd: fd, iov: iov}, NoDeadline)
}

func StatA(s *Scheduler, path string, buf []byte) (int, error) {
	return submitTask(s, nil, &task{code: taskStat, path: path, buf: buf}, NoDeadline)
}

func FstatA(s *Scheduler, fd int, buf []byte) (int, error) {
	return submitTask(s, nil, &task{code: taskFstat, fd: fd, buf: buf}, NoDeadline)
}

func UnlinkA(s *Scheduler, path string) (int, error) {
	return submitTask(s, nil, &task{code: taskUnlink, path: path}, NoDeadline)
}

func FsyncA(s *Scheduler, fd int) (int, error) {
	return submitTask(s, nil, &task{code: taskFsync, fd: fd}, NoDeadline)
}

// ---- raw syscalls run on the worker thread, via x/sys/unix ----

func sysOpen(path string, flags int, mode uint32) (int, error) {
	fd, err := unix.Open(path, flags, mode)
	if err != nil {
		return -1, newErr("fs.open", KindBadDescriptor, err)
	}
	return fd, nil
}

func sysClose(fd int) error {
	if err := unix.Close(fd); err != nil {
		return newErr("fs.close", KindBadDescriptor, err)
	}
	return nil
}

func sysPread(fd int, buf []byte, offset int64) (int, error) {
	n, err := unix.Pread(fd, buf, offset)
	if err != nil {
		return -1, newErr("fs.pread", KindBadDescriptor, err)
	}
	return n, nil
}

func sysPwrite(fd int, buf []byte, offset int64) (int, error) {
	n, err := unix.Pwrite(fd, buf, offset)
	if err != nil {
		return -1, newErr("fs.pwrite", KindBadDescriptor, err)
	}
	return n, nil
}

func sysReadv(fd int, iov [][]byte) (int, error) {
	n, err := unix.Readv(fd, iov)
	if err != nil {
		return -1, newErr("fs.readv", KindBadDescriptor, err)
	}
	return n, nil
}

func sysWritev(fd int, iov [][]byte) (int, error) {
	n, err := unix.Writev(fd, iov)
	if err != nil {
		return -1, newErr("fs.writev", KindBadDescriptor, err)
	}
	return n, nil
}

func sysUnlink(path string) error {
	if err := unix.Unlink(path); err != nil {
		return newErr("fs.unlink", KindBadDescriptor, err)
	}
	return nil
}

func sysFsync(fd int) error {
	if err := unix.Fsync(fd); err != nil {
		return newErr("fs.fsync", KindBadDescriptor, err)
	}
	return nil
}

func sysFstat(fd int, buf []byte) error {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return newErr("fs.fstat", KindBadDescriptor, err)
	}
	return encodeStat(&st, buf)
}

func sysStat(path string, buf []byte) error {
	var st unix.Stat_t
	if err := unix.Stat(path, &st); err != nil {
		return newErr("fs.stat", KindBadDescriptor, err)
	}
	return encodeStat(&st, buf)
}

// encodeStat copies the fields callers most often need out of the
// platform Stat_t into a minimal, portable 24-byte record (size,
// mode, mtime-seconds) since Stat_t's raw layout differs across
// platforms and is not part of this runtime's public contract.
func encodeStat(st *unix.Stat_t, buf []byte) error {
	if len(buf) < 24 {
		return newErr("fs.stat", KindInvalidArgument, nil)
	}
	putLE64(buf[0:8], uint64(st.Size))
	putLE64(buf[8:16], uint64(st.Mode))
	putLE64(buf[16:24], uint64(st.Mtim.Sec))
	return nil
}

func putLE64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
