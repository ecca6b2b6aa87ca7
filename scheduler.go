// Package millrt is a lightweight, cooperative, M:N concurrency runtime
// for network and I/O-bound programs. It multiplexes many user-space
// fibers over a single OS thread per Scheduler, provides typed channels
// with a non-deterministic multi-way select, a deadline-ordered timer
// heap, a readiness-based I/O poller, and a worker pool for offloading
// blocking syscalls.
//
// This file implements the scheduler core: fiber context switching,
// the ready queue, and the suspend/resume primitive.
package millrt

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// pollExternalEvery mirrors libmill's "counter == 103" heuristic: an
// arbitrary bounded interval that keeps externally-signalled deadlines
// and cancellations from starving under a tight inter-fiber ping-pong.
// The exact value is not behaviourally observable; any bounded
// interval >= 1 suffices.
const pollExternalEvery = 103

// Scheduler is the per-OS-thread runtime that multiplexes fibers onto a
// single OS thread. Every field below is touched only by the goroutine
// currently holding the baton (see suspendSelf/dispatchNext below),
// except numTasks and the self-pipe, which are the sole channel through
// which other OS threads (workers) communicate with this scheduler.
type Scheduler struct {
	main    *Fiber
	current *Fiber

	readyHead *Fiber
	readyTail *Fiber
	numFibers int // excludes main and the task-wait fiber

	freeSlots []*fiberSlot

	timers *timerHeap

	poller       poller
	selfPipeR    int
	selfPipeW    int
	selfPipeFD   *fd
	taskWait     *Fiber
	numTasks     int32 // atomic; in-flight offloaded tasks
	numCreated   int64
	suspendCount int

	waitAllArmed   bool
	waitAllWaiter  *Fiber
	waitAllResult  int
	waitAllPending bool

	chooseSeqnum int64 // bumped once per select, used for duplicate-endpoint tie-break

	// cross-thread task completion mailbox. Workers running on other
	// OS threads append here and ring the self-pipe;
	// only the owning scheduler's task-wait fiber ever pops from it.
	completionMu    sync.Mutex
	completionQ     []*task
	taskWaitStarted bool

	closed bool
}

// fiberSlot is a long-lived goroutine that runs one fiber entry at a
// time; it is the Go realization of libmill's cached stack: the
// free-list pools fiberSlots (each with its guard-paged scratch region)
// rather than mmap'd fiber stacks, because Go's own goroutine stacks
// already grow and are bounds-checked by the Go runtime (see DESIGN.md
// "Stack / guard page" entry).
type fiberSlot struct {
	spawnCh chan *Fiber

	// stack is this slot's guard-paged scratch region, created once on
	// first use and reused for every fiber the slot ever runs, the same
	// cache-and-reuse lifetime libmill gives a coroutine's mmap'd stack.
	stack *GuardedRegion
}

// Init creates a new Scheduler bound to the calling OS thread. Callers
// that intend to run fibers from this scheduler should call
// runtime.LockOSThread first, matching libmill's one-scheduler-per-
// thread model. Init takes no worker count: the shared anonymous worker
// pool is sized from MILLRT_WORKERS on first offload (see worker.go).
func Init() *Scheduler {
	s := &Scheduler{
		timers: newTimerHeap(),
	}
	s.main = newFiber(s, "main", nil)
	s.main.setState(StateRunning)
	s.current = s.main

	p, err := newPoller()
	if err != nil {
		programBug("scheduler.init", "failed to create poller: %v", err)
	}
	s.poller = p

	fds, err := selfPipe()
	if err != nil {
		programBug("scheduler.init", "failed to create self-pipe: %v", err)
	}
	s.selfPipeR, s.selfPipeW = fds[0], fds[1]
	s.selfPipeFD = wrapFD(s, s.selfPipeR, fdFlagGeneric)
	logDebug("scheduler.init", "scheduler initialised")
	return s
}

// monoBase anchors Now(); time.Since measures against its monotonic
// clock reading.
var monoBase = time.Now()

// Now returns monotonic milliseconds from the platform's highest-
// resolution monotonic clock, the same source libmill's now() reads,
// counted from package initialisation.
func Now() int64 {
	return int64(time.Since(monoBase) / time.Millisecond)
}

// NoDeadline means "never" for sleep/fdwait/select-deadline/wait
// arguments.
const NoDeadline int64 = -1

// GoCount returns the number of fibers currently alive on this
// scheduler, excluding main and the internal task-wait fiber.
func (s *Scheduler) GoCount() int { return s.numFibers }

// TaskCount returns the number of offloaded tasks currently in flight.
func (s *Scheduler) TaskCount() int { return int(atomic.LoadInt32(&s.numTasks)) }

// Current returns the fiber currently executing on this scheduler.
func (s *Scheduler) Current() *Fiber { return s.current }

// ---- ready queue: intrusive singly-linked FIFO, O(1) push/pop ----

func (s *Scheduler) readyPushBack(f *Fiber) {
	f.readyNext = nil
	if s.readyTail == nil {
		s.readyHead, s.readyTail = f, f
		return
	}
	s.readyTail.readyNext = f
	s.readyTail = f
}

func (s *Scheduler) readyPopFront() *Fiber {
	f := s.readyHead
	if f == nil {
		return nil
	}
	s.readyHead = f.readyNext
	if s.readyHead == nil {
		s.readyTail = nil
	}
	f.readyNext = nil
	return f
}

// Resume marks fiber f Ready with pending result r and enqueues it at
// the tail of the ready queue, mirroring libmill's mill_resume. It
// does not itself switch execution; the caller keeps running until it
// next calls suspend (directly, or via Yield/Sleep/channel ops/...).
func (s *Scheduler) Resume(f *Fiber, result int) {
	if f.State() == StateReady {
		programBug("scheduler.resume", "resume on already-ready fiber %s", f)
	}
	f.result = result
	f.setState(StateReady)
	s.readyPushBack(f)
}

// Spawn creates a fiber running entry and switches to it immediately:
// the caller becomes Ready and is appended to the ready queue, matching
// libmill's go-statement/mill_go semantics. A fiberSlot goroutine is
// popped from the per-scheduler cache or freshly created along with
// its guard-paged scratch region.
func (s *Scheduler) Spawn(name string, entry func(f *Fiber)) *Fiber {
	f := newFiber(s, name, entry)
	var slot *fiberSlot
	if n := len(s.freeSlots); n > 0 {
		slot = s.freeSlots[n-1]
		s.freeSlots = s.freeSlots[:n-1]
	} else {
		slot = &fiberSlot{spawnCh: make(chan *Fiber)}
		if region, err := NewGuardedRegion(valBufSize); err != nil {
			logWarn("scheduler.spawn", "guard page unavailable, falling back to a plain buffer", "err", err.Error())
		} else {
			slot.stack = region
		}
		go slotLoop(s, slot)
	}
	if slot.stack != nil {
		f.scratch = slot.stack.Usable()[:valBufSize]
	}
	s.numFibers++
	s.numCreated++
	logDebug("scheduler.spawn", "fiber spawned", "fiber", f.String())

	parent := s.current
	parent.setState(StateReady)
	s.readyPushBack(parent)
	s.current = f

	slot.spawnCh <- f // wake the slot goroutine; it will block on f.resumeChan next
	f.resumeChan <- 0 // the actual go-ahead
	<-parent.resumeChan
	return f
}

const maxCachedSlots = 64

// slotLoop is the body of a fiberSlot's persistent goroutine: it runs
// one fiber to completion, then either parks for reuse (if the cache
// has room) or exits, letting the goroutine's stack be reclaimed, the
// Go equivalent of libmill unmapping a surplus cached stack.
func slotLoop(s *Scheduler, slot *fiberSlot) {
	for f := range slot.spawnCh {
		<-f.resumeChan
		f.setState(StateRunning)
		runEntry(f)
		s.finishFiber(f, slot)
	}
}

func runEntry(f *Fiber) {
	defer func() {
		if r := recover(); r != nil {
			logWarn("fiber.panic", "fiber entry panicked", "fiber", f.String(), "recovered", r)
		}
	}()
	f.entry(f)
}

// finishFiber runs the fiber-termination path mirroring libmill's
// mill_cr exit handling: remove from its wait-group if any, cancel its
// timer, decrement the live count, then hand the baton to the next
// runnable fiber. It never returns to f; dispatchNext below wakes
// whichever fiber runs next and returns immediately, so the calling
// goroutine (f's slot) simply falls back out to slotLoop.
func (s *Scheduler) finishFiber(f *Fiber, slot *fiberSlot) {
	f.setState(StateDead)
	atomic.StoreInt32(&f.deadMark, 1)
	if f.wg != nil {
		f.wg.remove(f)
	}
	if f.timer != nil {
		s.timers.cancel(f.timer)
		f.timer = nil
	}
	if !f.excludedFromCount {
		s.numFibers--
	}
	logDebug("scheduler.fini_fiber", "fiber finished", "fiber", f.String())
	s.checkWaitAll()

	if len(s.freeSlots) < maxCachedSlots {
		s.freeSlots = append(s.freeSlots, slot)
	} else {
		close(slot.spawnCh) // exceeds the bound: let this goroutine exit
		if slot.stack != nil {
			_ = slot.stack.Close()
		}
	}
	s.dispatchNext()
}

// Yield appends the current fiber to the tail of the ready queue and
// suspends; it resumes with result 0 once rescheduled, matching
// libmill's mill_yield.
func (s *Scheduler) Yield() int {
	f := s.current
	f.result = 0
	f.setState(StateReady)
	s.readyPushBack(f)
	return s.suspendSelf(f)
}

// Sleep suspends the current fiber until monotonic time >= deadline.
// deadline == NoDeadline means "never" (only other events can wake it).
func (s *Scheduler) Sleep(deadline int64) int {
	f := s.current
	f.setState(StateSleeping)
	if deadline >= 0 {
		f.timer = s.timers.insert(deadline, func() { s.Resume(f, 0) })
	}
	return s.suspendSelf(f)
}

// suspendSelf hands the baton to the next runnable fiber (or blocks on
// timers/poller/self-pipe until one exists) and then parks f's goroutine
// on its own resumeChan. It returns once some other code path calls
// Resume(f, ...) and the scheduler later picks f off the ready queue.
func (s *Scheduler) suspendSelf(f *Fiber) int {
	if f.suspendHook != nil {
		f.suspendHook(f.hookData, false)
	}
	s.dispatchNext()
	<-f.resumeChan
	if f.resumeHook != nil {
		f.resumeHook(f.hookData)
	}
	return f.result
}

// dispatchNext picks the next runnable fiber and wakes its goroutine,
// blocking on timers/poller/self-pipe as needed when none is ready. It
// is the shared tail of suspendSelf and finishFiber: both hand off
// control to "whoever runs next" without the calling goroutine parking
// on its own channel afterward (finishFiber's goroutine exits instead).
func (s *Scheduler) dispatchNext() {
	for {
		s.suspendCount++
		if s.suspendCount >= pollExternalEvery {
			s.wait(false)
			s.suspendCount = 0
		}
		if next := s.readyPopFront(); next != nil {
			s.current = next
			next.setState(StateRunning)
			next.resumeChan <- next.result
			return
		}
		s.wait(true)
		s.suspendCount = 0
	}
}

// wait polls timers + fd readiness + the self-pipe once. If block is
// true it waits up to the next timer deadline (or indefinitely with no
// armed timers and no in-flight tasks, which would otherwise hang
// forever -- callers only reach that state from WaitAll/fini, which
// bound it themselves). If block is false, it polls with a zero
// timeout: the periodic forced external poll that keeps a tight
// inter-fiber ping-pong from starving timers and fd readiness.
func (s *Scheduler) wait(block bool) {
	timeout := 0
	if block {
		timeout = s.timers.next()
	}
	fdFired := s.poller.wait(timeout)
	timerFired := s.timers.fire(Now())
	if block && !fdFired && !timerFired {
		// Mirrors mill_wait: timeout hit but nothing expired (clock
		// skew). Do not spin; the caller's loop will re-enter wait().
		runtime.Gosched()
	}
}

// WaitAll suspends the calling fiber (which must be the main fiber)
// until all non-main fibers and all in-flight tasks have completed, or
// deadline elapses, matching libmill's mill_waitall. Returns
// ErrDeadlock if called from a non-main fiber, ErrTimeout on deadline
// expiry.
func (s *Scheduler) WaitAll(deadline int64) error {
	if s.current != s.main {
		return newErr("scheduler.waitall", KindDeadlock, nil)
	}
	if s.numFibers == 0 && s.TaskCount() == 0 {
		return nil
	}
	s.waitAllArmed = true
	s.waitAllWaiter = s.main
	defer func() { s.waitAllArmed = false; s.waitAllWaiter = nil }()

	if deadline >= 0 {
		s.main.timer = s.timers.insert(deadline, func() {
			s.waitAllResult = -1
			s.Resume(s.main, -1)
		})
	}
	s.main.setState(StateSleeping)
	res := s.suspendSelf(s.main)
	if res < 0 {
		return newErr("scheduler.waitall", KindTimeout, nil)
	}
	return nil
}

// checkWaitAll resumes the WaitAll waiter once both counters reach
// zero; called from both the fiber-terminate path and the task-wait
// path.
func (s *Scheduler) checkWaitAll() {
	if s.waitAllArmed && s.numFibers == 0 && s.TaskCount() == 0 {
		w := s.waitAllWaiter
		if w != nil && w.State() != StateReady {
			if w.timer != nil {
				s.timers.cancel(w.timer)
				w.timer = nil
			}
			s.Resume(w, 0)
		}
	}
}

// Fini waits for all non-main fibers, closes the self-pipe, tears down
// the poller and timer heap, and releases cached stacks, mirroring
// libmill's mill_fini.
func (s *Scheduler) Fini() {
	if s.closed {
		return
	}
	_ = s.WaitAll(NoDeadline)
	s.closed = true
	_ = s.poller.close()
	closeRawFD(s.selfPipeR)
	closeRawFD(s.selfPipeW)
	for _, slot := range s.freeSlots {
		close(slot.spawnCh)
		if slot.stack != nil {
			_ = slot.stack.Close()
		}
	}
	s.freeSlots = nil
	logDebug("scheduler.fini", "scheduler torn down")
}
