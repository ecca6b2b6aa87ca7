package millrt

import (
	"fmt"
	"sync/atomic"
)

// valBufSize is the fixed per-fiber scratch buffer through which
// channel values are marshalled, libmill's MILL_VALBUF_SIZE. Callers
// must not use channel element sizes larger than this.
const valBufSize = 128

// State is the lifecycle state of a Fiber, used for debugging and for
// the invariants that forbid e.g. double-waiting on the same endpoint.
type State int32

const (
	StateReady State = iota
	StateRunning
	StateSleeping
	StateWaitingOnFd
	StateReceivingOnChan
	StateSendingOnChan
	StateInSelect
	StateDead
)

func (s State) String() string {
	switch s {
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateSleeping:
		return "sleeping"
	case StateWaitingOnFd:
		return "waiting-on-fd"
	case StateReceivingOnChan:
		return "receiving-on-chan"
	case StateSendingOnChan:
		return "sending-on-chan"
	case StateInSelect:
		return "in-select"
	case StateDead:
		return "dead"
	default:
		return "unknown"
	}
}

var fiberIDCounter int64

// Fiber is a unit of cooperative execution with its own goroutine and a
// fixed scratch buffer used to marshal channel values. A Fiber is
// exclusively owned by the Scheduler that created it; it is never moved
// to another scheduler, mirroring libmill's mill_cr.
type Fiber struct {
	id    int64
	sched *Scheduler
	state atomic.Int32

	// scratch is the fiber's value buffer, normally a plain slice but
	// backed by a GuardedRegion's usable span when the fiber runs on a
	// slot that has one. It then starts right after the region's guard
	// page, so an access running below its start faults instead of
	// silently corrupting whatever the allocator put next to it.
	scratch []byte

	// ready queue intrusive link (singly linked, FIFO).
	readyNext *Fiber

	// timer node, armed by sleep/select-deadline/fdwait/task deadline.
	timer *timerNode

	// fd-wait node, set while parked in the poller.
	fdReadWaiter  *fd
	fdWriteWaiter *fd

	// wait-group membership (a fiber belongs to at most one group).
	wg     *WaitGroup
	wgNext *Fiber
	wgPrev *Fiber

	// resume/suspend hooks, mirroring libmill's mill_cr resume_hook /
	// suspend_hook pair; userData is opaque to the scheduler.
	resumeHook  func(userData interface{})
	suspendHook func(userData interface{}, exiting bool)
	hookData    interface{}

	// pending-task back-link (set while blocked in task_run).
	task *task

	// baton: exactly one send wakes this fiber's goroutine with a result.
	resumeChan chan int
	result     int

	entry func(f *Fiber)
	name  string

	// scratchVal holds the boxed value delivered by the most recent
	// channel receive; scratch ([]byte) remains for pipe/fd record I/O.
	scratchVal interface{}

	// selClauses is this fiber's currently-registered select branches,
	// linked through clause.selNext.
	selClauses *clause

	// excludedFromCount marks the task-wait service fiber, which is not
	// counted in GoCount/numFibers so it can never block WaitAll, the
	// same way libmill decrements num_cr inside the coroutine itself.
	excludedFromCount bool

	// set once the fiber's entry function returns; used by join-style
	// callers (not part of the public surface, used by tests).
	deadMark int32
}

func newFiber(sched *Scheduler, name string, entry func(f *Fiber)) *Fiber {
	f := &Fiber{
		id:         atomic.AddInt64(&fiberIDCounter, 1),
		sched:      sched,
		resumeChan: make(chan int, 1),
		entry:      entry,
		name:       name,
		scratch:    make([]byte, valBufSize),
	}
	f.state.Store(int32(StateReady))
	return f
}

// ID returns the fiber's process-wide unique identifier.
func (f *Fiber) ID() int64 { return f.id }

// Name returns the diagnostic name passed to Spawn, if any.
func (f *Fiber) Name() string { return f.name }

// State returns the fiber's current lifecycle state.
func (f *Fiber) State() State { return State(f.state.Load()) }

func (f *Fiber) setState(s State) { f.state.Store(int32(s)) }

// IsAlive reports whether the fiber has not yet returned from its entry.
func (f *Fiber) IsAlive() bool { return atomic.LoadInt32(&f.deadMark) == 0 }

// scratchFor returns the first size bytes of the fiber's fixed-size
// value buffer. Element sizes > V are a caller bug surfaced as
// InvalidArgument at channel-creation time, not here.
func (f *Fiber) scratchFor(size int) []byte {
	return f.scratch[:size]
}

// SetHooks installs resume/suspend hooks invoked by the scheduler around
// context switches, mirroring libmill's per-coroutine hook pair.
func (f *Fiber) SetHooks(data interface{}, onResume func(interface{}), onSuspend func(interface{}, bool)) {
	f.hookData = data
	f.resumeHook = onResume
	f.suspendHook = onSuspend
}

func (f *Fiber) String() string {
	return fmt.Sprintf("fiber[%d:%s:%s]", f.id, f.name, f.State())
}
