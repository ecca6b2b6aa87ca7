package millrt

// WaitGroup is a join synchroniser over a set of fibers, libmill's
// mill_wgroup: a counter plus the member fibers plus at most one
// waiter fiber. A fiber may belong to at most one wait-group.
type WaitGroup struct {
	sched    *Scheduler
	counter  int
	members  *Fiber // intrusive doubly-linked list head via wgNext/wgPrev
	waiter   *Fiber
}

// NewWaitGroup creates an empty wait-group.
func NewWaitGroup(s *Scheduler) *WaitGroup {
	return &WaitGroup{sched: s}
}

// Add attaches the currently running fiber to the group. Forbidden for
// the main fiber (ErrDeadlock) and for a fiber already in a group
// (ErrAlreadyExists).
func (wg *WaitGroup) Add() error {
	cr := wg.sched.current
	if cr == wg.sched.main {
		return newErr("waitgroup.add", KindDeadlock, nil)
	}
	if cr.wg != nil {
		return newErr("waitgroup.add", KindAlreadyExists, nil)
	}
	wg.counter++
	cr.wg = wg
	cr.wgNext = wg.members
	if wg.members != nil {
		wg.members.wgPrev = cr
	}
	wg.members = cr
	return nil
}

// Wait suspends the calling fiber until the counter reaches zero, or
// deadline elapses. At most one waiter is permitted at a time.
func (wg *WaitGroup) Wait(deadline int64) error {
	cr := wg.sched.current
	if cr.wg == wg {
		return newErr("waitgroup.wait", KindInvalidArgument, nil)
	}
	if wg.waiter != nil {
		return newErr("waitgroup.wait", KindAlreadyExists, nil)
	}
	if wg.counter <= 0 {
		return nil
	}
	if deadline >= 0 {
		cr.timer = wg.sched.timers.insert(deadline, func() {
			wg.waiter = nil
			wg.sched.Resume(cr, -1)
		})
	}
	wg.waiter = cr
	cr.setState(StateSleeping)
	res := wg.sched.suspendSelf(cr)
	cr.timer = nil
	switch {
	case res == -2:
		return newErr("waitgroup.wait", KindCancelled, nil)
	case res < 0:
		return newErr("waitgroup.wait", KindTimeout, nil)
	}
	return nil
}

// Cancel detaches all members and wakes the waiter (if any) with
// ErrCancelled, zeroing the counter.
func (wg *WaitGroup) Cancel() {
	if wg.counter <= 0 {
		return
	}
	for m := wg.members; m != nil; {
		next := m.wgNext
		m.wg = nil
		m.wgNext = nil
		m.wgPrev = nil
		m = next
	}
	wg.members = nil
	wg.counter = 0
	if wg.waiter != nil {
		w := wg.waiter
		wg.waiter = nil
		if w.timer != nil {
			wg.sched.timers.cancel(w.timer)
			w.timer = nil
		}
		wg.sched.Resume(w, -2) // distinguish cancellation from timeout at call sites that care
	}
}

// Free cancels any pending wait and releases the group. Go's GC
// reclaims the struct once unreferenced; Free exists for parity with
// the C API and to run Cancel's side effects deterministically.
func (wg *WaitGroup) Free() { wg.Cancel() }

// remove detaches f from its wait-group's membership list and, if the
// group is now empty and has a waiter, resumes it.
func (wg *WaitGroup) remove(f *Fiber) {
	if f.wgPrev != nil {
		f.wgPrev.wgNext = f.wgNext
	} else if wg.members == f {
		wg.members = f.wgNext
	}
	if f.wgNext != nil {
		f.wgNext.wgPrev = f.wgPrev
	}
	f.wgNext, f.wgPrev = nil, nil
	f.wg = nil
	wg.counter--
	if wg.counter == 0 && wg.waiter != nil {
		w := wg.waiter
		wg.waiter = nil
		if w.timer != nil {
			wg.sched.timers.cancel(w.timer)
			w.timer = nil
		}
		wg.sched.Resume(w, 0)
	}
}
