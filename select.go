package millrt

import "math/rand"

// Selector accumulates the branches of one multi-way select and drives
// the evaluation libmill expresses as the mill_choose_in/mill_choose_out/
// mill_choose_deadline/mill_choose_otherwise/mill_choose_wait macro
// cluster. Branches are registered by calling In/Out/WithDeadline/
// WithOtherwise, then Wait() is called once to drive the whole thing,
// a plain builder object standing in for the preprocessor state machine.
type Selector struct {
	sched *Scheduler
	fiber *Fiber

	clauses   []*clause
	available int

	hasDeadline bool
	deadline    int64
	otherwise   bool

	err error
}

// NewSelector begins a select on behalf of the scheduler's currently
// running fiber.
func NewSelector(s *Scheduler) *Selector {
	s.chooseSeqnum++
	return &Selector{sched: s, fiber: s.current}
}

// In registers a receive branch on ch with the given caller-supplied
// branch index, mirroring libmill's mill_choose_in.
func (sel *Selector) In(ch *Channel, idx int) *Selector {
	if sel.err != nil {
		return sel
	}
	available := ch.done || !ch.sender.empty() || ch.items > 0
	sel.register(ch, &ch.receiver, nil, idx, available, false)
	return sel
}

// Out registers a send branch of val on ch, mirroring libmill's
// mill_choose_out. Registering a send on a done channel is
// deferred to Wait(), which fails the whole select with Closed, the
// way libmill's mill_chs rejects it up front.
func (sel *Selector) Out(ch *Channel, val interface{}, idx int) *Selector {
	if sel.err != nil {
		return sel
	}
	if ch.done {
		sel.err = newErr("select.out", KindClosed, nil)
		return sel
	}
	available := !ch.receiver.empty() || ch.items < ch.bufsz
	sel.register(ch, &ch.sender, val, idx, available, true)
	return sel
}

// register implements the shared body of choose_in/choose_out: track
// the endpoint's seqnum/refs bookkeeping (used by the duplicate
// tie-break at wake time) and, once any branch is available, stop
// appending non-available branches to the clause list.
func (sel *Selector) register(ch *Channel, ep *endpoint, val interface{}, idx int, available, isSend bool) {
	if available {
		sel.available++
	} else if sel.available > 0 {
		return
	}
	cl := &clause{
		fiber:     sel.fiber,
		ep:        ep,
		ch:        ch,
		val:       val,
		idx:       idx,
		available: available,
		used:      true,
		isSend:    isSend,
	}
	cl.selNext = sel.fiber.selClauses
	sel.fiber.selClauses = cl
	sel.clauses = append(sel.clauses, cl)

	if ep.seqnum == sel.sched.chooseSeqnum {
		ep.refs++
		return
	}
	ep.seqnum = sel.sched.chooseSeqnum
	ep.refs = 1
	ep.tmp = -1
}

// WithDeadline sets the (at most one) deadline branch. A negative
// deadline is "never" and is silently ignored, matching libmill's
// "infinite deadline clause can never fire so we can as well ignore
// it." Combining with Otherwise or a second deadline fails
// AlreadyExists.
func (sel *Selector) WithDeadline(deadline int64) *Selector {
	if sel.err != nil {
		return sel
	}
	if sel.otherwise || sel.hasDeadline {
		sel.err = newErr("select.deadline", KindAlreadyExists, nil)
		return sel
	}
	if deadline >= 0 {
		sel.hasDeadline = true
		sel.deadline = deadline
	}
	return sel
}

// WithOtherwise sets the (at most one) otherwise branch, mutually
// exclusive with a deadline branch.
func (sel *Selector) WithOtherwise() *Selector {
	if sel.err != nil {
		return sel
	}
	if sel.otherwise || sel.hasDeadline {
		sel.err = newErr("select.otherwise", KindAlreadyExists, nil)
		return sel
	}
	sel.otherwise = true
	return sel
}

// Wait runs the rest of mill_choose_wait's evaluation (try the
// available branches, fall back to otherwise, then block and register)
// and returns the winning branch index, or -1 for a fired deadline or
// an executed otherwise branch.
func (sel *Selector) Wait() (int, error) {
	if sel.err != nil {
		sel.fiber.selClauses = nil
		return -1, sel.err
	}

	if sel.available > 0 {
		cl := sel.pickAvailable()
		if cl.isSend {
			cl.ch.enqueue(cl.val)
		} else {
			sel.fiber.scratchVal = cl.ch.dequeue()
		}
		sel.fiber.selClauses = nil
		return cl.idx, nil
	}

	if sel.otherwise {
		sel.fiber.selClauses = nil
		return -1, nil
	}

	f := sel.fiber
	if sel.hasDeadline {
		f.timer = sel.sched.timers.insert(sel.deadline, func() {
			for c := f.selClauses; c != nil; c = c.selNext {
				if c.used {
					c.ep.erase(c)
				}
			}
			f.selClauses = nil
			sel.sched.Resume(f, -1)
		})
	}

	// Register on endpoints, applying the uniform decrement-then-select
	// scheme among duplicate registrations of the same endpoint from
	// this select, the same refs/tmp dance libmill's choose.c runs over
	// mill_clause before parking.
	for _, cl := range sel.clauses {
		if cl.ep.refs > 1 {
			if cl.ep.tmp == -1 {
				if cl.ep.refs == 1 {
					cl.ep.tmp = 0
				} else {
					cl.ep.tmp = rand.Intn(cl.ep.refs)
				}
			}
			if cl.ep.tmp > 0 {
				cl.ep.tmp--
				cl.used = false
				continue
			}
			cl.ep.tmp = -2
		}
		cl.ep.pushBack(cl)
	}

	f.setState(StateInSelect)
	return sel.sched.suspendSelf(f), nil
}

// pickAvailable chooses uniformly at random among this select's
// available branches, applying the same endpoint-duplicate handling as
// the blocking-registration path above: two branches registered on the
// same channel share one slot in the draw rather than doubling that
// channel's odds.
func (sel *Selector) pickAvailable() *clause {
	var endpoints []*endpoint
	groups := make(map[*endpoint][]*clause)
	for _, cl := range sel.clauses {
		if !cl.available {
			continue
		}
		if groups[cl.ep] == nil {
			endpoints = append(endpoints, cl.ep)
		}
		groups[cl.ep] = append(groups[cl.ep], cl)
	}

	epChosen := 0
	if len(endpoints) > 1 {
		epChosen = rand.Intn(len(endpoints))
	}
	picked := groups[endpoints[epChosen]]

	clChosen := 0
	if len(picked) > 1 {
		clChosen = rand.Intn(len(picked))
	}
	return picked[clChosen]
}
