package millrt

import "sync/atomic"

// endpoint is one side (sender or receiver) of a channel: the queue of
// select clauses currently parked on it, plus the bookkeeping used to
// give duplicate registrations from a single select a fair, uniform
// tie-break at wake time, mirroring libmill's mill_clause refs/tmp
// dance in choose.c.
type endpoint struct {
	head, tail *clause
	seqnum     int64
	refs       int
	tmp        int
}

func (ep *endpoint) empty() bool { return ep.head == nil }

func (ep *endpoint) pushBack(cl *clause) {
	cl.epPrev, cl.epNext = ep.tail, nil
	if ep.tail != nil {
		ep.tail.epNext = cl
	} else {
		ep.head = cl
	}
	ep.tail = cl
}

func (ep *endpoint) erase(cl *clause) {
	if cl.epPrev != nil {
		cl.epPrev.epNext = cl.epNext
	} else if ep.head == cl {
		ep.head = cl.epNext
	}
	if cl.epNext != nil {
		cl.epNext.epPrev = cl.epPrev
	} else if ep.tail == cl {
		ep.tail = cl.epPrev
	}
	cl.epPrev, cl.epNext = nil, nil
}

// clause is one branch of one fiber's select, bound to one channel
// endpoint.
type clause struct {
	fiber     *Fiber
	ep        *endpoint
	ch        *Channel
	val       interface{}
	idx       int
	available bool
	used      bool
	isSend    bool

	epPrev, epNext *clause // endpoint waiter list
	selNext        *clause // this fiber's select clause list
}

// Channel is a typed FIFO: a ring buffer of capacity B plus a one-shot
// terminal "done" value stored past the ring so chdone never has to
// block. elemSize is advisory only (Go
// values aren't packed into raw bytes the way libmill's are) but is
// kept and enforced against V so callers can't exceed the scratch
// buffer contract the rest of the runtime relies on.
type Channel struct {
	sched    *Scheduler
	elemSize int
	bufsz    int
	buf      []interface{}
	first    int
	items    int

	done    bool
	doneVal interface{}

	sender   endpoint
	receiver endpoint

	refcount int32
}

// MakeChannel allocates a channel of the given element size and buffer
// capacity, mirroring libmill's chmake(size, bufsz). B=0 is a
// rendezvous channel.
func MakeChannel(s *Scheduler, elemSize, bufsz int) (*Channel, error) {
	if elemSize < 0 || elemSize > valBufSize || bufsz < 0 {
		return nil, newErr("chan.make", KindInvalidArgument, nil)
	}
	return &Channel{
		sched:    s,
		elemSize: elemSize,
		bufsz:    bufsz,
		buf:      make([]interface{}, bufsz),
		refcount: 1,
	}, nil
}

// Dup increments the reference count.
func (ch *Channel) Dup() *Channel {
	atomic.AddInt32(&ch.refcount, 1)
	return ch
}

// Close decrements the reference count; at zero it frees the channel
// unless clauses are still parked on either endpoint, in which case it
// fails Busy and leaves the channel intact, the same refusal libmill's
// chclose raises when mill_list_empty(&ch->in)/&ch->out) is false.
func (ch *Channel) Close() error {
	if atomic.AddInt32(&ch.refcount, -1) > 0 {
		return nil
	}
	if !ch.sender.empty() || !ch.receiver.empty() {
		atomic.StoreInt32(&ch.refcount, 1)
		return newErr("chan.close", KindBusy, nil)
	}
	return nil
}

// enqueue delivers val to a parked receiver if one exists, otherwise
// pushes it onto the ring, mirroring libmill's mill_enqueue.
func (ch *Channel) enqueue(val interface{}) {
	if !ch.receiver.empty() {
		cl := ch.receiver.head
		cl.fiber.scratchVal = val
		ch.unblock(cl)
		return
	}
	pos := (ch.first + ch.items) % ch.bufsz
	ch.buf[pos] = val
	ch.items++
}

// dequeue pops one value, handing the freed slot to a parked sender if
// any, mirroring libmill's mill_dequeue.
func (ch *Channel) dequeue() interface{} {
	sendCl := ch.sender.head
	if ch.items == 0 {
		if ch.done {
			return ch.doneVal
		}
		val := sendCl.val
		ch.unblock(sendCl)
		return val
	}
	val := ch.buf[ch.first]
	ch.buf[ch.first] = nil
	ch.first = (ch.first + 1) % ch.bufsz
	ch.items--
	if sendCl != nil {
		pos := (ch.first + ch.items) % ch.bufsz
		ch.buf[pos] = sendCl.val
		ch.items++
		ch.unblock(sendCl)
	}
	return val
}

// unblock detaches all of cl's sibling clauses from their endpoints,
// cancels the owning fiber's select-deadline timer if any, and resumes
// it with cl's branch index, mirroring libmill's mill_choose_unblock.
func (ch *Channel) unblock(cl *clause) {
	f := cl.fiber
	for c := f.selClauses; c != nil; c = c.selNext {
		if c.used {
			c.ep.erase(c)
		}
	}
	f.selClauses = nil
	if f.timer != nil {
		ch.sched.timers.cancel(f.timer)
		f.timer = nil
	}
	ch.sched.Resume(f, cl.idx)
}

// Done marks the channel closed-for-future-sends, publishes the
// terminal value, and wakes every currently pending receiver with it,
// the way libmill's chdone() broadcasts to everyone parked on ch->in.
func (ch *Channel) Done(val interface{}) error {
	if ch.done {
		return newErr("chan.done", KindClosed, nil)
	}
	if !ch.sender.empty() {
		return newErr("chan.done", KindClosed, nil)
	}
	ch.done = true
	ch.doneVal = val
	for !ch.receiver.empty() {
		cl := ch.receiver.head
		cl.fiber.scratchVal = val
		ch.unblock(cl)
	}
	return nil
}

// Send is a single-clause select with one send branch.
func (ch *Channel) Send(val interface{}, deadline int64) error {
	if ch.done {
		return newErr("chan.send", KindClosed, nil)
	}
	sel := NewSelector(ch.sched)
	sel.Out(ch, val, 0)
	sel.WithDeadline(deadline)
	idx, err := sel.Wait()
	if err != nil {
		return err
	}
	if idx < 0 {
		return newErr("chan.send", KindTimeout, nil)
	}
	return nil
}

// Recv is a single-clause select with one receive branch.
func (ch *Channel) Recv(deadline int64) (interface{}, error) {
	sel := NewSelector(ch.sched)
	sel.In(ch, 0)
	sel.WithDeadline(deadline)
	idx, err := sel.Wait()
	if err != nil {
		return nil, err
	}
	if idx < 0 {
		return nil, newErr("chan.recv", KindTimeout, nil)
	}
	return sel.fiber.scratchVal, nil
}
