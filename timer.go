package millrt

import "container/heap"

// timerState is a timer node's lifecycle, the Go analog of libmill's
// mill_timer state flags. Lazy cancellation (Armed -> Disarmed) keeps
// remove O(1); Cancelled nodes detach from their owning fiber so their
// storage can outlive it.
type timerState int32

const (
	timerNotOnHeap timerState = iota
	timerArmed
	timerDisarmed
	timerCancelled
)

// timerNode is a min-heap entry with an expiry and a callback.
// heapIndex is maintained by container/heap's Swap so remove() can
// find the node without a linear scan.
type timerNode struct {
	heapIndex int
	state     timerState
	expiry    int64
	callback  func()
}

// compactThreshold triggers a heap rebuild once stale (non-Armed)
// entries exceed this count.
const compactThreshold = 256

// timerHeap is a deadline-ordered min-heap. insert/remove/cancel/
// fire/next are its public surface; the container/heap.Interface
// methods below are implementation detail, mirroring the teacher's
// TimerHeap in runtime/eventloop.go.
type timerHeap struct {
	items []*timerNode
	stale int
}

func newTimerHeap() *timerHeap {
	h := &timerHeap{}
	heap.Init(h)
	return h
}

func (h *timerHeap) Len() int { return len(h.items) }
func (h *timerHeap) Less(i, j int) bool {
	return h.items[i].expiry < h.items[j].expiry
}
func (h *timerHeap) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
	h.items[i].heapIndex = i
	h.items[j].heapIndex = j
}
func (h *timerHeap) Push(x interface{}) {
	n := x.(*timerNode)
	n.heapIndex = len(h.items)
	h.items = append(h.items, n)
}
func (h *timerHeap) Pop() interface{} {
	old := h.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.heapIndex = -1
	h.items = old[:n-1]
	return item
}

// insert arms a new timer node at the given expiry (monotonic ms) that
// invokes callback once fired. libmill's minheap_insert silently
// swallows an allocation failure here; this reimplementation cannot
// fail the same way (Go's allocator panics on true OOM, outside this
// runtime's error model to begin with), so there is no swallow-vs-
// surface choice to make.
func (h *timerHeap) insert(expiry int64, callback func()) *timerNode {
	n := &timerNode{state: timerArmed, expiry: expiry, callback: callback}
	heap.Push(h, n)
	return n
}

// remove soft-removes an armed node: O(1) flip to Disarmed, no heap
// mutation. Triggers compaction once stale entries cross the threshold.
func (h *timerHeap) remove(n *timerNode) {
	if n == nil || n.state != timerArmed {
		return
	}
	n.state = timerDisarmed
	h.stale++
	h.maybeCompact()
}

// cancel detaches the node's identity (it may outlive its owning
// fiber's other state) and soft-removes it if still armed.
func (h *timerHeap) cancel(n *timerNode) {
	if n == nil {
		return
	}
	if n.state == timerArmed {
		h.stale++
	}
	n.state = timerCancelled
	n.callback = nil
	h.maybeCompact()
}

func (h *timerHeap) maybeCompact() {
	if h.stale <= compactThreshold {
		return
	}
	live := h.items[:0]
	for _, n := range h.items {
		if n.state == timerArmed {
			n.heapIndex = len(live)
			live = append(live, n)
		}
	}
	h.items = live
	heap.Init(h)
	h.stale = 0
}

// fire pops and invokes every node with expiry <= now, discarding
// Disarmed/Cancelled ones without invoking their callback. Returns true
// if at least one Armed node fired.
func (h *timerHeap) fire(now int64) bool {
	fired := false
	for h.Len() > 0 {
		n := h.items[0]
		if n.state == timerArmed && n.expiry > now {
			break
		}
		heap.Pop(h)
		if n.state == timerArmed {
			fired = true
			cb := n.callback
			n.state = timerNotOnHeap
			if cb != nil {
				cb()
			}
		} else if n.state == timerDisarmed || n.state == timerCancelled {
			if h.stale > 0 {
				h.stale--
			}
		}
	}
	return fired
}

// next returns the timeout in milliseconds until the earliest Armed
// node, skipping Disarmed/Cancelled entries at the top of the heap, or
// -1 if there are no armed timers (meaning: wait indefinitely).
func (h *timerHeap) next() int {
	for h.Len() > 0 {
		n := h.items[0]
		if n.state == timerArmed {
			d := n.expiry - Now()
			if d < 0 {
				return 0
			}
			return int(d)
		}
		heap.Pop(h)
		if h.stale > 0 {
			h.stale--
		}
	}
	return -1
}
