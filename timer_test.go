package millrt

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTimerHeapOrdering checks that fire() invokes callbacks in
// deadline order regardless of insertion order.
func TestTimerHeapOrdering(t *testing.T) {
	h := newTimerHeap()
	var order []int
	h.insert(30, func() { order = append(order, 30) })
	h.insert(10, func() { order = append(order, 10) })
	h.insert(20, func() { order = append(order, 20) })

	require.True(t, h.fire(100))
	require.Equal(t, []int{10, 20, 30}, order)
	require.Equal(t, 0, h.Len())
}

// TestTimerHeapFireRespectsDeadline checks that fire(now) only invokes
// nodes whose expiry has actually elapsed, leaving later ones armed.
func TestTimerHeapFireRespectsDeadline(t *testing.T) {
	h := newTimerHeap()
	var fired []int
	h.insert(10, func() { fired = append(fired, 10) })
	h.insert(50, func() { fired = append(fired, 50) })

	require.True(t, h.fire(25))
	require.Equal(t, []int{10}, fired)
	require.Equal(t, 1, h.Len())

	require.True(t, h.fire(100))
	require.Equal(t, []int{10, 50}, fired)
	require.Equal(t, 0, h.Len())
}

// TestTimerHeapLazyCancellation covers the state machine: remove
// flips Armed to Disarmed without touching heap storage, and a
// subsequent fire() skips it without invoking its callback.
func TestTimerHeapLazyCancellation(t *testing.T) {
	h := newTimerHeap()
	called := false
	n := h.insert(10, func() { called = true })
	require.Equal(t, timerArmed, n.state)

	h.remove(n)
	require.Equal(t, timerDisarmed, n.state)
	require.Equal(t, 1, h.Len()) // soft-removed, still occupies a heap slot

	require.False(t, h.fire(1000))
	require.False(t, called)
	require.Equal(t, 0, h.Len())
}

// TestTimerHeapCancelDetachesCallback checks that cancel clears
// the callback reference (so a cancelled timer's closure can be GC'd)
// and marks the node Cancelled rather than Disarmed.
func TestTimerHeapCancelDetachesCallback(t *testing.T) {
	h := newTimerHeap()
	n := h.insert(10, func() {})
	h.cancel(n)
	require.Equal(t, timerCancelled, n.state)
	require.Nil(t, n.callback)
}

// TestTimerHeapCompaction checks that once stale entries exceed
// compactThreshold, the heap rebuilds, dropping non-Armed nodes and
// resetting the stale counter.
func TestTimerHeapCompaction(t *testing.T) {
	h := newTimerHeap()
	nodes := make([]*timerNode, compactThreshold+1)
	for i := range nodes {
		nodes[i] = h.insert(int64(1000+i), func() {})
	}
	require.Equal(t, compactThreshold+1, h.Len())

	for _, n := range nodes {
		h.remove(n)
	}
	// maybeCompact fires as soon as stale crosses the threshold, inside
	// the loop above; by the end every node should have been purged.
	require.Equal(t, 0, h.Len())
	require.Equal(t, 0, h.stale)
}

// TestTimerHeapNextSkipsStaleHead checks that next() pops
// Disarmed/Cancelled nodes off the top of the heap until it finds an
// Armed one (or the heap empties), rather than reporting a stale deadline.
func TestTimerHeapNextSkipsStaleHead(t *testing.T) {
	h := newTimerHeap()
	stale := h.insert(5, func() {})
	live := h.insert(500000, func() {})
	h.cancel(stale)

	d := h.next()
	require.Greater(t, d, 0)
	require.Equal(t, 1, h.Len())
	require.Equal(t, live, h.items[0])
}

// TestTimerHeapNextEmptyReturnsMinusOne checks that with no
// armed timers, next() reports -1 ("wait indefinitely").
func TestTimerHeapNextEmptyReturnsMinusOne(t *testing.T) {
	h := newTimerHeap()
	require.Equal(t, -1, h.next())
}
