package millrt

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestChannelRendezvousSendRecv checks that a
// rendezvous channel delivers exactly one value to exactly one receiver.
func TestChannelRendezvousSendRecv(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	ch, err := MakeChannel(s, 8, 0)
	require.NoError(t, err)

	var got interface{}
	s.Spawn("receiver", func(f *Fiber) {
		v, err := ch.Recv(NoDeadline)
		require.NoError(t, err)
		got = v
	})

	require.NoError(t, ch.Send(42, NoDeadline))
	require.NoError(t, s.WaitAll(NoDeadline))
	require.Equal(t, 42, got)
	require.Equal(t, 0, s.GoCount())
}

// TestChannelBufferedDoneTerminal checks that a
// buffered channel delivers its queued values in FIFO order, then the
// terminal done() value forever after.
func TestChannelBufferedDoneTerminal(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	ch, err := MakeChannel(s, 8, 2)
	require.NoError(t, err)

	require.NoError(t, ch.Send(1, NoDeadline))
	require.NoError(t, ch.Send(2, NoDeadline))
	require.NoError(t, ch.Done(99))

	v1, err := ch.Recv(NoDeadline)
	require.NoError(t, err)
	require.Equal(t, 1, v1)

	v2, err := ch.Recv(NoDeadline)
	require.NoError(t, err)
	require.Equal(t, 2, v2)

	v3, err := ch.Recv(NoDeadline)
	require.NoError(t, err)
	require.Equal(t, 99, v3)

	// A fourth recv returns the terminal value again .
	v4, err := ch.Recv(NoDeadline)
	require.NoError(t, err)
	require.Equal(t, 99, v4)
}

// TestChannelDoneBroadcastsToAllReceivers checks that a done()
// broadcast reaches every currently-pending receiver with the same value.
func TestChannelDoneBroadcastsToAllReceivers(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	ch, err := MakeChannel(s, 8, 0)
	require.NoError(t, err)

	results := make([]interface{}, 3)
	for i := 0; i < 3; i++ {
		i := i
		s.Spawn("receiver", func(f *Fiber) {
			v, err := ch.Recv(NoDeadline)
			require.NoError(t, err)
			results[i] = v
		})
	}
	require.NoError(t, ch.Done("shutdown"))
	require.NoError(t, s.WaitAll(NoDeadline))

	for _, r := range results {
		require.Equal(t, "shutdown", r)
	}
}

// TestChannelSendOnDoneFailsClosed checks that sending to a
// done channel fails with Closed (~EPIPE).
func TestChannelSendOnDoneFailsClosed(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	ch, err := MakeChannel(s, 8, 1)
	require.NoError(t, err)
	require.NoError(t, ch.Done(0))

	err = ch.Send(1, NoDeadline)
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, KindClosed, merr.Kind)
}

// TestChannelCloseBusyWithPendingSelect checks that closing a
// channel with the last reference while a select clause still
// references it reports Busy and leaves the channel intact.
func TestChannelCloseBusyWithPendingSelect(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	ch, err := MakeChannel(s, 8, 0)
	require.NoError(t, err)

	s.Spawn("waiter", func(f *Fiber) {
		_, _ = ch.Recv(NoDeadline)
	})

	// The waiter fiber is now parked with a select clause registered on
	// ch's receiver endpoint; closing the last ref must fail Busy.
	require.ErrorIs(t, ch.Close(), ErrBusy)

	// Channel is still usable: deliver the pending value, unblocking the
	// waiter, then close succeeds.
	require.NoError(t, ch.Send(7, NoDeadline))
	require.NoError(t, s.WaitAll(NoDeadline))
	require.NoError(t, ch.Close())
}

// TestChannelFIFOOrderingSingleProducerConsumer checks that every
// value sent is received exactly once, in order, with no duplicates or
// losses, for a buffered channel with one producer and one consumer.
func TestChannelFIFOOrderingSingleProducerConsumer(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	const n = 200
	ch, err := MakeChannel(s, 8, 4)
	require.NoError(t, err)

	var received []int
	s.Spawn("consumer", func(f *Fiber) {
		for i := 0; i < n; i++ {
			v, err := ch.Recv(NoDeadline)
			require.NoError(t, err)
			received = append(received, v.(int))
		}
	})
	s.Spawn("producer", func(f *Fiber) {
		for i := 0; i < n; i++ {
			require.NoError(t, ch.Send(i, NoDeadline))
		}
	})

	require.NoError(t, s.WaitAll(NoDeadline))
	require.Len(t, received, n)
	for i, v := range received {
		require.Equal(t, i, v)
	}
}
