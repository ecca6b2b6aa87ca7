package millrt

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestPipeRecordFraming checks that Send/Recv always transfer
// exactly recordSize bytes, preserving record boundaries across calls.
func TestPipeRecordFraming(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	p, err := NewPipe(s, 4)
	require.NoError(t, err)
	defer p.Free()

	var received [][]byte
	s.Spawn("reader", func(f *Fiber) {
		for i := 0; i < 3; i++ {
			buf, done, err := p.Recv(f)
			require.NoError(t, err)
			require.False(t, done)
			cp := make([]byte, len(buf))
			copy(cp, buf)
			received = append(received, cp)
		}
	})

	require.NoError(t, p.Send([]byte{1, 2, 3, 4}))
	require.NoError(t, p.Send([]byte{5, 6, 7, 8}))
	require.NoError(t, p.Send([]byte{9, 10, 11, 12}))
	require.NoError(t, s.WaitAll(NoDeadline))

	require.Equal(t, [][]byte{{1, 2, 3, 4}, {5, 6, 7, 8}, {9, 10, 11, 12}}, received)
}

// TestPipeCloseSignalsDone exercises the done flag: once the write
// end is closed and every queued record has been drained, Recv
// reports done with no error.
func TestPipeCloseSignalsDone(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	p, err := NewPipe(s, 2)
	require.NoError(t, err)
	defer p.Free()

	var sawDone bool
	s.Spawn("reader", func(f *Fiber) {
		buf, done, err := p.Recv(f)
		require.NoError(t, err)
		require.False(t, done)
		require.Equal(t, []byte{7, 8}, buf)

		_, done, err = p.Recv(f)
		require.NoError(t, err)
		sawDone = done
	})

	require.NoError(t, p.Send([]byte{7, 8}))
	require.NoError(t, p.Close())
	require.NoError(t, s.WaitAll(NoDeadline))
	require.True(t, sawDone)
}

// TestPipeRejectsWrongSizedRecord covers the fixed record-size
// contract: Send rejects a buffer whose length doesn't match recordSize.
func TestPipeRejectsWrongSizedRecord(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	p, err := NewPipe(s, 4)
	require.NoError(t, err)
	defer p.Free()

	err = p.Send([]byte{1, 2, 3})
	require.Error(t, err)
	var merr *Error
	require.ErrorAs(t, err, &merr)
	require.Equal(t, KindInvalidArgument, merr.Kind)
}
