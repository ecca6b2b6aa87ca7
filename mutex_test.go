package millrt

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestMutexHandoffAcrossFibers checks that a fiber blocked on
// Lock genuinely fdwaits until the holder's Unlock makes the eventfd
// readable again, then acquires it in turn. Only one fiber is ever
// parked waiting here, respecting the descriptor-wrapper
// invariant ("at most one fiber each waiting for readable and
// writable"); heavier same-scheduler fan-in would need to serialise its
// own Lock attempts first, while cross-thread contention (exercised
// below) sidesteps the limit entirely because each scheduler gets its
// own descriptor wrapper for the same Mutex.
func TestMutexHandoffAcrossFibers(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	mu, err := NewMutex(s)
	require.NoError(t, err)
	defer mu.Unref()

	require.NoError(t, mu.Lock(s)) // main holds the lock first
	counter := 1

	s.Spawn("waiter", func(f *Fiber) {
		require.NoError(t, mu.Lock(s)) // must fdwait: main still holds it
		counter++
		require.NoError(t, mu.Unlock(s))
	})

	require.NoError(t, mu.Unlock(s)) // makes the eventfd readable again
	require.NoError(t, s.WaitAll(NoDeadline))
	require.Equal(t, 2, counter)
}

// TestMutexCrossThreadContention checks that a Mutex created
// on one scheduler is safely lockable from fibers on other OS threads'
// schedulers, and the final counter reflects every increment exactly
// once (the property runMutexCount in cmd/millctl exercises at scale).
func TestMutexCrossThreadContention(t *testing.T) {
	boot := Init()
	mu, err := NewMutex(boot)
	require.NoError(t, err)
	defer mu.Unref()

	const threads, perThread = 4, 500
	counter := 0
	var osWG sync.WaitGroup
	osWG.Add(threads)
	for i := 0; i < threads; i++ {
		go func() {
			defer osWG.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			s := Init()
			defer s.Fini()
			s.Spawn("incrementer", func(f *Fiber) {
				for j := 0; j < perThread; j++ {
					require.NoError(t, mu.Lock(s))
					counter++
					require.NoError(t, mu.Unlock(s))
				}
			})
			require.NoError(t, s.WaitAll(NoDeadline))
		}()
	}
	osWG.Wait()
	boot.Fini()
	require.Equal(t, threads*perThread, counter)
}
