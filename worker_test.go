package millrt

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestTaskRunOffloadsAndReturns checks that task_run suspends the
// calling fiber until the worker thread finishes fn and
// reports its result back.
func TestTaskRunOffloadsAndReturns(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	w, err := WorkerCreate()
	require.NoError(t, err)
	defer WorkerDelete(w)

	var got int
	s.Spawn("caller", func(f *Fiber) {
		n, terr := TaskRun(s, w, func() (int, error) { return 21 * 2, nil }, NoDeadline)
		require.NoError(t, terr)
		got = n
	})
	require.NoError(t, s.WaitAll(NoDeadline))
	require.Equal(t, 42, got)
}

// TestTaskRunDeadlineRace checks that a submitter
// deadline firing before the worker thread claims the task reports
// Timeout, and the worker's late completion is discarded without
// disturbing a subsequent, unrelated task on the same submitter. The
// worker's single thread is kept busy with an unrelated task A so task
// B is guaranteed to still be Queued (never dequeued) when B's deadline
// fires, instead of racing real wall-clock timing.
func TestTaskRunDeadlineRace(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	w, err := WorkerCreate()
	require.NoError(t, err)
	defer WorkerDelete(w)

	release := make(chan struct{})
	started := make(chan struct{})
	s.Spawn("occupy", func(f *Fiber) {
		_, _ = TaskRun(s, w, func() (int, error) {
			close(started)
			<-release
			return 0, nil
		}, NoDeadline)
	})
	// occupy's first offload spawns the task-wait fiber, which hands the
	// baton back to main before A is submitted; yield so occupy can
	// submit A before main blocks the thread on started.
	s.Yield()
	<-started // task A is now running on the worker's only thread

	var callErr error
	s.Spawn("caller", func(f *Fiber) {
		_, callErr = TaskRun(s, w, func() (int, error) { return 1, nil }, Now()+5)
	})
	// Drive the scheduler's own timer past B's deadline purely via
	// main's Sleep; the worker thread is still synchronously blocked
	// inside A's fn on <-release and cannot have touched B at all, so
	// this resolves deterministically without racing the worker thread.
	s.Sleep(Now() + 20)
	require.Error(t, callErr)
	var merr *Error
	require.ErrorAs(t, callErr, &merr)
	require.Equal(t, KindTimeout, merr.Kind)

	close(release)
	require.NoError(t, s.WaitAll(NoDeadline))

	// The submitter's scheduler must still be usable afterwards: a
	// second, unhurried task on the same worker completes normally.
	var got int
	s.Spawn("caller-2", func(f *Fiber) {
		n, terr := TaskRun(s, w, func() (int, error) { return 7, nil }, NoDeadline)
		require.NoError(t, terr)
		got = n
	})
	require.NoError(t, s.WaitAll(NoDeadline))
	require.Equal(t, 7, got)
}

// TestTaskGoRunsAsCoroutineOnWorker checks that task_go (tTASK_CORO)
// runs fn as a fiber on the worker's own scheduler rather
// than inline, but completion is still reported back to the submitter.
func TestTaskGoRunsAsCoroutineOnWorker(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	w, err := WorkerCreate()
	require.NoError(t, err)
	defer WorkerDelete(w)

	var got int
	s.Spawn("caller", func(f *Fiber) {
		n, terr := TaskGo(s, w, func() (int, error) { return 99, nil }, NoDeadline)
		require.NoError(t, terr)
		got = n
	})
	require.NoError(t, s.WaitAll(NoDeadline))
	require.Equal(t, 99, got)
}

// TestTaskCountTracksInFlight checks that TaskCount reflects
// offloaded tasks currently outstanding, returning to zero once they
// all complete.
func TestTaskCountTracksInFlight(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := Init()
	defer s.Fini()

	w, err := WorkerCreate()
	require.NoError(t, err)
	defer WorkerDelete(w)

	block := make(chan struct{})
	s.Spawn("caller", func(f *Fiber) {
		_, _ = TaskRun(s, w, func() (int, error) {
			<-block
			return 0, nil
		}, NoDeadline)
	})
	require.Equal(t, 1, s.TaskCount())
	close(block)
	require.NoError(t, s.WaitAll(NoDeadline))
	require.Equal(t, 0, s.TaskCount())
}
