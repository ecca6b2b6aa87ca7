package millrt

import (
	"os"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

// TestGuardedRegionUsableIsWritable checks that ordinary writes inside
// the usable span succeed and never touch the guard page.
func TestGuardedRegionUsableIsWritable(t *testing.T) {
	g, err := NewGuardedRegion(valBufSize)
	require.NoError(t, err)
	defer g.Close()

	buf := g.Usable()[:valBufSize]
	for i := range buf {
		buf[i] = byte(i)
	}
	require.EqualValues(t, 0, buf[0])
	require.EqualValues(t, len(buf)-1, buf[len(buf)-1])
}

// TestGuardedRegionTrapsOverflow drives a subprocess that deliberately
// writes into the guard page; a PROT_NONE fault delivers SIGSEGV, which
// Go's panic/recover cannot intercept, so the assertion has to happen
// from outside the faulting process.
const guardCrashEnv = "MILLRT_GUARD_CRASH_CHILD"

func TestGuardedRegionTrapsOverflow(t *testing.T) {
	if os.Getenv(guardCrashEnv) == "1" {
		g, err := NewGuardedRegion(valBufSize)
		if err != nil {
			os.Exit(3) // not 2: the Go runtime exits 2 on a fatal fault
		}
		g.mem[g.GuardOffset()] = 1 // must fault
		os.Exit(0)                 // unreachable if the guard page works
	}

	cmd := exec.Command(os.Args[0], "-test.run=TestGuardedRegionTrapsOverflow")
	cmd.Env = append(os.Environ(), guardCrashEnv+"=1")
	out, err := cmd.CombinedOutput()
	require.Error(t, err, "expected the child to die from the guard page, output: %s", out)

	exitErr, ok := err.(*exec.ExitError)
	require.True(t, ok, "expected an ExitError, got %T: %v", err, err)
	require.False(t, exitErr.Success())
	require.NotEqual(t, 3, exitErr.ExitCode(), "child failed before reaching the guard page")
}
