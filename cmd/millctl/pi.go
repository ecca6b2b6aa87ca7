package main

import (
	"fmt"
	"math/rand"
	"runtime"

	"github.com/mill-run/millrt"
	"github.com/spf13/cobra"
)

func newPiCommand() *cobra.Command {
	var (
		samples int
		workers int
	)
	cmd := &cobra.Command{
		Use:   "pi",
		Short: "Monte-Carlo estimate of pi, offloaded to the worker pool (libmill examples/pi.c)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPi(samples, workers)
		},
	}
	cmd.Flags().IntVar(&samples, "samples", 2_000_000, "total random samples")
	cmd.Flags().IntVar(&workers, "workers", 4, "number of TaskRun batches to split across the shared worker pool")
	return cmd
}

// runPi splits the Monte-Carlo sampling loop into `workers` batches, each
// offloaded with TaskRun so the CPU-bound sampling runs on the worker
// pool's OS threads rather than blocking the fiber scheduler
// .
func runPi(samples, workers int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := millrt.Init()
	defer s.Fini()

	if workers < 1 {
		workers = 1
	}
	perBatch := samples / workers

	hits := make([]int, workers)
	wg := millrt.NewWaitGroup(s)

	for i := 0; i < workers; i++ {
		i := i
		s.Spawn(fmt.Sprintf("pi-batch-%d", i), func(f *millrt.Fiber) {
			if err := wg.Add(); err != nil {
				return
			}
			n, err := millrt.TaskRun(s, nil, func() (int, error) {
				return sampleBatch(perBatch), nil
			}, millrt.NoDeadline)
			if err == nil {
				hits[i] = n
			}
		})
	}

	// wg.Wait must run on a fiber other than the ones it is waiting for
	// .; main plays that
	// role here, the same way libmill's pi.c joins its spawned coroutines.
	if err := wg.Wait(millrt.NoDeadline); err != nil {
		return err
	}

	total := 0
	for _, h := range hits {
		total += h
	}
	estimate := 4.0 * float64(total) / float64(perBatch*workers)
	fmt.Printf("pi estimate over %d samples: %f\n", perBatch*workers, estimate)
	return nil
}

func sampleBatch(n int) int {
	hits := 0
	for i := 0; i < n; i++ {
		x := rand.Float64()*2 - 1
		y := rand.Float64()*2 - 1
		if x*x+y*y <= 1 {
			hits++
		}
	}
	return hits
}
