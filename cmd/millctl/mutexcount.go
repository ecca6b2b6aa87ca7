package main

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/mill-run/millrt"
	"github.com/spf13/cobra"
)

func newMutexCountCommand() *cobra.Command {
	var (
		threads      int
		increments   int
	)
	cmd := &cobra.Command{
		Use:   "mutex-count",
		Short: "M threads x N increments of a shared counter under one Mutex (libmill examples/mu.c)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMutexCount(threads, increments)
		},
	}
	cmd.Flags().IntVar(&threads, "threads", 4, "number of OS threads, each with its own scheduler")
	cmd.Flags().IntVar(&increments, "increments", 10000, "increments performed by each thread")
	return cmd
}

// runMutexCount exercises the mutex property directly: M OS
// threads (each running its own Scheduler, per the one-
// scheduler-per-thread model) race N increments apiece of a single
// shared counter guarded by one cross-thread Mutex. The final value must
// equal M*N.
func runMutexCount(threads, increments int) error {
	boot := millrt.Init()
	mu, err := millrt.NewMutex(boot)
	if err != nil {
		return err
	}
	defer mu.Unref()

	counter := 0
	var osWG sync.WaitGroup
	osWG.Add(threads)

	for t := 0; t < threads; t++ {
		go func() {
			defer osWG.Done()
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()

			s := millrt.Init()
			defer s.Fini()

			s.Spawn("counter", func(f *millrt.Fiber) {
				for i := 0; i < increments; i++ {
					if err := mu.Lock(s); err != nil {
						return
					}
					counter++
					_ = mu.Unlock(s)
				}
			})
			_ = s.WaitAll(millrt.NoDeadline)
		}()
	}

	osWG.Wait()
	boot.Fini()

	want := threads * increments
	fmt.Printf("counter = %d (want %d)\n", counter, want)
	if counter != want {
		return fmt.Errorf("mutex-count: lost updates, got %d want %d", counter, want)
	}
	return nil
}
