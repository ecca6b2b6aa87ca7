package main

import (
	"fmt"
	"runtime"

	"github.com/mill-run/millrt"
	"github.com/spf13/cobra"
)

func newFaninCommand() *cobra.Command {
	var perSender int
	cmd := &cobra.Command{
		Use:   "fanin",
		Short: "Fan two sender fibers into one receiver channel (libmill examples/fanin.c)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFanin(perSender)
		},
	}
	cmd.Flags().IntVar(&perSender, "per-sender", 10, "values sent by each of the two senders")
	return cmd
}

// runFanin spawns two sender fibers, each sending perSender ints
// straight into one shared unbuffered channel that main receives from.
// A wait-done fiber marks the channel done with -1 once both senders
// have finished. There are no per-sender channels or collector fibers.
func runFanin(perSender int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := millrt.Init()
	defer s.Fini()

	shared, err := millrt.MakeChannel(s, 8, 0)
	if err != nil {
		return err
	}
	defer shared.Close()

	wg := millrt.NewWaitGroup(s)

	spawnSender := func(id int) {
		s.Spawn(fmt.Sprintf("sender-%d", id), func(f *millrt.Fiber) {
			if err := wg.Add(); err != nil {
				return
			}
			for i := 0; i < perSender; i++ {
				_ = shared.Send(id*1000+i, millrt.NoDeadline)
			}
		})
	}
	spawnSender(1)
	spawnSender(2)

	s.Spawn("wait-done", func(f *millrt.Fiber) {
		if err := wg.Wait(millrt.NoDeadline); err != nil {
			return
		}
		_ = shared.Done(-1)
	})

	count := 0
	for {
		v, err := shared.Recv(millrt.NoDeadline)
		if err != nil {
			break
		}
		iv := v.(int)
		if iv == -1 {
			break
		}
		count++
		fmt.Printf("fanin: received %d (total %d)\n", iv, count)
	}
	return s.WaitAll(millrt.NoDeadline)
}
