// Command millctl runs small demo programs against the millrt runtime,
// the way libmill's examples/ directory (fanin.c, pi.c, mu.c,
// apache_serve.c) exercised the C library end to end.
package main

import (
	"fmt"
	"os"

	"github.com/mill-run/millrt/internal/mlog"
	"github.com/spf13/cobra"
)

func main() {
	defer mlog.Sync()

	rootCmd := &cobra.Command{
		Use:   "millctl",
		Short: "Demo programs for the millrt fiber runtime",
		Long: `millctl runs small end-to-end programs against millrt: an echo
server, a fan-in pipeline, a Monte-Carlo pi estimator, and a mutex-guarded
counter race, mirroring libmill's bundled examples.`,
	}

	rootCmd.AddCommand(newEchoCommand())
	rootCmd.AddCommand(newFaninCommand())
	rootCmd.AddCommand(newPiCommand())
	rootCmd.AddCommand(newMutexCountCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
