package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/mill-run/millrt"
	"github.com/spf13/cobra"
)

func newEchoCommand() *cobra.Command {
	var (
		port    int
		backlog int
	)
	cmd := &cobra.Command{
		Use:   "echo",
		Short: "Run a fixed HTTP 200 echo server (libmill apache_serve.c equivalent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEchoServer(port, backlog)
		},
	}
	cmd.Flags().IntVar(&port, "port", 5555, "listen port")
	cmd.Flags().IntVar(&backlog, "backlog", 128, "listen backlog")
	return cmd
}

// httpOKResponse is the fixed reply every accepted connection receives.
const httpOKResponse = "HTTP/1.1 200 OK\r\nContent-Length: 2\r\nConnection: close\r\n\r\nOK"

func runEchoServer(port, backlog int) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	s := millrt.Init()
	defer s.Fini()

	addr, err := millrt.IPLocal("", port)
	if err != nil {
		return err
	}
	listener, err := millrt.TCPListen(s, addr, backlog)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()

	fmt.Fprintf(os.Stdout, "millctl echo listening on :%d\n", port)

	s.Spawn("accept-loop", func(f *millrt.Fiber) {
		for {
			conn, err := millrt.TCPAccept(s, listener, millrt.NoDeadline)
			if err != nil {
				return
			}
			s.Spawn("conn", func(f *millrt.Fiber) {
				serveOne(s, conn)
			})
		}
	})

	return s.WaitAll(millrt.NoDeadline)
}

// serveOne drains whatever the client sends (scenario 6 requires clients
// to send >=52 bytes before the fixed response is written), replies with
// the fixed response, and closes cleanly.
func serveOne(s *millrt.Scheduler, conn interface {
	Read([]byte, int64) (int, error)
	Write([]byte, int64) (int, error)
	Close() error
}) {
	defer conn.Close()
	buf := make([]byte, 4096)
	deadline := millrt.Now() + 5000
	total := 0
	for total < 52 {
		n, err := conn.Read(buf, deadline)
		if err != nil || n == 0 {
			return
		}
		total += n
	}
	if _, err := conn.Write([]byte(httpOKResponse), deadline); err != nil {
		return
	}
}
