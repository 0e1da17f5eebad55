package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/openqube/guid/internal/agent"
	"github.com/openqube/guid/internal/agentloop"
	"github.com/openqube/guid/internal/logger"
)

func main() {
	var (
		socketPath string
		verbose    int
		quiet      int
		noReExec   bool
	)

	root := &cobra.Command{
		Use:           "guid-agent",
		Short:         "GUI virtualization agent: forwards guest windows to the host daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := logger.Open("", 0, "", logger.Level("info", verbose, quiet)); err != nil {
				return err
			}

			disp, events, err := connectDisplay()
			if err != nil {
				return err
			}

			return agent.Run(context.Background(), agent.Options{
				Display:     disp,
				Events:      events,
				SocketPath:  socketPath,
				ReExecOnEOF: !noReExec,
			})
		},
	}

	f := root.Flags()
	f.StringVar(&socketPath, "socket", "/run/qubes/guid-ring.0", "ring transport socket toward the daemon")
	f.CountVarP(&verbose, "verbose", "v", "increase log verbosity")
	f.CountVarP(&quiet, "quiet", "q", "decrease log verbosity")
	f.BoolVar(&noReExec, "no-reexec", false, "exit instead of restarting when the daemon disconnects")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// connectDisplay opens the guest display-server connection and returns
// its event stream. The concrete binding is the display driver this
// binary is built with; it must present a 24bpp root.
func connectDisplay() (agentloop.GuestDisplay, <-chan agentloop.Event, error) {
	drv, err := newDriver(os.Getenv("DISPLAY"))
	if err != nil {
		return nil, nil, fmt.Errorf("connect guest display: %w", err)
	}
	return drv, drv.Events(), nil
}
