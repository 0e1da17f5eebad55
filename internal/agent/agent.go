// Package agent wires the guest-side pieces into one running process:
// connect the ring toward the daemon, announce the protocol version, and
// pump display events and daemon messages through the agent loop.
package agent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/openqube/guid/internal/agentloop"
	"github.com/openqube/guid/internal/protocol"
	"github.com/openqube/guid/internal/ring"
)

// Options are the agent's collaborators and endpoints.
type Options struct {
	Display    agentloop.GuestDisplay
	Events     <-chan agentloop.Event
	SocketPath string
	// ReExecOnEOF restarts this process when the daemon side goes away, the
	// guest half of the session-restart policy.
	ReExecOnEOF bool
}

// Run executes the agent until the daemon disconnects or the process is
// told to stop.
func Run(ctx context.Context, opts Options) error {
	conn, err := net.Dial("unix", opts.SocketPath)
	if err != nil {
		return fmt.Errorf("agent: connect %s: %w", opts.SocketPath, err)
	}

	// Client side uses double-buffered writes: damage bursts queue in
	// memory and drain opportunistically instead of back-pressuring the
	// display event handler.
	var eofSeen atomic.Bool
	transport := ring.New(conn, ring.Buffered, func() { eofSeen.Store(true) })
	defer transport.Close()

	if err := protocol.WriteVersion(transport, protocol.AgentVersion); err != nil {
		return fmt.Errorf("agent: send version: %w", err)
	}

	loop, err := agentloop.New(opts.Display, transport)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, os.Interrupt)
	defer stop()

	msgCh := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := protocol.ReadMessage(transport, false)
			if err != nil {
				if errors.Is(err, protocol.ErrUnknownType) {
					// Agent policy: log and keep draining the stream.
					slog.Warn("unknown message type drained")
					continue
				}
				readErr <- err
				close(msgCh)
				return
			}
			msgCh <- msg
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-opts.Events:
			if !ok {
				return fmt.Errorf("agent: display connection lost")
			}
			if err := loop.HandleDisplayEvent(ev); err != nil {
				return err
			}

		case msg, ok := <-msgCh:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) || eofSeen.Load() {
					slog.Info("daemon disconnected")
					if opts.ReExecOnEOF {
						return reexec()
					}
					return nil
				}
				return fmt.Errorf("agent: read daemon message: %w", err)
			}
			if err := loop.HandleDaemonMessage(ctx, msg); err != nil {
				if errors.Is(err, agentloop.ErrExecuteRejected) || errors.Is(err, agentloop.ErrUnsupportedDepth) {
					return err
				}
				slog.Warn("daemon message failed", "error", err)
			}
		}
	}
}

// reexec replaces this process with a fresh copy of itself so the next
// daemon connection starts from clean state.
func reexec() error {
	self, err := os.Executable()
	if err != nil {
		return err
	}
	cmd := exec.Command(self, os.Args[1:]...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("agent: re-exec: %w", err)
	}
	return nil
}
