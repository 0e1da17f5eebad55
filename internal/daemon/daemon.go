// Package daemon wires the host-side components into one running process:
// startup locks, the agent attach/version handshake, the select-driven
// main loop, signal handling and the no-display-calls shutdown path.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/openqube/guid/internal/audit"
	"github.com/openqube/guid/internal/clipboard"
	"github.com/openqube/guid/internal/config"
	"github.com/openqube/guid/internal/daemonloop"
	"github.com/openqube/guid/internal/frameimport"
	"github.com/openqube/guid/internal/helper"
	"github.com/openqube/guid/internal/interfaces"
	"github.com/openqube/guid/internal/lockfile"
	"github.com/openqube/guid/internal/protocol"
	"github.com/openqube/guid/internal/registry"
	"github.com/openqube/guid/internal/ring"
	"github.com/openqube/guid/internal/sanitize"
)

// ErrAlreadyRunning means another daemon instance owns this guest or
// display; the caller should exit 0 without complaint.
var ErrAlreadyRunning = errors.New("daemon: another instance is already running")

// ErrRestart asks the caller to re-exec the daemon in foreground mode
// after a transport EOF, per the session-restart policy.
var ErrRestart = errors.New("daemon: transport closed, restart requested")

// HostEventSource delivers display-server events to the main loop. The
// real implementation wraps the host display connection; it is a
// collaborator of this package, not part of it.
type HostEventSource interface {
	Events() <-chan daemonloop.HostEvent
	// Fd returns the display connection's descriptor for poll
	// multiplexing, or (0, false) when the source is channel-only.
	Fd() (int, bool)
	Close() error
}

// Options bundles the collaborators the caller must supply: the display
// server seam, the event source, and the attacher/releaser pair driving
// the preload shim.
type Options struct {
	Display  daemonloop.DisplayServer
	Events   HostEventSource
	Attacher frameimport.Attacher
	Releaser frameimport.Releaser
	// KernelReleaser drops frame mappings via kernel calls only, used once
	// the display server may no longer be spoken to.
	KernelReleaser frameimport.Releaser
	// DisplayNumber selects the shm.id.<N> file.
	DisplayNumber int
	// SocketPath is the ring transport endpoint the agent connects to.
	SocketPath string
}

// Session is one daemon lifetime serving one guest.
type Session struct {
	cfg  *config.Config
	opts Options

	loop    *daemonloop.Daemon
	ring    *ring.Transport
	handoff *lockfile.StartupHandoff
	shmLock *lockfile.File
	auditLog *audit.Log

	reloadRequested atomic.Bool
	ringEOF         atomic.Bool
}

// New builds a Session from validated configuration and its collaborators.
func New(cfg *config.Config, opts Options) *Session {
	return &Session{cfg: cfg, opts: opts}
}

// Run executes the full daemon lifetime: locks, handshake, main loop,
// shutdown. It returns ErrAlreadyRunning (exit 0), ErrRestart (re-exec),
// or a fatal error (exit 1).
func (s *Session) Run(ctx context.Context) error {
	handoff, err := lockfile.BeginBoot(ctx, s.cfg.DomID)
	if err != nil {
		return ErrAlreadyRunning
	}
	s.handoff = handoff
	defer s.handoff.Release()

	shmLock, err := lockfile.Open(lockfile.ShmID(s.opts.DisplayNumber) + ".lock")
	if err != nil {
		return fmt.Errorf("daemon: open display lock: %w", err)
	}
	ok, err := shmLock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		shmLock.Close()
		return ErrAlreadyRunning
	}
	s.shmLock = shmLock
	defer func() {
		s.shmLock.Unlock()
		s.shmLock.Close()
	}()

	if err := s.attachAgent(ctx); err != nil {
		return err
	}
	defer s.ring.Close()

	if err := s.buildLoop(); err != nil {
		return err
	}
	if s.auditLog != nil {
		defer s.auditLog.Close()
	}

	if err := s.handshake(); err != nil {
		return err
	}

	if err := s.handoff.CompleteBoot(); err != nil {
		return ErrAlreadyRunning
	}

	if s.cfg.NotifyPID > 0 {
		syscall.Kill(s.cfg.NotifyPID, syscall.SIGUSR1)
	}

	slog.Info("guest attached", "vm", s.cfg.VMName, "domid", s.cfg.DomID)
	return s.mainLoop(ctx)
}

// attachAgent listens for the agent's ring connection, bounded by the
// startup timeout; after attach the timeout never applies again.
func (s *Session) attachAgent(ctx context.Context) error {
	os.Remove(s.opts.SocketPath)
	ln, err := net.Listen("unix", s.opts.SocketPath)
	if err != nil {
		return fmt.Errorf("daemon: listen %s: %w", s.opts.SocketPath, err)
	}
	defer ln.Close()

	timeout := time.Duration(s.cfg.StartupTimeoutSeconds) * time.Second
	if ul, ok := ln.(*net.UnixListener); ok {
		ul.SetDeadline(time.Now().Add(timeout))
	}
	conn, err := ln.Accept()
	if err != nil {
		return fmt.Errorf("daemon: agent did not attach within %s: %w", timeout, err)
	}

	s.ring = ring.New(conn, ring.Blocking, func() { s.ringEOF.Store(true) })
	return nil
}

func (s *Session) buildLoop() error {
	viewerLock, err := lockfile.Open(lockfile.AppViewerLock())
	if err != nil {
		return err
	}

	store := lockfile.NewShmStore(s.opts.DisplayNumber)
	importer := frameimport.New(viewerLock, store, s.opts.Attacher)
	bindings := frameimport.NewBindings(s.opts.Releaser)

	clipStore := clipboard.NewFileStore(s.cfg.ClipboardDir, interfaces.NewOSFileSystem())
	broker := clipboard.New(viewerLock, clipStore)

	runner := helper.ExecRunner{}
	var auditLog *audit.Log
	if log, err := audit.Open(lockfile.RunDir + fmt.Sprintf("/guid-audit.%d.db", s.cfg.DomID)); err == nil {
		auditLog = log
	} else {
		slog.Warn("audit log unavailable", "error", err)
	}
	s.auditLog = auditLog

	s.loop = &daemonloop.Daemon{
		Config:      s.cfg,
		Registry:    registry.New(1),
		Display:     s.opts.Display,
		Notify:      &helper.Notifier{Runner: runner},
		Frames:      bindings,
		FrameImport: importer,
		Clipboard:   broker,
		Escalator:   sanitize.NewEscalator(),
		Prompter:    helper.NewDialog(helper.DialogZenity),
		Out:         s.ring,
		Oracle:      &helper.PolicyOracle{Runner: runner},
		Helpers:     runner,
		Audit:       auditLog,
	}
	if s.cfg.OutOfBandClipboard {
		s.loop.OOB = &helper.OutOfBandClipboard{Runner: runner}
		s.loop.SlotPath = clipStore.SlotPath()
	}
	return s.loop.Prepare()
}

// handshake reads and checks the guest's version word, then tells it the
// host screen layout.
func (s *Session) handshake() error {
	v, err := protocol.ReadVersion(s.ring)
	if err != nil {
		return fmt.Errorf("daemon: read agent version: %w", err)
	}
	if err := protocol.NegotiateHost(v); err != nil {
		// User-visible mismatch notice, then exit 1.
		(&helper.Notifier{Runner: helper.ExecRunner{}}).Notify(
			fmt.Sprintf("GUI agent in qube %s speaks protocol %d.%d, which this daemon does not support", s.cfg.VMName, v.Major, v.Minor))
		return err
	}

	root := s.opts.Display.RootGeometry()
	return protocol.WriteMessage(s.ring, protocol.MsgXConf, 0, protocol.XConfBody{
		Width: root.W, Height: root.H, Depth: 24, MemKB: root.W * root.H * 4 / 1024,
	})
}

// mainLoop drains guest messages and host events until termination. Both
// sources feed channels so the single select below is the loop's only
// suspension point.
func (s *Session) mainLoop(ctx context.Context) error {
	sigCh := make(chan os.Signal, 4)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGHUP)
	signal.Ignore(syscall.SIGCHLD)
	defer signal.Stop(sigCh)

	msgCh := make(chan protocol.Message)
	readErr := make(chan error, 1)
	go func() {
		for {
			msg, err := protocol.ReadMessage(s.ring, true)
			if err != nil {
				readErr <- err
				close(msgCh)
				return
			}
			msgCh <- msg
		}
	}()

	var hostEvents <-chan daemonloop.HostEvent
	if s.opts.Events != nil {
		hostEvents = s.opts.Events.Events()
		defer s.opts.Events.Close()
	}

	for {
		select {
		case <-ctx.Done():
			s.safeShutdown(ctx)
			return nil

		case sig := <-sigCh:
			switch sig {
			case syscall.SIGTERM:
				s.safeShutdown(ctx)
				return nil
			case syscall.SIGHUP:
				s.reloadRequested.Store(true)
			}

		case msg, ok := <-msgCh:
			if !ok {
				err := <-readErr
				if errors.Is(err, io.EOF) || s.ringEOF.Load() {
					slog.Info("agent disconnected", "vm", s.cfg.VMName)
					s.safeShutdown(ctx)
					return ErrRestart
				}
				s.safeShutdown(ctx)
				return fmt.Errorf("daemon: protocol error, closing session: %w", err)
			}
			if err := s.loop.HandleGuestMessage(ctx, msg); err != nil {
				var fatal *daemonloop.ErrFatal
				if errors.As(err, &fatal) {
					slog.Error("fatal guest message", "vm", s.cfg.VMName, "error", err)
					s.safeShutdown(ctx)
					return err
				}
				slog.Warn("guest message failed", "error", err)
			}
			s.consumeReload()

		case ev, ok := <-hostEvents:
			if !ok {
				// Display connection gone: category-6 error, no further
				// server requests of any kind.
				s.safeShutdown(ctx)
				return fmt.Errorf("daemon: display server connection lost")
			}
			if err := s.loop.HandleHostEvent(ctx, ev); err != nil {
				var fatal *daemonloop.ErrFatal
				if errors.As(err, &fatal) {
					s.safeShutdown(ctx)
					return err
				}
				slog.Warn("host event failed", "error", err)
			}
			s.consumeReload()
		}
	}
}

// consumeReload applies a SIGHUP-requested reload on the next loop
// iteration: re-query root geometry and re-announce it to the guest.
func (s *Session) consumeReload() {
	if !s.reloadRequested.CompareAndSwap(true, false) {
		return
	}
	root := s.opts.Display.RootGeometry()
	slog.Info("reload: root geometry re-queried", "w", root.W, "h", root.H)
	protocol.WriteMessage(s.ring, protocol.MsgXConf, 0, protocol.XConfBody{
		Width: root.W, Height: root.H, Depth: 24, MemKB: root.W * root.H * 4 / 1024,
	})
}

// safeShutdown releases every shared frame through kernel calls only —
// the display server may already be gone, so no server request is issued
// from here on.
func (s *Session) safeShutdown(ctx context.Context) {
	releaser := s.opts.KernelReleaser
	if releaser == nil {
		releaser = s.opts.Releaser
	}
	if s.loop != nil && s.loop.Frames != nil {
		s.loop.Frames.ReleaseAll(ctx, releaser)
	}
	os.Remove(s.opts.SocketPath)
}
