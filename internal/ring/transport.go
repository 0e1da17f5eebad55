// Package ring implements the ring transport: a byte-oriented
// bidirectional pipe with blocking write, double-buffered write, a
// non-blocking ready() check and a wait_any()/poll() primitive. The
// low-level vchan/event-channel byte pipe is a collaborator of this
// package; Transport sits on top of any net.Conn,
// which in this deployment is a unix domain socket standing in for that
// channel.
package ring

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Mode selects the write discipline: Blocking (server/daemon side, backs
// pressure on a congested peer) or Buffered (client/agent side, queues
// writes and drains opportunistically).
type Mode int

const (
	Blocking Mode = iota
	Buffered
)

// MaxQueueBytes is the double-buffered write window ceiling. Exceeding it
// is fatal: the peer is assumed stuck.
const MaxQueueBytes = 10 * 1024 * 1024

// InitialQueueHint is the starting capacity hint for the write queue.
const InitialQueueHint = 8 * 1024

var ErrQueueOverflow = errors.New("ring: write queue exceeded 10MB window, peer assumed stuck")

// Transport wraps a net.Conn with the blocking/buffered write split and
// the ready/wait_any/eof surface.
type Transport struct {
	conn net.Conn
	mode Mode

	mu       sync.Mutex
	queued   []byte
	closed   bool
	writeErr error
	notify   chan struct{}

	eof      bool
	onEOF    func()
	eofOnce  sync.Once
}

// New wraps conn. onEOF, if non-nil, fires exactly once the first time a
// read or write observes the peer is gone.
func New(conn net.Conn, mode Mode, onEOF func()) *Transport {
	t := &Transport{conn: conn, mode: mode, onEOF: onEOF, notify: make(chan struct{}, 1)}
	if mode == Buffered {
		go t.drainLoop()
	}
	return t
}

func (t *Transport) markEOF() {
	t.eof = true
	if t.onEOF != nil {
		t.eofOnce.Do(t.onEOF)
	}
}

// Read satisfies io.Reader so protocol.ReadMessage can be driven directly
// off a Transport.
func (t *Transport) Read(p []byte) (int, error) {
	n, err := t.conn.Read(p)
	if err != nil {
		t.mu.Lock()
		t.markEOF()
		t.mu.Unlock()
	}
	return n, err
}

// ReadExact reads exactly n bytes or returns an error (including io.EOF).
func (t *Transport) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(t, buf); err != nil {
		if err == io.ErrUnexpectedEOF {
			err = io.EOF
		}
		return nil, err
	}
	return buf, nil
}

// Write satisfies io.Writer. In Blocking mode it writes straight through
// (back-pressure). In Buffered mode it appends to the in-memory queue and
// returns immediately; a background goroutine drains the queue against the
// underlying conn.
func (t *Transport) Write(p []byte) (int, error) {
	if t.mode == Blocking {
		n, err := t.conn.Write(p)
		if err != nil {
			t.mu.Lock()
			t.markEOF()
			t.mu.Unlock()
		}
		return n, err
	}

	t.mu.Lock()
	if t.closed {
		err := t.writeErr
		t.mu.Unlock()
		if err == nil {
			err = io.ErrClosedPipe
		}
		return 0, err
	}
	if len(t.queued)+len(p) > MaxQueueBytes {
		t.closed = true
		t.writeErr = ErrQueueOverflow
		t.markEOF()
		t.mu.Unlock()
		return 0, ErrQueueOverflow
	}
	t.queued = append(t.queued, p...)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
	return len(p), nil
}

func (t *Transport) drainLoop() {
	for range t.notify {
		for {
			t.mu.Lock()
			if len(t.queued) == 0 || t.closed {
				t.mu.Unlock()
				break
			}
			chunk := t.queued
			t.queued = nil
			t.mu.Unlock()

			if _, err := t.conn.Write(chunk); err != nil {
				t.mu.Lock()
				t.closed = true
				t.writeErr = err
				t.markEOF()
				t.mu.Unlock()
				return
			}
		}
	}
}

// Ready reports whether a Read would return immediately without blocking.
func (t *Transport) Ready() bool {
	ready, _ := t.poll(0)
	return ready
}

// Eof reports whether this transport has already observed end-of-stream.
func (t *Transport) Eof() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.eof
}

// FdForPoll exposes the underlying file descriptor for multiplexing with a
// display-server or other foreign fd, when the conn supports it (unix
// sockets do; net.Pipe() pairs used in tests do not).
func (t *Transport) FdForPoll() (int, bool) {
	sc, ok := t.conn.(syscall.Conn)
	if !ok {
		return -1, false
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, false
	}
	var fd int
	raw.Control(func(f uintptr) { fd = int(f) })
	return fd, true
}

// poll does a non-blocking (timeout 0) or timed check of the transport's
// fd. When the conn doesn't expose a pollable fd (e.g. net.Pipe in tests)
// it optimistically reports ready — there's nothing to multiplex with.
func (t *Transport) poll(timeout time.Duration) (bool, error) {
	fd, ok := t.FdForPoll()
	if !ok {
		return true, nil
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	ms := int(timeout / time.Millisecond)
	n, err := unix.Poll(fds, ms)
	if err != nil {
		return false, err
	}
	return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
}

// WaitAny blocks until this transport is readable, one of the extra fds
// (typically the display server's connection) is readable, timeout
// elapses, or ctx is cancelled — the single suspension point of the main
// event loop.
func (t *Transport) WaitAny(ctx context.Context, extra []int, timeout time.Duration) error {
	fd, ok := t.FdForPoll()
	if !ok {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeout):
			return nil
		}
	}
	fds := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLIN}}
	for _, e := range extra {
		fds = append(fds, unix.PollFd{Fd: int32(e), Events: unix.POLLIN})
	}
	ms := -1
	if timeout >= 0 {
		ms = int(timeout / time.Millisecond)
	}
	done := make(chan error, 1)
	go func() {
		_, err := unix.Poll(fds, ms)
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// Close releases the underlying connection.
func (t *Transport) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return t.conn.Close()
}
