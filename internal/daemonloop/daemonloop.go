// Package daemonloop implements the host-side daemon event loop:
// mirroring guest windows as host children, forwarding host input,
// painting damage, and enforcing the frame-color, override-redirect and
// fullscreen policies. Every incoming message is a tagged variant
// dispatched by a single match at the top of the loop.
package daemonloop

import (
	"context"
	"fmt"
	"io"

	"github.com/openqube/guid/internal/audit"
	"github.com/openqube/guid/internal/clipboard"
	"github.com/openqube/guid/internal/config"
	"github.com/openqube/guid/internal/frameimport"
	"github.com/openqube/guid/internal/helper"
	"github.com/openqube/guid/internal/protocol"
	"github.com/openqube/guid/internal/registry"
	"github.com/openqube/guid/internal/sanitize"
	"github.com/openqube/guid/internal/trayicon"
)

// DisplayServer is the host display server collaborator. Every call here
// is a request the daemon makes of it; errors other than the documented
// destruction races are fatal.
type DisplayServer interface {
	CreateChild(parent registry.LocalID, geom registry.Geometry, overrideRedirect bool) (registry.LocalID, error)
	Destroy(local registry.LocalID) error
	Map(local registry.LocalID) error
	Unmap(local registry.LocalID) error
	ConfigureWindow(local registry.LocalID, geom registry.Geometry) error
	SetWMName(local registry.LocalID, name string) error
	SetWMClass(local registry.LocalID, class [2]string) error
	SetProperty(local registry.LocalID, prop registry.ExtraProperty) error
	SetCursor(local registry.LocalID, cursorID uint32) error
	PaintDamage(local registry.LocalID, rect registry.Geometry, frame *frameimport.Frame) error
	SetSizeHints(local registry.LocalID, hints registry.SizeHints) error
	UpdateWMState(local registry.LocalID, set, unset uint32) error
	DockIntoTray(local registry.LocalID, mode trayicon.Mode, opts trayicon.TintOptions, color trayicon.VMColor) error
	// TranslateToParent converts frame-relative coordinates from a
	// non-synthetic ConfigureNotify into parent-relative ones.
	TranslateToParent(local registry.LocalID, geom registry.Geometry) (registry.Geometry, error)
	RootGeometry() registry.Geometry
	Siblings(local registry.LocalID) ([]registry.LocalID, error)
	StackAbove(local, sibling registry.LocalID) error
	WindowClass(local registry.LocalID) (string, error)
}

// Host-WM state bits passed to UpdateWMState and reported back by
// WMStateEvent. The first three mirror the guest-visible window flags; the
// maximize pair exists only host-side, for the fullscreen rewrite.
const (
	WMStateFullscreen uint32 = 1 << iota
	WMStateDemandsAttention
	WMStateMinimize
	WMStateMaximizedVert
	WMStateMaximizedHorz
)

// frameBorderWidth is the colored-frame strip that must stay on screen for
// override-redirect windows.
const frameBorderWidth = 2

// Notifier shows a one-shot, non-blocking message to the operator.
// Unlike sanitize.Prompter it
// never waits for a response.
type Notifier interface {
	Notify(msg string)
}

// Importer is the subset of *frameimport.Importer the daemon loop drives;
// narrowed to an interface so tests can stub it without a real display
// server attach.
type Importer interface {
	Import(ctx context.Context, domID uint32, variant frameimport.Variant, width, height int, shmID uint32, offset uint32, refs []uint32) (*frameimport.Frame, error)
}

// Releaser matches frameimport.Releaser; re-declared here so this package
// doesn't need to import frameimport's concrete Bindings type in its own
// interface surface.
type Releaser interface {
	Release(ctx context.Context, f *frameimport.Frame) error
}

// Daemon bundles every collaborator one running host daemon session
// needs: one explicit struct threaded through every handler rather than
// file-scope globals.
type Daemon struct {
	Config   *config.Config
	Registry *registry.Registry
	Display  DisplayServer
	Notify   Notifier

	Frames      *frameimport.Bindings
	FrameImport Importer

	Clipboard *clipboard.Broker
	// PendingPasteTS is the key-event timestamp of the outstanding copy
	// request, stamped onto the slot when the guest's data arrives.
	PendingPasteTS uint32

	Escalator *sanitize.Escalator
	Prompter  sanitize.Prompter

	Out io.Writer // ring transport back to the guest, for ack messages

	Oracle clipboard.PolicyOracle
	// OOB and SlotPath back the out-of-band clipboard path; nil/"" when the
	// in-band path was selected at start.
	OOB      *helper.OutOfBandClipboard
	SlotPath string

	Helpers helper.Runner
	Audit   *audit.Log // optional; nil disables the event log

	CopyAccel, PasteAccel Accel

	TrayMode trayicon.Mode
	TrayOpts trayicon.TintOptions
	// VMColor is the label color painted into frames, borders and tray
	// tinting for this guest's windows.
	VMColor trayicon.VMColor

	// GuestKeymap is the guest's last KEYMAP_NOTIFY bitmap, compared against
	// the host's on focus transitions.
	GuestKeymap [32]byte
}

// Prepare parses the startup-time-only configuration — clipboard
// accelerators and tray-icon mode — into their runtime forms. Called once
// before the first event is dispatched.
func (d *Daemon) Prepare() error {
	var err error
	if d.CopyAccel, err = ParseAccel(d.Config.SecureCopySequence); err != nil {
		return err
	}
	if d.PasteAccel, err = ParseAccel(d.Config.SecurePasteSequence); err != nil {
		return err
	}
	if d.Config.TrayIconMode != "" {
		mode, opts, ok := trayicon.ParseMode(d.Config.TrayIconMode)
		if !ok {
			return fmt.Errorf("daemonloop: invalid trayicon mode %q", d.Config.TrayIconMode)
		}
		d.TrayMode, d.TrayOpts = mode, opts
	}
	if d.Config.FrameColor != "" {
		color, ok := trayicon.ParseColor(d.Config.FrameColor)
		if !ok {
			return fmt.Errorf("daemonloop: invalid frame color %q", d.Config.FrameColor)
		}
		d.VMColor = color
	}
	return nil
}

// ErrFatal marks an error that must terminate the daemon session: a
// guest-sanitization violation the operator chose to
// Terminate on, an unrecoverable protocol error, or a lookup miss against
// a handle with no CREATE on record.
type ErrFatal struct {
	Err error
}

func (e *ErrFatal) Error() string { return e.Err.Error() }
func (e *ErrFatal) Unwrap() error { return e.Err }

func fatalf(format string, args ...any) error {
	return &ErrFatal{Err: fmt.Errorf(format, args...)}
}

// HandleGuestMessage is the single dispatch point for every message the
// ring transport delivers from the agent.
func (d *Daemon) HandleGuestMessage(ctx context.Context, msg protocol.Message) error {
	window := msg.Header.Window

	// Every message other than CREATE and CLIPBOARD_DATA must resolve to
	// a live window; a miss is fatal.
	var rec *registry.WindowRecord
	if msg.Header.Type != protocol.MsgCreate && msg.Header.Type != protocol.MsgClipboardData {
		var ok bool
		rec, ok = d.Registry.LookupByRemote(window)
		if !ok {
			return fatalf("daemonloop: message %s references unknown window %d", msg.Header.Type, window)
		}
	}

	switch body := msg.Body.(type) {
	case protocol.CreateBody:
		return d.handleCreate(ctx, window, body)
	case protocol.DestroyBody:
		return d.handleDestroy(ctx, rec)
	case protocol.MapBody:
		return d.handleMap(ctx, rec, body)
	case protocol.UnmapBody:
		return d.handleUnmap(rec)
	case protocol.ConfigureBody:
		return d.handleGuestConfigure(rec, body)
	case protocol.MFNDumpBody:
		return d.handleMFNDump(ctx, rec, body)
	case protocol.WindowDumpBody:
		return d.handleWindowDump(ctx, rec, body)
	case protocol.ShmImageBody:
		return d.handleShmImage(rec, body)
	case protocol.WMNameBody:
		return d.handleWMName(rec, body)
	case protocol.WMClassBody:
		return d.handleWMClass(rec, body)
	case protocol.WindowHintsBody:
		return d.handleWindowHints(rec, body)
	case protocol.WindowFlagsBody:
		return d.handleWindowFlags(ctx, rec, body)
	case protocol.DockBody:
		return d.handleDock(rec)
	case protocol.CursorBody:
		return d.handleCursor(ctx, rec, body)
	case protocol.ClipboardDataBody:
		return d.handleClipboardData(ctx, body)
	case protocol.KeymapNotifyBody:
		d.GuestKeymap = body.Bitmap
		return nil
	default:
		return fatalf("daemonloop: no handler for message type %s", msg.Header.Type)
	}
}
