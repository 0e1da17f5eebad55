package daemonloop

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openqube/guid/internal/protocol"
	"github.com/openqube/guid/internal/registry"
)

// HostEvent is one event delivered by the host display server, already
// lifted out of whatever native event encoding the server speaks.
type HostEvent interface{ isHostEvent() }

type KeyEvent struct {
	Local     registry.LocalID
	Pressed   bool
	Keycode   uint32
	Keysym    uint32
	State     uint32
	Timestamp uint32
}

type ButtonEvent struct {
	Local   registry.LocalID
	Pressed bool
	Button  uint32
	State   uint32
	X, Y    int32
}

type MotionEvent struct {
	Local registry.LocalID
	X, Y  int32
}

type CrossingEvent struct {
	Local registry.LocalID
	Enter bool
	X, Y  int32
}

type FocusEvent struct {
	Local registry.LocalID
	In    bool
	// HostKeymap is the host's keyboard bitmap at the focus transition;
	// KEYMAP_NOTIFY is emitted lazily here, never during key bursts.
	HostKeymap [32]byte
}

type ExposeEvent struct {
	Local registry.LocalID
	Rect  registry.Geometry
}

// ConfigureNotifyEvent reports the host WM moving or resizing a mirror
// window. Synthetic events carry parent-relative coordinates already;
// non-synthetic ones are relative to the reparented frame window and must
// be translated before comparing with record state.
type ConfigureNotifyEvent struct {
	Local     registry.LocalID
	Geom      registry.Geometry
	Synthetic bool
}

// WMStateEvent reports the host WM's current state atoms for a window
// (WMState* bits), observed via PropertyNotify.
type WMStateEvent struct {
	Local registry.LocalID
	State uint32
}

// CloseRequestEvent is the host WM asking to close a mirror window.
type CloseRequestEvent struct {
	Local registry.LocalID
}

func (KeyEvent) isHostEvent()             {}
func (ButtonEvent) isHostEvent()          {}
func (MotionEvent) isHostEvent()          {}
func (CrossingEvent) isHostEvent()        {}
func (FocusEvent) isHostEvent()           {}
func (ExposeEvent) isHostEvent()          {}
func (ConfigureNotifyEvent) isHostEvent() {}
func (WMStateEvent) isHostEvent()         {}
func (CloseRequestEvent) isHostEvent()    {}

// HandleHostEvent routes one display-server event to the owning window and
// forwards it to the guest. An event for a window the registry doesn't
// know is a stale race with destruction and is dropped silently.
func (d *Daemon) HandleHostEvent(ctx context.Context, ev HostEvent) error {
	switch e := ev.(type) {
	case KeyEvent:
		return d.handleHostKey(ctx, e)
	case ButtonEvent:
		rec, ok := d.Registry.LookupByLocal(e.Local)
		if !ok {
			return nil
		}
		typ := protocol.KeyRelease
		if e.Pressed {
			typ = protocol.KeyPress
		}
		return d.sendToGuest(protocol.MsgButton, rec.RemoteID, protocol.ButtonBody{
			Type: typ, Button: e.Button, State: e.State, X: e.X, Y: e.Y,
		})
	case MotionEvent:
		rec, ok := d.Registry.LookupByLocal(e.Local)
		if !ok {
			return nil
		}
		return d.sendToGuest(protocol.MsgMotion, rec.RemoteID, protocol.MotionBody{X: e.X, Y: e.Y})
	case CrossingEvent:
		rec, ok := d.Registry.LookupByLocal(e.Local)
		if !ok {
			return nil
		}
		typ := protocol.CrossingLeave
		if e.Enter {
			typ = protocol.CrossingEnter
		}
		return d.sendToGuest(protocol.MsgCrossing, rec.RemoteID, protocol.CrossingBody{Type: typ, X: e.X, Y: e.Y})
	case FocusEvent:
		return d.handleHostFocus(e)
	case ExposeEvent:
		rec, ok := d.Registry.LookupByLocal(e.Local)
		if !ok {
			return nil
		}
		d.doShmUpdate(rec, e.Rect)
		return nil
	case ConfigureNotifyEvent:
		return d.handleHostConfigure(e)
	case WMStateEvent:
		return d.handleHostWMState(e)
	case CloseRequestEvent:
		rec, ok := d.Registry.LookupByLocal(e.Local)
		if !ok {
			return nil
		}
		return d.sendToGuest(protocol.MsgClose, rec.RemoteID, protocol.CloseBody{})
	default:
		return fatalf("daemonloop: no handler for host event %T", ev)
	}
}

// handleHostKey passes every key press through the clipboard accelerator
// matcher first; a consumed accelerator is never forwarded to the guest.
func (d *Daemon) handleHostKey(ctx context.Context, e KeyEvent) error {
	rec, ok := d.Registry.LookupByLocal(e.Local)
	if !ok {
		return nil
	}

	if e.Pressed {
		if d.CopyAccel.Matches(e.State, e.Keysym) {
			return d.triggerCopy(rec, e.Timestamp)
		}
		if d.PasteAccel.Matches(e.State, e.Keysym) {
			return d.triggerPaste(ctx, rec, e.Timestamp)
		}
	}

	typ := protocol.KeyRelease
	if e.Pressed {
		typ = protocol.KeyPress
	}
	return d.sendToGuest(protocol.MsgKeyPress, rec.RemoteID, protocol.KeyPressBody{
		Type: typ, Keycode: e.Keycode, State: e.State,
	})
}

func (d *Daemon) handleHostFocus(e FocusEvent) error {
	rec, ok := d.Registry.LookupByLocal(e.Local)
	if !ok {
		return nil
	}
	typ := protocol.FocusOut
	if e.In {
		typ = protocol.FocusIn
		if err := d.sendToGuest(protocol.MsgKeymapNotify, rec.RemoteID, protocol.KeymapNotifyBody{Bitmap: e.HostKeymap}); err != nil {
			return err
		}
	}
	return d.sendToGuest(protocol.MsgFocus, rec.RemoteID, protocol.FocusBody{Type: typ})
}

// triggerCopy arms the clipboard broker and asks the guest for its current
// selection. A request already in flight makes this keystroke a no-op.
func (d *Daemon) triggerCopy(rec *registry.WindowRecord, timestamp uint32) error {
	if err := d.Clipboard.RequestCopy(); err != nil {
		slog.Debug("copy accelerator ignored", "reason", err)
		return nil
	}
	d.PendingPasteTS = timestamp
	if d.OOB != nil {
		// Out-of-band: a helper moves the bytes; the daemon never sees them.
		d.Clipboard.CancelPending()
		if err := d.OOB.Copy(context.Background(), d.Config.VMName, d.SlotPath); err != nil {
			slog.Warn("out-of-band copy failed", "error", err)
		}
		return nil
	}
	return d.sendToGuest(protocol.MsgClipboardReq, rec.RemoteID, protocol.ClipboardReqBody{})
}

// triggerPaste checks policy, staleness and emptiness, then delivers the
// slot to the guest; denial and staleness are silent drops.
func (d *Daemon) triggerPaste(ctx context.Context, rec *registry.WindowRecord, timestamp uint32) error {
	if d.OOB != nil {
		source, err := d.Clipboard.SourceVM(ctx)
		if err != nil {
			return nil
		}
		allow, err := d.Oracle.Check(ctx, source, d.Config.VMName)
		if err != nil || !allow {
			return nil
		}
		if err := d.OOB.Paste(ctx, d.Config.VMName, d.SlotPath); err != nil {
			slog.Warn("out-of-band paste failed", "error", err)
		}
		return nil
	}

	data, ok, err := d.Clipboard.Paste(ctx, d.Oracle, d.Config.VMName, timestamp)
	if err != nil {
		return fatalf("daemonloop: paste: %v", err)
	}
	if !ok {
		return nil
	}
	d.audit(rec.RemoteID, "clipboard-paste", "")
	return d.sendToGuest(protocol.MsgClipboardData, rec.RemoteID, protocol.ClipboardDataBody{Data: data})
}

// handleHostConfigure runs the host half of the configure state machine.
func (d *Daemon) handleHostConfigure(e ConfigureNotifyEvent) error {
	rec, ok := d.Registry.LookupByLocal(e.Local)
	if !ok {
		return nil
	}

	geom := e.Geom
	if !e.Synthetic {
		translated, err := d.Display.TranslateToParent(e.Local, geom)
		if err != nil {
			// The window may be racing its own destruction; drop the event.
			return nil
		}
		geom = translated
	}

	if geom == rec.Geometry {
		return nil
	}

	if rec.ConfigureState == registry.ConfigureSent && rec.RemoteID != registry.FullscreenWindow {
		rec.HaveQueuedConfigure = true
		rec.QueuedConfigure = geom
		return nil
	}

	rec.Geometry = geom
	return d.sendConfigureRequest(rec, geom)
}

// handleHostWMState completes the fullscreen pseudo-ack: when the host WM
// acknowledges both maximize atoms for a window whose guest asked for real
// fullscreen, the guest is told FULLSCREEN was granted.
func (d *Daemon) handleHostWMState(e WMStateEvent) error {
	rec, ok := d.Registry.LookupByLocal(e.Local)
	if !ok {
		return nil
	}

	const bothMax = WMStateMaximizedVert | WMStateMaximizedHorz
	if rec.FullscreenMaximizeRequested && e.State&bothMax == bothMax {
		rec.FullscreenMaximizeRequested = false
		rec.FlagsSet[registry.FlagFullscreen] = true
		return d.sendToGuest(protocol.MsgWindowFlags, rec.RemoteID, protocol.WindowFlagsBody{Set: protocol.FlagFullscreen})
	}
	if d.Config.AllowFullscreen() && e.State&WMStateFullscreen != 0 && !rec.FlagsSet[registry.FlagFullscreen] {
		rec.FlagsSet[registry.FlagFullscreen] = true
		return d.sendToGuest(protocol.MsgWindowFlags, rec.RemoteID, protocol.WindowFlagsBody{Set: protocol.FlagFullscreen})
	}
	return nil
}

// restackAboveScreensaver re-places a freshly mapped override-redirect
// window just above any sibling belonging to a configured screensaver
// class instead of letting it sit on top of everything.
func (d *Daemon) restackAboveScreensaver(rec *registry.WindowRecord) {
	if len(d.Config.ScreensaverNames) == 0 {
		return
	}
	siblings, err := d.Display.Siblings(rec.LocalID)
	if err != nil {
		return
	}
	for _, sib := range siblings {
		if sib == rec.LocalID {
			break // only siblings below matter
		}
		class, err := d.Display.WindowClass(sib)
		if err != nil {
			continue
		}
		for _, name := range d.Config.ScreensaverNames {
			if class == name {
				if err := d.Display.StackAbove(rec.LocalID, sib); err != nil {
					slog.Debug("screensaver restack failed", "window", rec.RemoteID, "error", err)
				}
				return
			}
		}
	}
}

// forceOnScreen clamps an override-redirect window's geometry so at least
// a border-width strip stays inside the work area, leaving windows that
// are entirely off-screen where they are.
func forceOnScreen(geom, root registry.Geometry, border int32) registry.Geometry {
	w, h := int32(geom.W), int32(geom.H)
	rootW, rootH := int32(root.W), int32(root.H)

	entirelyOff := geom.X+w <= 0 || geom.Y+h <= 0 || geom.X >= rootW || geom.Y >= rootH
	if entirelyOff {
		return geom
	}

	out := geom
	if out.X+w < border {
		out.X = border - w
	}
	if out.Y+h < border {
		out.Y = border - h
	}
	if out.X > rootW-border {
		out.X = rootW - border
	}
	if out.Y > rootH-border {
		out.Y = rootH - border
	}
	return out
}

// Accel is one parsed clipboard accelerator: a modifier mask plus the
// keysym it triggers on.
type Accel struct {
	ModMask uint32
	Keysym  uint32
}

// Modifier bits, X11 encoding.
const (
	ModShift   uint32 = 1 << 0
	ModControl uint32 = 1 << 2
	ModAlt     uint32 = 1 << 3
	ModSuper   uint32 = 1 << 6

	accelModMask = ModShift | ModControl | ModAlt | ModSuper
)

// Matches reports whether a key event's modifier state and keysym hit this
// accelerator exactly (extra modifiers outside the recognized set are
// ignored; recognized ones must match exactly).
func (a Accel) Matches(state, keysym uint32) bool {
	if a.Keysym == 0 {
		return false
	}
	return state&accelModMask == a.ModMask && keysym == a.Keysym
}

// ParseAccel parses a "Mod-Mod-key" accelerator sequence such as
// "Ctrl-Shift-c". The final component is a single character whose keysym
// is its lower-cased byte value; earlier components name modifiers.
func ParseAccel(s string) (Accel, error) {
	if s == "" {
		return Accel{}, fmt.Errorf("daemonloop: empty accelerator sequence")
	}
	parts := strings.Split(s, "-")
	var a Accel
	for i, p := range parts {
		if i == len(parts)-1 {
			if len(p) != 1 {
				return Accel{}, fmt.Errorf("daemonloop: accelerator key %q must be a single character", p)
			}
			a.Keysym = uint32(strings.ToLower(p)[0])
			return a, nil
		}
		switch strings.ToLower(p) {
		case "shift":
			a.ModMask |= ModShift
		case "ctrl", "control":
			a.ModMask |= ModControl
		case "alt", "mod1":
			a.ModMask |= ModAlt
		case "super", "mod4", "win":
			a.ModMask |= ModSuper
		default:
			return Accel{}, fmt.Errorf("daemonloop: unknown modifier %q in accelerator %q", p, s)
		}
	}
	return Accel{}, fmt.Errorf("daemonloop: accelerator %q has no key component", s)
}
