// Package agentloop implements the guest-side Agent Event Loop (C6):
// observing the guest display server, publishing window lifecycle and
// damage to the host daemon, and injecting the input the daemon sends
// back. The guest display server itself is a collaborator reached through
// the GuestDisplay seam.
package agentloop

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/openqube/guid/internal/protocol"
)

// WindowID is a guest display-server window identity.
type WindowID uint32

// Geometry mirrors the wire geometry fields for guest-side bookkeeping.
type Geometry struct {
	X, Y int32
	W, H uint32
}

// GuestDisplay is the agent's view of the guest display server. Input
// injection uses the server's test/fake-input extension; frame publishing
// reads the window's pixmap page references through the display driver.
type GuestDisplay interface {
	MoveResize(w WindowID, geom Geometry) error
	MapWindow(w WindowID) error
	InjectKey(w WindowID, pressed bool, keycode, state uint32) error
	InjectButton(w WindowID, pressed bool, button, state uint32, x, y int32) error
	InjectMotion(w WindowID, x, y int32) error
	InjectCrossing(w WindowID, enter bool, x, y int32) error
	SetFocus(w WindowID, in bool) error
	SendClose(w WindowID) error
	SetNetWMState(w WindowID, set, unset uint32) error

	SubscribeDamage(w WindowID) error
	SubscribeProperties(w WindowID) error

	// PixmapRefs returns the page references backing w's current pixmap,
	// published to the daemon as MFNDUMP on every map.
	PixmapRefs(w WindowID) (width, height, byteOffset uint32, refs []uint32, err error)

	CreateEmbedder(geom Geometry) (WindowID, error)
	Reparent(child, parent WindowID, x, y int32) error
	DestroyWindow(w WindowID) error

	SelectionContents(ctx context.Context) ([]byte, error)
	SetSelection(data []byte) error

	ScreenGeometry() Geometry
	RootDepth() int
}

// ErrExecuteRejected is returned when the daemon side sends the legacy
// EXECUTE message; the agent refuses it unconditionally and tears down.
var ErrExecuteRejected = errors.New("agentloop: EXECUTE message rejected")

// ErrUnsupportedDepth is returned at startup for any root depth other
// than 24bpp rather than producing corrupt frames.
var ErrUnsupportedDepth = errors.New("agentloop: unsupported root depth, 24bpp required")

type guestWindow struct {
	id       WindowID
	geometry Geometry
	mapped   bool
	docked   bool
	embedder WindowID
}

type embedderWindow struct {
	id   WindowID
	icon WindowID
	geom Geometry
}

// Loop is the agent's event loop state: the windows and embedder lists
// plus the per-keycode bitmap used to reconcile key state with the host.
type Loop struct {
	Display GuestDisplay
	Out     io.Writer // ring transport toward the daemon

	windows   map[WindowID]*guestWindow
	embedders map[WindowID]*embedderWindow

	// keymap tracks which keycodes the guest currently believes are down,
	// maintained from the injections this loop itself performs.
	keymap [32]byte
}

// New returns a Loop observing display and publishing to out. It fails if
// the display's root depth is unsupported.
func New(display GuestDisplay, out io.Writer) (*Loop, error) {
	if depth := display.RootDepth(); depth != 24 {
		return nil, fmt.Errorf("%w (got %d)", ErrUnsupportedDepth, depth)
	}
	return &Loop{
		Display:   display,
		Out:       out,
		windows:   make(map[WindowID]*guestWindow),
		embedders: make(map[WindowID]*embedderWindow),
	}, nil
}

func (l *Loop) send(t protocol.MsgType, window WindowID, body protocol.Body) error {
	if err := protocol.WriteMessage(l.Out, t, uint32(window), body); err != nil {
		return fmt.Errorf("agentloop: write %s: %w", t, err)
	}
	return nil
}

// Event is one guest display-server event.
type Event interface{ isEvent() }

type CreateEvent struct {
	Window           WindowID
	Geom             Geometry
	Parent           WindowID
	OverrideRedirect bool
}

type DestroyEvent struct{ Window WindowID }

type MapEvent struct {
	Window           WindowID
	TransientFor     WindowID
	OverrideRedirect bool
}

type UnmapEvent struct{ Window WindowID }

type ConfigureEvent struct {
	Window           WindowID
	Geom             Geometry
	OverrideRedirect bool
}

// TitleEvent is a WM_NAME property change; Raw is forwarded untrusted and
// sanitized host-side.
type TitleEvent struct {
	Window WindowID
	Raw    []byte
}

// HintsEvent is a WM_NORMAL_HINTS property change.
type HintsEvent struct {
	Window                 WindowID
	Flags                  uint32
	MinW, MinH, MaxW, MaxH uint32
}

// XEmbedInfoEvent is an _XEMBED_INFO property change on a docked icon;
// Mapped mirrors the XEMBED mapped flag.
type XEmbedInfoEvent struct {
	Window WindowID
	Mapped bool
}

// DockRequestEvent is a SYSTEM_TRAY_REQUEST_DOCK client message.
type DockRequestEvent struct {
	Icon WindowID
	Geom Geometry
}

// FlagsEvent is a _NET_WM_STATE client message translated into the wire
// flag bitmasks.
type FlagsEvent struct {
	Window     WindowID
	Set, Unset uint32
}

type DamageEvent struct {
	Window WindowID
	Rect   Geometry
}

func (CreateEvent) isEvent()     {}
func (DestroyEvent) isEvent()    {}
func (MapEvent) isEvent()        {}
func (UnmapEvent) isEvent()      {}
func (ConfigureEvent) isEvent()  {}
func (TitleEvent) isEvent()      {}
func (HintsEvent) isEvent()      {}
func (XEmbedInfoEvent) isEvent() {}
func (DockRequestEvent) isEvent() {}
func (FlagsEvent) isEvent()      {}
func (DamageEvent) isEvent()     {}

// HandleDisplayEvent processes one guest display-server event, publishing
// whatever the daemon needs to know.
func (l *Loop) HandleDisplayEvent(ev Event) error {
	switch e := ev.(type) {
	case CreateEvent:
		return l.handleCreate(e)
	case DestroyEvent:
		return l.handleDestroy(e)
	case MapEvent:
		return l.handleMap(e)
	case UnmapEvent:
		return l.handleUnmap(e)
	case ConfigureEvent:
		return l.handleConfigure(e)
	case TitleEvent:
		if _, ok := l.windows[e.Window]; !ok {
			return nil
		}
		// The title body is a fixed-width buffer on the wire.
		raw := make([]byte, protocol.MaxWMNameLen)
		copy(raw, e.Raw)
		return l.send(protocol.MsgWMName, e.Window, protocol.WMNameBody{Raw: raw})
	case HintsEvent:
		if _, ok := l.windows[e.Window]; !ok {
			return nil
		}
		return l.send(protocol.MsgWindowHints, e.Window, protocol.WindowHintsBody{
			Flags: e.Flags, MinW: e.MinW, MinH: e.MinH, MaxW: e.MaxW, MaxH: e.MaxH,
		})
	case XEmbedInfoEvent:
		return l.handleXEmbedInfo(e)
	case DockRequestEvent:
		return l.handleDockRequest(e)
	case FlagsEvent:
		if _, ok := l.windows[e.Window]; !ok {
			return nil
		}
		return l.send(protocol.MsgWindowFlags, e.Window, protocol.WindowFlagsBody{Set: e.Set, Unset: e.Unset})
	case DamageEvent:
		if _, ok := l.windows[e.Window]; !ok {
			return nil
		}
		return l.send(protocol.MsgShmImage, e.Window, protocol.ShmImageBody{
			X: e.Rect.X, Y: e.Rect.Y, W: e.Rect.W, H: e.Rect.H,
		})
	default:
		slog.Debug("unhandled display event", "type", fmt.Sprintf("%T", ev))
		return nil
	}
}

func (l *Loop) handleCreate(e CreateEvent) error {
	if _, ok := l.windows[e.Window]; ok {
		return nil
	}
	if _, ok := l.embedders[e.Window]; ok {
		// Our own embedder windows are never mirrored.
		return nil
	}
	if err := l.Display.SubscribeDamage(e.Window); err != nil {
		slog.Debug("damage subscription failed", "window", e.Window, "error", err)
	}
	if err := l.Display.SubscribeProperties(e.Window); err != nil {
		slog.Debug("property subscription failed", "window", e.Window, "error", err)
	}
	l.windows[e.Window] = &guestWindow{id: e.Window, geometry: e.Geom}
	return l.send(protocol.MsgCreate, e.Window, protocol.CreateBody{
		X: e.Geom.X, Y: e.Geom.Y, W: e.Geom.W, H: e.Geom.H,
		Parent: uint32(e.Parent), OverrideRedirect: e.OverrideRedirect,
	})
}

func (l *Loop) handleDestroy(e DestroyEvent) error {
	if emb, ok := l.embedders[e.Window]; ok {
		delete(l.embedders, e.Window)
		if win, ok := l.windows[emb.icon]; ok {
			win.docked = false
			win.embedder = 0
		}
		return nil
	}
	if _, ok := l.windows[e.Window]; !ok {
		return nil
	}
	delete(l.windows, e.Window)
	return l.send(protocol.MsgDestroy, e.Window, protocol.DestroyBody{})
}

func (l *Loop) handleMap(e MapEvent) error {
	win, ok := l.windows[e.Window]
	if !ok {
		return nil
	}
	win.mapped = true
	if err := l.send(protocol.MsgMap, e.Window, protocol.MapBody{
		TransientFor: uint32(e.TransientFor), OverrideRedirect: e.OverrideRedirect,
	}); err != nil {
		return err
	}
	return l.publishFrame(win)
}

// publishFrame hands the window's current pixmap pages to the daemon.
func (l *Loop) publishFrame(win *guestWindow) error {
	width, height, offset, refs, err := l.Display.PixmapRefs(win.id)
	if err != nil {
		slog.Warn("pixmap refs unavailable", "window", win.id, "error", err)
		return nil
	}
	return l.send(protocol.MsgMFNDump, win.id, protocol.MFNDumpBody{
		NumPages: uint32(len(refs)), ByteOffset: offset,
		Width: width, Height: height, Refs: refs,
	})
}

func (l *Loop) handleUnmap(e UnmapEvent) error {
	win, ok := l.windows[e.Window]
	if !ok {
		return nil
	}
	win.mapped = false
	return l.send(protocol.MsgUnmap, e.Window, protocol.UnmapBody{})
}

func (l *Loop) handleConfigure(e ConfigureEvent) error {
	win, ok := l.windows[e.Window]
	if !ok {
		return nil
	}
	if win.docked {
		// Docked icons always fill their embedder.
		emb, ok := l.embedders[win.embedder]
		if !ok {
			return nil
		}
		return l.Display.MoveResize(win.id, Geometry{W: emb.geom.W, H: emb.geom.H})
	}
	win.geometry = e.Geom
	return l.send(protocol.MsgConfigure, e.Window, protocol.ConfigureBody{
		X: e.Geom.X, Y: e.Geom.Y, W: e.Geom.W, H: e.Geom.H,
		OverrideRedirect: e.OverrideRedirect,
	})
}

func (l *Loop) handleXEmbedInfo(e XEmbedInfoEvent) error {
	win, ok := l.windows[e.Window]
	if !ok || !win.docked {
		return nil
	}
	if e.Mapped {
		return l.send(protocol.MsgMap, e.Window, protocol.MapBody{})
	}
	return l.send(protocol.MsgUnmap, e.Window, protocol.UnmapBody{})
}

// handleDockRequest adopts a tray icon: create a local embedder window,
// reparent the icon into it, and tell the daemon it docked.
func (l *Loop) handleDockRequest(e DockRequestEvent) error {
	embID, err := l.Display.CreateEmbedder(e.Geom)
	if err != nil {
		return fmt.Errorf("agentloop: create embedder: %w", err)
	}
	if err := l.Display.Reparent(e.Icon, embID, 0, 0); err != nil {
		return fmt.Errorf("agentloop: reparent icon: %w", err)
	}
	l.embedders[embID] = &embedderWindow{id: embID, icon: e.Icon, geom: e.Geom}

	win, ok := l.windows[e.Icon]
	if !ok {
		win = &guestWindow{id: e.Icon, geometry: e.Geom}
		l.windows[e.Icon] = win
		if err := l.send(protocol.MsgCreate, e.Icon, protocol.CreateBody{
			W: e.Geom.W, H: e.Geom.H, OverrideRedirect: false,
		}); err != nil {
			return err
		}
	}
	win.docked = true
	win.embedder = embID
	return l.send(protocol.MsgDock, e.Icon, protocol.DockBody{})
}

// HandleDaemonMessage injects one message received from the host daemon
// into the guest display server.
func (l *Loop) HandleDaemonMessage(ctx context.Context, msg protocol.Message) error {
	window := WindowID(msg.Header.Window)

	switch body := msg.Body.(type) {
	case protocol.KeyPressBody:
		pressed := body.Type == protocol.KeyPress
		l.trackKey(body.Keycode, pressed)
		return l.Display.InjectKey(window, pressed, body.Keycode, body.State)
	case protocol.ButtonBody:
		return l.Display.InjectButton(window, body.Type == protocol.KeyPress, body.Button, body.State, body.X, body.Y)
	case protocol.MotionBody:
		return l.Display.InjectMotion(window, body.X, body.Y)
	case protocol.CrossingBody:
		return l.Display.InjectCrossing(window, body.Type == protocol.CrossingEnter, body.X, body.Y)
	case protocol.FocusBody:
		return l.Display.SetFocus(window, body.Type == protocol.FocusIn)
	case protocol.KeymapNotifyBody:
		return l.syncKeymap(window, body.Bitmap)
	case protocol.ConfigureBody:
		return l.handleDaemonConfigure(window, body)
	case protocol.MapBody:
		return l.Display.MapWindow(window)
	case protocol.WindowFlagsBody:
		return l.Display.SetNetWMState(window, body.Set, body.Unset)
	case protocol.ClipboardReqBody:
		return l.serveClipboard(ctx, window)
	case protocol.ClipboardDataBody:
		return l.Display.SetSelection(body.Data)
	case protocol.CloseBody:
		return l.Display.SendClose(window)
	case protocol.XConfBody:
		if body.Depth != 24 {
			return fmt.Errorf("%w (daemon announced %d)", ErrUnsupportedDepth, body.Depth)
		}
		return nil
	case protocol.ExecuteBody:
		return ErrExecuteRejected
	default:
		slog.Warn("unhandled daemon message drained", "type", msg.Header.Type)
		return nil
	}
}

// handleDaemonConfigure applies the daemon's geometry request and echoes a
// CONFIGURE ack so the daemon's state machine settles.
func (l *Loop) handleDaemonConfigure(window WindowID, body protocol.ConfigureBody) error {
	geom := Geometry{X: body.X, Y: body.Y, W: body.W, H: body.H}
	if win, ok := l.windows[window]; ok {
		win.geometry = geom
	}
	if err := l.Display.MoveResize(window, geom); err != nil {
		slog.Debug("move-resize failed", "window", window, "error", err)
	}
	return l.send(protocol.MsgConfigure, window, body)
}

// serveClipboard answers a daemon CLIPBOARD_REQ with the guest's current
// selection, truncated to the slot ceiling.
func (l *Loop) serveClipboard(ctx context.Context, window WindowID) error {
	data, err := l.Display.SelectionContents(ctx)
	if err != nil {
		slog.Warn("selection fetch failed", "error", err)
		data = nil
	}
	if len(data) > protocol.MaxClipboardSize {
		data = data[:protocol.MaxClipboardSize]
	}
	return l.send(protocol.MsgClipboardData, window, protocol.ClipboardDataBody{Data: data})
}

func (l *Loop) trackKey(keycode uint32, pressed bool) {
	idx := (keycode / 8) % uint32(len(l.keymap))
	bit := byte(1) << (keycode % 8)
	if pressed {
		l.keymap[idx] |= bit
	} else {
		l.keymap[idx] &^= bit
	}
}

func (l *Loop) keyDown(keycode uint32) bool {
	idx := (keycode / 8) % uint32(len(l.keymap))
	return l.keymap[idx]&(byte(1)<<(keycode%8)) != 0
}

// syncKeymap reconciles guest key state with the host's bitmap delivered
// on focus transitions: any key the guest believes is held but the host no
// longer does gets a synthesized release, so focus changes never leave a
// key stuck down in the guest.
func (l *Loop) syncKeymap(window WindowID, host [32]byte) error {
	for keycode := uint32(8); keycode < 256; keycode++ {
		idx := keycode / 8
		bit := byte(1) << (keycode % 8)
		if l.keymap[idx]&bit != 0 && host[idx]&bit == 0 {
			if err := l.Display.InjectKey(window, false, keycode, 0); err != nil {
				return err
			}
			l.keymap[idx] &^= bit
		}
	}
	return nil
}

// WindowCount reports the number of tracked (non-embedder) windows.
func (l *Loop) WindowCount() int { return len(l.windows) }
