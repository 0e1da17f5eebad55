// Package display holds the daemon's retained model of the host window
// tree: every mirror window the daemon creates, with its geometry, WM
// properties and stacking. The actual display-server driver renders from
// this model through the preload-shim attach path; in invisible mode the
// daemon event loop makes no calls into it, so no mirror windows are
// modeled or rendered. It implements the display
// seam the daemon event loop drives.
package display

import (
	"fmt"
	"sync"

	"github.com/openqube/guid/internal/daemonloop"
	"github.com/openqube/guid/internal/frameimport"
	"github.com/openqube/guid/internal/registry"
	"github.com/openqube/guid/internal/trayicon"
)

// Window is one mirror window's retained state.
type Window struct {
	ID       registry.LocalID
	Parent   registry.LocalID
	Geometry registry.Geometry

	OverrideRedirect bool
	Mapped           bool
	Docked           bool

	WMName  string
	WMClass [2]string
	Hints   registry.SizeHints
	Props   map[string]registry.ExtraProperty
	Cursor  uint32

	WMState uint32

	TrayMode  trayicon.Mode
	TrayOpts  trayicon.TintOptions
	TrayColor trayicon.VMColor
}

// Mirror is the in-process window-tree model. It also carries the event
// channel through which the window manager's reactions (configure, state
// acks, input routed to a mirror window) reach the daemon loop.
type Mirror struct {
	mu      sync.Mutex
	root    registry.Geometry
	nextID  registry.LocalID
	windows map[registry.LocalID]*Window
	// stacking holds bottom-to-top order of top-level windows.
	stacking []registry.LocalID

	events chan daemonloop.HostEvent
}

// NewMirror returns a model rooted at the given screen geometry.
func NewMirror(root registry.Geometry) *Mirror {
	return &Mirror{
		root:    root,
		nextID:  0x400000, // above the range display servers reserve for themselves
		windows: make(map[registry.LocalID]*Window),
		events:  make(chan daemonloop.HostEvent, 64),
	}
}

// Events exposes the host-event stream for the main loop's select.
func (m *Mirror) Events() <-chan daemonloop.HostEvent { return m.events }

// Fd reports that this source is channel-only.
func (m *Mirror) Fd() (int, bool) { return 0, false }

// Close shuts the event stream down.
func (m *Mirror) Close() error {
	close(m.events)
	return nil
}

// Inject queues a host event, used by the display driver delivering real
// server events and by tests.
func (m *Mirror) Inject(ev daemonloop.HostEvent) {
	m.events <- ev
}

func (m *Mirror) get(local registry.LocalID) (*Window, error) {
	w, ok := m.windows[local]
	if !ok {
		return nil, fmt.Errorf("display: unknown window %d", local)
	}
	return w, nil
}

func (m *Mirror) CreateChild(parent registry.LocalID, geom registry.Geometry, overrideRedirect bool) (registry.LocalID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	w := &Window{
		ID:               m.nextID,
		Parent:           parent,
		Geometry:         geom,
		OverrideRedirect: overrideRedirect,
		Props:            make(map[string]registry.ExtraProperty),
	}
	m.windows[w.ID] = w
	m.stacking = append(m.stacking, w.ID)
	return w.ID, nil
}

func (m *Mirror) Destroy(local registry.LocalID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.windows[local]; !ok {
		return fmt.Errorf("display: destroy of unknown window %d", local)
	}
	delete(m.windows, local)
	for i, id := range m.stacking {
		if id == local {
			m.stacking = append(m.stacking[:i], m.stacking[i+1:]...)
			break
		}
	}
	return nil
}

func (m *Mirror) Map(local registry.LocalID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return err
	}
	w.Mapped = true
	return nil
}

func (m *Mirror) Unmap(local registry.LocalID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return err
	}
	w.Mapped = false
	return nil
}

func (m *Mirror) ConfigureWindow(local registry.LocalID, geom registry.Geometry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return err
	}
	w.Geometry = geom
	return nil
}

func (m *Mirror) SetWMName(local registry.LocalID, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return err
	}
	w.WMName = name
	return nil
}

func (m *Mirror) SetWMClass(local registry.LocalID, class [2]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return err
	}
	w.WMClass = class
	return nil
}

func (m *Mirror) SetProperty(local registry.LocalID, prop registry.ExtraProperty) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return err
	}
	w.Props[prop.Name] = prop
	return nil
}

func (m *Mirror) SetCursor(local registry.LocalID, cursorID uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return err
	}
	w.Cursor = cursorID
	return nil
}

func (m *Mirror) PaintDamage(local registry.LocalID, rect registry.Geometry, frame *frameimport.Frame) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, err := m.get(local)
	return err
}

func (m *Mirror) SetSizeHints(local registry.LocalID, hints registry.SizeHints) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return err
	}
	w.Hints = hints
	return nil
}

func (m *Mirror) UpdateWMState(local registry.LocalID, set, unset uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return err
	}
	w.WMState = (w.WMState | set) &^ unset
	return nil
}

func (m *Mirror) DockIntoTray(local registry.LocalID, mode trayicon.Mode, opts trayicon.TintOptions, color trayicon.VMColor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return err
	}
	w.Docked = true
	w.TrayMode = mode
	w.TrayOpts = opts
	w.TrayColor = color
	return nil
}

func (m *Mirror) TranslateToParent(local registry.LocalID, geom registry.Geometry) (registry.Geometry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return registry.Geometry{}, err
	}
	if parent, ok := m.windows[w.Parent]; ok {
		geom.X -= parent.Geometry.X
		geom.Y -= parent.Geometry.Y
	}
	return geom, nil
}

func (m *Mirror) RootGeometry() registry.Geometry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root
}

// SetRootGeometry updates the model after a host screen reconfiguration.
func (m *Mirror) SetRootGeometry(root registry.Geometry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.root = root
}

func (m *Mirror) Siblings(local registry.LocalID) ([]registry.LocalID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(local); err != nil {
		return nil, err
	}
	return append([]registry.LocalID(nil), m.stacking...), nil
}

func (m *Mirror) StackAbove(local, sibling registry.LocalID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.get(local); err != nil {
		return err
	}
	out := make([]registry.LocalID, 0, len(m.stacking))
	for _, id := range m.stacking {
		if id == local {
			continue
		}
		out = append(out, id)
		if id == sibling {
			out = append(out, local)
		}
	}
	m.stacking = out
	return nil
}

func (m *Mirror) WindowClass(local registry.LocalID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, err := m.get(local)
	if err != nil {
		return "", err
	}
	return w.WMClass[0], nil
}

// Lookup returns the retained state of one window, for the driver and
// for tests.
func (m *Mirror) Lookup(local registry.LocalID) (*Window, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.windows[local]
	return w, ok
}
