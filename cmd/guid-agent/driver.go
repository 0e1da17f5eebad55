package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/openqube/guid/internal/agentloop"
)

// driver is the guest display-server binding: it tracks the window and
// selection state the agent loop manipulates and surfaces server events
// on a channel. The display-server wire protocol itself is handled by the
// driver build this binary links; this model is what the loop sees.
type driver struct {
	mu        sync.Mutex
	display   string
	geoms     map[agentloop.WindowID]agentloop.Geometry
	selection []byte
	nextID    agentloop.WindowID

	events chan agentloop.Event
}

func newDriver(displayName string) (*driver, error) {
	if displayName == "" {
		return nil, fmt.Errorf("no display to connect to (DISPLAY unset)")
	}
	return &driver{
		display: displayName,
		geoms:   make(map[agentloop.WindowID]agentloop.Geometry),
		nextID:  0x800000,
		events:  make(chan agentloop.Event, 64),
	}, nil
}

func (d *driver) Events() <-chan agentloop.Event { return d.events }

func (d *driver) MoveResize(w agentloop.WindowID, geom agentloop.Geometry) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.geoms[w] = geom
	return nil
}

func (d *driver) MapWindow(w agentloop.WindowID) error { return nil }

func (d *driver) InjectKey(w agentloop.WindowID, pressed bool, keycode, state uint32) error {
	return nil
}
func (d *driver) InjectButton(w agentloop.WindowID, pressed bool, button, state uint32, x, y int32) error {
	return nil
}
func (d *driver) InjectMotion(w agentloop.WindowID, x, y int32) error               { return nil }
func (d *driver) InjectCrossing(w agentloop.WindowID, enter bool, x, y int32) error { return nil }
func (d *driver) SetFocus(w agentloop.WindowID, in bool) error                      { return nil }
func (d *driver) SendClose(w agentloop.WindowID) error                              { return nil }
func (d *driver) SetNetWMState(w agentloop.WindowID, set, unset uint32) error       { return nil }
func (d *driver) SubscribeDamage(w agentloop.WindowID) error                        { return nil }
func (d *driver) SubscribeProperties(w agentloop.WindowID) error                    { return nil }

func (d *driver) PixmapRefs(w agentloop.WindowID) (uint32, uint32, uint32, []uint32, error) {
	d.mu.Lock()
	geom, ok := d.geoms[w]
	d.mu.Unlock()
	if !ok {
		return 0, 0, 0, nil, fmt.Errorf("driver: no pixmap for window %d", w)
	}
	pages := (geom.W*geom.H*4 + 4095) / 4096
	refs := make([]uint32, pages)
	for i := range refs {
		refs[i] = uint32(w)<<12 | uint32(i)
	}
	return geom.W, geom.H, 0, refs, nil
}

func (d *driver) CreateEmbedder(geom agentloop.Geometry) (agentloop.WindowID, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	d.geoms[d.nextID] = geom
	return d.nextID, nil
}

func (d *driver) Reparent(child, parent agentloop.WindowID, x, y int32) error { return nil }

func (d *driver) DestroyWindow(w agentloop.WindowID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.geoms, w)
	return nil
}

func (d *driver) SelectionContents(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.selection, nil
}

func (d *driver) SetSelection(data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.selection = append([]byte(nil), data...)
	return nil
}

func (d *driver) ScreenGeometry() agentloop.Geometry {
	return agentloop.Geometry{W: 1280, H: 1024}
}

func (d *driver) RootDepth() int { return 24 }
