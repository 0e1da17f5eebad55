package display

import (
	"testing"

	"github.com/openqube/guid/internal/registry"
)

func TestStackAbovePlacesWindowJustAboveSibling(t *testing.T) {
	m := NewMirror(registry.Geometry{W: 1920, H: 1080})

	a, _ := m.CreateChild(0, registry.Geometry{W: 10, H: 10}, false)
	b, _ := m.CreateChild(0, registry.Geometry{W: 10, H: 10}, false)
	c, _ := m.CreateChild(0, registry.Geometry{W: 10, H: 10}, true)

	if err := m.StackAbove(c, a); err != nil {
		t.Fatal(err)
	}
	sibs, err := m.Siblings(a)
	if err != nil {
		t.Fatal(err)
	}
	want := []registry.LocalID{a, c, b}
	for i, id := range want {
		if sibs[i] != id {
			t.Fatalf("stacking = %v, want %v", sibs, want)
		}
	}
}

func TestTranslateToParentSubtractsParentOrigin(t *testing.T) {
	m := NewMirror(registry.Geometry{W: 1920, H: 1080})

	parent, _ := m.CreateChild(0, registry.Geometry{X: 100, Y: 50, W: 400, H: 300}, false)
	child, _ := m.CreateChild(parent, registry.Geometry{X: 110, Y: 60, W: 50, H: 50}, false)

	got, err := m.TranslateToParent(child, registry.Geometry{X: 130, Y: 90, W: 50, H: 50})
	if err != nil {
		t.Fatal(err)
	}
	if got.X != 30 || got.Y != 40 {
		t.Errorf("translated to (%d,%d), want (30,40)", got.X, got.Y)
	}
}

func TestDestroyRemovesFromStacking(t *testing.T) {
	m := NewMirror(registry.Geometry{W: 100, H: 100})
	a, _ := m.CreateChild(0, registry.Geometry{W: 10, H: 10}, false)
	b, _ := m.CreateChild(0, registry.Geometry{W: 10, H: 10}, false)

	if err := m.Destroy(a); err != nil {
		t.Fatal(err)
	}
	if _, ok := m.Lookup(a); ok {
		t.Error("destroyed window still resolvable")
	}
	sibs, err := m.Siblings(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(sibs) != 1 || sibs[0] != b {
		t.Errorf("stacking = %v, want [%d]", sibs, b)
	}
}

func TestWMStateSetAndClear(t *testing.T) {
	m := NewMirror(registry.Geometry{W: 100, H: 100})
	w, _ := m.CreateChild(0, registry.Geometry{W: 10, H: 10}, false)

	m.UpdateWMState(w, 0b110, 0)
	m.UpdateWMState(w, 0, 0b010)

	rec, _ := m.Lookup(w)
	if rec.WMState != 0b100 {
		t.Errorf("WMState = %b, want 100", rec.WMState)
	}
}
