package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/openqube/guid/internal/registry"
)

func TestParseExtraPropertyTypes(t *testing.T) {
	cases := []struct {
		in   string
		kind registry.PropKind
		name string
		val  string
	}{
		{"_QUBES_LABEL=s:red", registry.PropString, "_QUBES_LABEL", "red"},
		{"WM_WINDOW_TYPE=a:_NET_WM_WINDOW_TYPE_NORMAL", registry.PropAtom, "WM_WINDOW_TYPE", "_NET_WM_WINDOW_TYPE_NORMAL"},
		{"_NET_WM_PID=c:1234", registry.PropCardinalList, "_NET_WM_PID", "1234"},
	}
	for _, c := range cases {
		prop, err := ParseExtraProperty(c.in)
		if err != nil {
			t.Fatalf("ParseExtraProperty(%q): %v", c.in, err)
		}
		if prop.Kind != c.kind || prop.Name != c.name || prop.Value != c.val {
			t.Errorf("ParseExtraProperty(%q) = %+v, want {%v %v %v}", c.in, prop, c.kind, c.name, c.val)
		}
	}
}

func TestParseExtraPropertyRejectsMalformed(t *testing.T) {
	for _, in := range []string{"noequals", "name=badtype:value", "name=s"} {
		if _, err := ParseExtraProperty(in); err == nil {
			t.Errorf("ParseExtraProperty(%q) should have failed", in)
		}
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxOverrideRedirectPercent != 90 {
		t.Errorf("MaxOverrideRedirectPercent = %d, want default 90", cfg.MaxOverrideRedirectPercent)
	}
}

func TestLoadParsesExtraPropertiesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "guid.yaml")
	content := "dom_id: 7\nvm_name: work\nextra_properties:\n  - _QUBES_LABEL=s:red\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.ExtraProperties) != 1 || cfg.ExtraProperties[0].Name != "_QUBES_LABEL" {
		t.Fatalf("ExtraProperties = %+v", cfg.ExtraProperties)
	}
}

func TestValidateRequiresDomIDAndVMName(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for missing dom_id/vm_name")
	}

	cfg.DomID = 3
	cfg.VMName = "work-vm_1"
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if cfg.TargetDomID != 3 {
		t.Errorf("TargetDomID defaults to DomID, got %d", cfg.TargetDomID)
	}
}

func TestValidateRejectsBadVMName(t *testing.T) {
	cfg := Default()
	cfg.DomID = 3
	cfg.VMName = "1bad-name"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for VM name starting with a digit")
	}
}

func TestValidateEnforcesScreensaverCap(t *testing.T) {
	cfg := Default()
	cfg.DomID = 3
	cfg.VMName = "work"
	for i := 0; i < MaxScreensaverNames+1; i++ {
		cfg.ScreensaverNames = append(cfg.ScreensaverNames, "xscreensaver")
	}
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for too many screensaver names")
	}
}
