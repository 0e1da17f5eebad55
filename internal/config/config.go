// Package config implements the daemon/agent configuration layer: a YAML
// file loaded over built-in defaults, with command-line flags layered on
// top.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/openqube/guid/internal/registry"
)

// OverrideRedirectPolicy selects the `--override-redirect` behavior.
type OverrideRedirectPolicy string

const (
	OverrideRedirectAllow    OverrideRedirectPolicy = "allow"
	OverrideRedirectDisabled OverrideRedirectPolicy = "disabled"
)

// MaxScreensaverNames caps the screensaver class list.
const MaxScreensaverNames = 10

var vmNamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

// Config is the daemon's (and, for the subset that applies, the agent's)
// runtime configuration: a YAML file overlaid by CLI flags.
type Config struct {
	DomID       uint32 `yaml:"dom_id,omitempty"`
	VMName      string `yaml:"vm_name,omitempty"`
	TargetDomID uint32 `yaml:"target_dom_id,omitempty"`

	FrameColor string `yaml:"frame_color,omitempty"`
	LabelIndex int    `yaml:"label_index,omitempty"`
	Icon       string `yaml:"icon,omitempty"`

	Verbosity string `yaml:"verbosity,omitempty"` // "debug" | "info" | "warn"

	Background          bool `yaml:"background,omitempty"`
	Foreground          bool `yaml:"foreground,omitempty"`
	Invisible           bool `yaml:"invisible,omitempty"`
	OutOfBandClipboard  bool `yaml:"out_of_band_clipboard,omitempty"`
	TitlePrefix         bool `yaml:"title_prefix,omitempty"`

	// NotifyPID is CLI-only (`-K <pid>`), never persisted to YAML.
	NotifyPID int `yaml:"-"`

	ExtraProperties ExtraPropertyList `yaml:"extra_properties,omitempty"`

	TrayIconMode string `yaml:"trayicon_mode,omitempty"`

	ScreensaverNames []string `yaml:"screensaver_names,omitempty"`

	OverrideRedirectPolicy OverrideRedirectPolicy `yaml:"override_redirect_policy,omitempty"`

	// MaxOverrideRedirectPercent is the screen-coverage threshold above
	// which override-redirect is stripped (default 90).
	MaxOverrideRedirectPercent int `yaml:"max_override_redirect_percent,omitempty"`

	// AllowUTF8Titles permits multi-byte UTF-8 scalars in WMNAME/WMCLASS
	// payloads; when false every byte outside printable ASCII becomes '_'.
	AllowUTF8Titles bool `yaml:"allow_utf8_titles,omitempty"`

	// SecureCopySequence/SecurePasteSequence are the clipboard accelerator
	// keys, parsed once at daemon start into (mod_mask, keysym) pairs.
	SecureCopySequence  string `yaml:"secure_copy_sequence,omitempty"`
	SecurePasteSequence string `yaml:"secure_paste_sequence,omitempty"`

	// StartupTimeoutSeconds bounds the initial agent attach (default 45).
	// It applies only before the version handshake completes.
	StartupTimeoutSeconds int `yaml:"startup_timeout,omitempty"`

	// ClipboardDir holds the qubes-clipboard.bin file trio.
	ClipboardDir string `yaml:"clipboard_dir,omitempty"`

	// AllowFullscreenFlag selects the fullscreen pseudo-ack
	// behavior: when false, a guest's FULLSCREEN flag request is rewritten
	// to MAXIMIZED_VERT|MAXIMIZED_HORZ rather than forwarded as-is. This
	// is independent of OverrideRedirectPolicy, which governs whether any
	// override-redirect window is permitted at all.
	AllowFullscreenFlag bool `yaml:"allow_fullscreen,omitempty"`

	LogDir string `yaml:"log_dir,omitempty"`
}

// ExtraPropertyList holds registry.ExtraProperty values in a YAML/CLI-friendly
// shape: one "name=type:value" string per `-p` flag.
type ExtraPropertyList []registry.ExtraProperty

// UnmarshalYAML accepts a sequence of "name=type:value" scalar strings.
func (l *ExtraPropertyList) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.SequenceNode {
		return fmt.Errorf("config: extra_properties must be a YAML sequence")
	}
	var out ExtraPropertyList
	for _, item := range value.Content {
		if item.Kind != yaml.ScalarNode {
			return fmt.Errorf("config: extra_properties entries must be scalar strings")
		}
		prop, err := ParseExtraProperty(item.Value)
		if err != nil {
			return err
		}
		out = append(out, prop)
	}
	*l = out
	return nil
}

// MarshalYAML serializes back to "name=type:value" strings.
func (l ExtraPropertyList) MarshalYAML() (any, error) {
	out := make([]string, len(l))
	for i, p := range l {
		out[i] = formatExtraProperty(p)
	}
	return out, nil
}

// ParseExtraProperty parses one `-p name=type:value` token:
// types are s (string), a (atom), c (cardinal list).
func ParseExtraProperty(s string) (registry.ExtraProperty, error) {
	nameRest := strings.SplitN(s, "=", 2)
	if len(nameRest) != 2 {
		return registry.ExtraProperty{}, fmt.Errorf("config: malformed -p value %q, want name=type:value", s)
	}
	typeValue := strings.SplitN(nameRest[1], ":", 2)
	if len(typeValue) != 2 {
		return registry.ExtraProperty{}, fmt.Errorf("config: malformed -p value %q, want name=type:value", s)
	}

	var kind registry.PropKind
	switch typeValue[0] {
	case "s":
		kind = registry.PropString
	case "a":
		kind = registry.PropAtom
	case "c":
		kind = registry.PropCardinalList
	default:
		return registry.ExtraProperty{}, fmt.Errorf("config: unknown -p type %q, want s/a/c", typeValue[0])
	}

	return registry.ExtraProperty{Name: nameRest[0], Kind: kind, Value: typeValue[1]}, nil
}

func formatExtraProperty(p registry.ExtraProperty) string {
	kindLetter := "s"
	switch p.Kind {
	case registry.PropAtom:
		kindLetter = "a"
	case registry.PropCardinalList:
		kindLetter = "c"
	}
	return fmt.Sprintf("%s=%s:%s", p.Name, kindLetter, p.Value)
}

// Default returns the zero-value config overlaid with the documented
// defaults.
func Default() *Config {
	return &Config{
		Verbosity:                  "info",
		MaxOverrideRedirectPercent: 90,
		OverrideRedirectPolicy:     OverrideRedirectAllow,
		SecureCopySequence:         "Ctrl-Shift-c",
		SecurePasteSequence:        "Ctrl-Shift-v",
		StartupTimeoutSeconds:      45,
		ClipboardDir:               "/var/run/qubes",
		LogDir:                     "/var/log/qubes",
	}
}

// Load reads a YAML config file at path (if it exists — a missing file is
// not an error) over Default().
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate enforces the CLI surface's structural constraints, regardless of whether a given field came from YAML or a
// flag.
func (c *Config) Validate() error {
	if c.DomID == 0 {
		return fmt.Errorf("config: dom_id is required and must be > 0")
	}
	if c.VMName == "" || !vmNamePattern.MatchString(c.VMName) || len(c.VMName) > 31 {
		return fmt.Errorf("config: vm_name %q must match [A-Za-z][A-Za-z0-9_-]* and be <= 31 chars", c.VMName)
	}
	if c.TargetDomID == 0 {
		c.TargetDomID = c.DomID
	}
	if len(c.ScreensaverNames) > MaxScreensaverNames {
		return fmt.Errorf("config: at most %d --screensaver-name entries are allowed, got %d", MaxScreensaverNames, len(c.ScreensaverNames))
	}
	switch c.OverrideRedirectPolicy {
	case OverrideRedirectAllow, OverrideRedirectDisabled:
	default:
		return fmt.Errorf("config: override_redirect_policy must be allow or disabled, got %q", c.OverrideRedirectPolicy)
	}
	if c.MaxOverrideRedirectPercent <= 0 || c.MaxOverrideRedirectPercent > 100 {
		return fmt.Errorf("config: max_override_redirect_percent must be in (0,100], got %d", c.MaxOverrideRedirectPercent)
	}
	return nil
}

// AllowFullscreen reports whether the host WM is allowed to show a real
// fullscreen window, the input to the pseudo-ack rewrite.
func (c *Config) AllowFullscreen() bool {
	return c.AllowFullscreenFlag
}
