package daemonloop

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/openqube/guid/internal/clipboard"
	"github.com/openqube/guid/internal/config"
	"github.com/openqube/guid/internal/frameimport"
	"github.com/openqube/guid/internal/protocol"
	"github.com/openqube/guid/internal/registry"
	"github.com/openqube/guid/internal/sanitize"
	"github.com/openqube/guid/internal/trayicon"
)

type createCall struct {
	parent   registry.LocalID
	geom     registry.Geometry
	override bool
}

type fakeDisplay struct {
	root    registry.Geometry
	nextID  registry.LocalID
	created []createCall

	wmNames  map[registry.LocalID]string
	wmClass  map[registry.LocalID][2]string
	mapped   map[registry.LocalID]bool
	painted  int
	docked   []registry.LocalID
	stateSet uint32
	stateUns uint32
}

func newFakeDisplay() *fakeDisplay {
	return &fakeDisplay{
		root:    registry.Geometry{W: 1920, H: 1080},
		nextID:  1000,
		wmNames: make(map[registry.LocalID]string),
		wmClass: make(map[registry.LocalID][2]string),
		mapped:  make(map[registry.LocalID]bool),
	}
}

func (f *fakeDisplay) CreateChild(parent registry.LocalID, geom registry.Geometry, override bool) (registry.LocalID, error) {
	f.nextID++
	f.created = append(f.created, createCall{parent: parent, geom: geom, override: override})
	return f.nextID, nil
}
func (f *fakeDisplay) Destroy(local registry.LocalID) error { return nil }
func (f *fakeDisplay) Map(local registry.LocalID) error {
	f.mapped[local] = true
	return nil
}
func (f *fakeDisplay) Unmap(local registry.LocalID) error {
	f.mapped[local] = false
	return nil
}
func (f *fakeDisplay) ConfigureWindow(local registry.LocalID, geom registry.Geometry) error {
	return nil
}
func (f *fakeDisplay) SetWMName(local registry.LocalID, name string) error {
	f.wmNames[local] = name
	return nil
}
func (f *fakeDisplay) SetWMClass(local registry.LocalID, class [2]string) error {
	f.wmClass[local] = class
	return nil
}
func (f *fakeDisplay) SetProperty(local registry.LocalID, prop registry.ExtraProperty) error {
	return nil
}
func (f *fakeDisplay) SetCursor(local registry.LocalID, cursorID uint32) error { return nil }
func (f *fakeDisplay) PaintDamage(local registry.LocalID, rect registry.Geometry, frame *frameimport.Frame) error {
	f.painted++
	return nil
}
func (f *fakeDisplay) SetSizeHints(local registry.LocalID, hints registry.SizeHints) error {
	return nil
}
func (f *fakeDisplay) UpdateWMState(local registry.LocalID, set, unset uint32) error {
	f.stateSet |= set
	f.stateUns |= unset
	return nil
}
func (f *fakeDisplay) DockIntoTray(local registry.LocalID, mode trayicon.Mode, opts trayicon.TintOptions, color trayicon.VMColor) error {
	f.docked = append(f.docked, local)
	return nil
}
func (f *fakeDisplay) TranslateToParent(local registry.LocalID, geom registry.Geometry) (registry.Geometry, error) {
	return geom, nil
}
func (f *fakeDisplay) RootGeometry() registry.Geometry { return f.root }
func (f *fakeDisplay) Siblings(local registry.LocalID) ([]registry.LocalID, error) {
	return nil, nil
}
func (f *fakeDisplay) StackAbove(local, sibling registry.LocalID) error { return nil }
func (f *fakeDisplay) WindowClass(local registry.LocalID) (string, error) {
	return "", nil
}

type fakeImporter struct {
	calls int
	fail  bool
}

func (f *fakeImporter) Import(ctx context.Context, domID uint32, variant frameimport.Variant, width, height int, shmID uint32, offset uint32, refs []uint32) (*frameimport.Frame, error) {
	f.calls++
	if f.fail {
		return nil, &frameimport.ErrAttachFailed{Err: errors.New("attach refused")}
	}
	return &frameimport.Frame{Variant: variant, Width: width, Height: height, ShmID: shmID}, nil
}

type nopReleaser struct{}

func (nopReleaser) Release(ctx context.Context, f *frameimport.Frame) error { return nil }

type nopLock struct{}

func (nopLock) Lock(ctx context.Context) error { return nil }
func (nopLock) Unlock() error                  { return nil }

type memClipStore struct {
	data      []byte
	source    string
	timestamp uint32
	cleared   bool
}

func (s *memClipStore) Write(data []byte, source string, timestamp uint32) error {
	s.data = append([]byte(nil), data...)
	s.source = source
	s.timestamp = timestamp
	s.cleared = false
	return nil
}
func (s *memClipStore) Read() ([]byte, string, uint32, error) {
	return s.data, s.source, s.timestamp, nil
}
func (s *memClipStore) Clear() error {
	s.data = nil
	s.source = ""
	s.cleared = true
	return nil
}

type stubPrompter struct {
	decision sanitize.Decision
	prompts  int
}

func (p *stubPrompter) Prompt(ctx context.Context, vmName string, violation error) (sanitize.Decision, error) {
	p.prompts++
	return p.decision, nil
}

type countingNotifier struct{ count int }

func (n *countingNotifier) Notify(msg string) { n.count++ }

type stubOracle struct{ allow bool }

func (o stubOracle) Check(ctx context.Context, sourceVM, destVM string) (bool, error) {
	return o.allow, nil
}

type testEnv struct {
	d       *Daemon
	display *fakeDisplay
	out     *bytes.Buffer
	store   *memClipStore
	notify  *countingNotifier
	prompt  *stubPrompter
}

func newTestDaemon(t *testing.T) *testEnv {
	t.Helper()
	cfg := config.Default()
	cfg.DomID = 7
	cfg.VMName = "work"
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}

	env := &testEnv{
		display: newFakeDisplay(),
		out:     &bytes.Buffer{},
		store:   &memClipStore{},
		notify:  &countingNotifier{},
		prompt:  &stubPrompter{decision: sanitize.DecisionIgnore},
	}
	env.d = &Daemon{
		Config:      cfg,
		Registry:    registry.New(1),
		Display:     env.display,
		Notify:      env.notify,
		Frames:      frameimport.NewBindings(nopReleaser{}),
		FrameImport: &fakeImporter{},
		Clipboard:   clipboard.New(nopLock{}, env.store),
		Escalator:   sanitize.NewEscalator(),
		Prompter:    env.prompt,
		Out:         env.out,
		Oracle:      stubOracle{allow: true},
	}
	if err := env.d.Prepare(); err != nil {
		t.Fatal(err)
	}
	return env
}

func (e *testEnv) guest(t *testing.T, typ protocol.MsgType, window uint32, body protocol.Body) error {
	t.Helper()
	var buf bytes.Buffer
	if err := protocol.WriteMessage(&buf, typ, window, body); err != nil {
		t.Fatal(err)
	}
	msg, err := protocol.ReadMessage(&buf, true)
	if err != nil {
		t.Fatal(err)
	}
	return e.d.HandleGuestMessage(context.Background(), msg)
}

func (e *testEnv) drainOut(t *testing.T) []protocol.Message {
	t.Helper()
	var msgs []protocol.Message
	for e.out.Len() > 0 {
		msg, err := protocol.ReadMessage(e.out, true)
		if err != nil {
			t.Fatalf("decode outgoing message: %v", err)
		}
		msgs = append(msgs, msg)
	}
	return msgs
}

func TestSimpleMap(t *testing.T) {
	env := newTestDaemon(t)

	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{X: 100, Y: 100, W: 320, H: 200}); err != nil {
		t.Fatalf("CREATE: %v", err)
	}
	if err := env.guest(t, protocol.MsgMap, 1, protocol.MapBody{}); err != nil {
		t.Fatalf("MAP: %v", err)
	}

	if len(env.display.created) != 1 {
		t.Fatalf("created %d windows, want 1", len(env.display.created))
	}
	call := env.display.created[0]
	want := registry.Geometry{X: 100, Y: 100, W: 320, H: 200}
	if call.geom != want {
		t.Errorf("geometry = %+v, want %+v", call.geom, want)
	}

	rec, ok := env.d.Registry.LookupByRemote(1)
	if !ok {
		t.Fatal("window 1 not registered")
	}
	if env.display.wmClass[rec.LocalID] != [2]string{"work", "work"} {
		t.Errorf("WM_CLASS = %v, want (work, work)", env.display.wmClass[rec.LocalID])
	}
	if !env.display.mapped[rec.LocalID] {
		t.Error("local window not mapped")
	}

	if msgs := env.drainOut(t); len(msgs) != 0 {
		t.Errorf("daemon emitted %d unsolicited messages, want 0", len(msgs))
	}
}

func TestConfigureRoundTrip(t *testing.T) {
	env := newTestDaemon(t)

	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{X: 100, Y: 100, W: 320, H: 200}); err != nil {
		t.Fatal(err)
	}
	rec, _ := env.d.Registry.LookupByRemote(1)

	moved := registry.Geometry{X: 150, Y: 120, W: 320, H: 200}
	if err := env.d.HandleHostEvent(context.Background(), ConfigureNotifyEvent{
		Local: rec.LocalID, Geom: moved, Synthetic: true,
	}); err != nil {
		t.Fatal(err)
	}

	msgs := env.drainOut(t)
	if len(msgs) != 1 || msgs[0].Header.Type != protocol.MsgConfigure {
		t.Fatalf("emitted %v, want exactly one CONFIGURE", msgs)
	}
	if rec.ConfigureState != registry.ConfigureSent {
		t.Error("in-flight flag not set after emitting CONFIGURE")
	}

	ack := msgs[0].Body.(protocol.ConfigureBody)
	if err := env.guest(t, protocol.MsgConfigure, 1, ack); err != nil {
		t.Fatal(err)
	}
	if rec.ConfigureState != registry.ConfigureIdle {
		t.Error("in-flight flag not cleared by matching ack")
	}
	if rec.Geometry != moved {
		t.Errorf("geometry = %+v, want %+v", rec.Geometry, moved)
	}
	if msgs := env.drainOut(t); len(msgs) != 0 {
		t.Errorf("further CONFIGURE emitted after settled ack: %v", msgs)
	}
}

func TestOverrideRedirectCoveringScreenForcedOff(t *testing.T) {
	env := newTestDaemon(t)

	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{
		W: 1920, H: 1080, OverrideRedirect: true,
	}); err != nil {
		t.Fatal(err)
	}
	rec, _ := env.d.Registry.LookupByRemote(1)
	if rec.OverrideRedirect {
		t.Error("override_redirect survived a screen-covering CREATE")
	}
	if env.notify.count != 1 {
		t.Fatalf("notification shown %d times, want 1", env.notify.count)
	}

	if err := env.guest(t, protocol.MsgCreate, 2, protocol.CreateBody{
		W: 1920, H: 1080, OverrideRedirect: true,
	}); err != nil {
		t.Fatal(err)
	}
	if env.notify.count != 1 {
		t.Errorf("notification shown again on second violation, count = %d", env.notify.count)
	}
}

func TestSmallOverrideRedirectKept(t *testing.T) {
	env := newTestDaemon(t)
	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{
		W: 200, H: 100, OverrideRedirect: true,
	}); err != nil {
		t.Fatal(err)
	}
	rec, _ := env.d.Registry.LookupByRemote(1)
	if !rec.OverrideRedirect {
		t.Error("small override-redirect window lost its attribute")
	}
}

func TestFragmentedTitle(t *testing.T) {
	env := newTestDaemon(t)
	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{W: 10, H: 10}); err != nil {
		t.Fatal(err)
	}

	raw := make([]byte, protocol.MaxWMNameLen)
	copy(raw, []byte{'h', 0x01, 'i', 0x00, 0xff, 0xfe})
	if err := env.guest(t, protocol.MsgWMName, 1, protocol.WMNameBody{Raw: raw}); err != nil {
		t.Fatal(err)
	}

	rec, _ := env.d.Registry.LookupByRemote(1)
	if rec.WMName != "h_i" {
		t.Errorf("title = %q, want %q", rec.WMName, "h_i")
	}
}

func TestClipboardCopyThenDeniedPaste(t *testing.T) {
	env := newTestDaemon(t)
	env.d.Oracle = stubOracle{allow: false}

	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{W: 10, H: 10}); err != nil {
		t.Fatal(err)
	}
	rec, _ := env.d.Registry.LookupByRemote(1)

	// Copy accelerator: Ctrl-Shift-c.
	if err := env.d.HandleHostEvent(context.Background(), KeyEvent{
		Local: rec.LocalID, Pressed: true, Keysym: 'c', State: ModControl | ModShift, Timestamp: 5000,
	}); err != nil {
		t.Fatal(err)
	}
	msgs := env.drainOut(t)
	if len(msgs) != 1 || msgs[0].Header.Type != protocol.MsgClipboardReq {
		t.Fatalf("copy accelerator emitted %v, want one CLIPBOARD_REQ", msgs)
	}

	if err := env.guest(t, protocol.MsgClipboardData, 0, protocol.ClipboardDataBody{Data: []byte("HELLO")}); err != nil {
		t.Fatal(err)
	}
	if string(env.store.data) != "HELLO" || env.store.source != "work" {
		t.Fatalf("slot = (%q, %q), want (HELLO, work)", env.store.data, env.store.source)
	}

	// Paste keystroke; oracle denies.
	if err := env.d.HandleHostEvent(context.Background(), KeyEvent{
		Local: rec.LocalID, Pressed: true, Keysym: 'v', State: ModControl | ModShift, Timestamp: 6000,
	}); err != nil {
		t.Fatal(err)
	}
	if msgs := env.drainOut(t); len(msgs) != 0 {
		t.Errorf("denied paste emitted %v, want nothing", msgs)
	}
	if string(env.store.data) != "HELLO" {
		t.Errorf("slot mutated by denied paste: %q", env.store.data)
	}
}

func TestClipboardRoundTrip(t *testing.T) {
	env := newTestDaemon(t)

	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{W: 10, H: 10}); err != nil {
		t.Fatal(err)
	}
	rec, _ := env.d.Registry.LookupByRemote(1)

	if err := env.d.HandleHostEvent(context.Background(), KeyEvent{
		Local: rec.LocalID, Pressed: true, Keysym: 'c', State: ModControl | ModShift, Timestamp: 5000,
	}); err != nil {
		t.Fatal(err)
	}
	env.drainOut(t)
	if err := env.guest(t, protocol.MsgClipboardData, 0, protocol.ClipboardDataBody{Data: []byte("HELLO")}); err != nil {
		t.Fatal(err)
	}

	// Paste with a strictly later event timestamp.
	if err := env.d.HandleHostEvent(context.Background(), KeyEvent{
		Local: rec.LocalID, Pressed: true, Keysym: 'v', State: ModControl | ModShift, Timestamp: 6000,
	}); err != nil {
		t.Fatal(err)
	}
	msgs := env.drainOut(t)
	if len(msgs) != 1 || msgs[0].Header.Type != protocol.MsgClipboardData {
		t.Fatalf("paste emitted %v, want one CLIPBOARD_DATA", msgs)
	}
	if got := msgs[0].Body.(protocol.ClipboardDataBody).Data; string(got) != "HELLO" {
		t.Errorf("pasted %q, want HELLO", got)
	}
	if !env.store.cleared {
		t.Error("slot not cleared after successful paste")
	}
}

func TestMFNBoundRejectedBeforeRegistryMutation(t *testing.T) {
	env := newTestDaemon(t)
	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{W: 320, H: 200}); err != nil {
		t.Fatal(err)
	}

	msg := protocol.Message{
		Header: protocol.Header{Type: protocol.MsgMFNDump, Window: 1},
		Body: protocol.MFNDumpBody{
			NumPages: protocol.MaxMFNCount + 1,
			Width:    320, Height: 200,
		},
	}
	err := env.d.HandleGuestMessage(context.Background(), msg)
	var fatal *ErrFatal
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want ErrFatal", err)
	}
	if _, ok := env.d.Frames.Current(1); ok {
		t.Error("frame binding mutated by rejected MFNDUMP")
	}
}

func TestCreateDestroyLeavesNoResidue(t *testing.T) {
	env := newTestDaemon(t)
	before := env.d.Registry.Count()

	if err := env.guest(t, protocol.MsgCreate, 9, protocol.CreateBody{W: 50, H: 50}); err != nil {
		t.Fatal(err)
	}
	if err := env.guest(t, protocol.MsgMap, 9, protocol.MapBody{}); err != nil {
		t.Fatal(err)
	}
	if err := env.guest(t, protocol.MsgUnmap, 9, protocol.UnmapBody{}); err != nil {
		t.Fatal(err)
	}
	if err := env.guest(t, protocol.MsgDestroy, 9, protocol.DestroyBody{}); err != nil {
		t.Fatal(err)
	}

	if got := env.d.Registry.Count(); got != before {
		t.Errorf("registry count = %d after destroy, want %d", got, before)
	}
}

func TestUnknownWindowIsFatal(t *testing.T) {
	env := newTestDaemon(t)
	err := env.guest(t, protocol.MsgMap, 42, protocol.MapBody{})
	var fatal *ErrFatal
	if !errors.As(err, &fatal) {
		t.Fatalf("err = %v, want ErrFatal for unknown window", err)
	}
}

func TestFullscreenEmulation(t *testing.T) {
	env := newTestDaemon(t)
	env.d.Config.AllowFullscreenFlag = false

	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{W: 640, H: 480}); err != nil {
		t.Fatal(err)
	}
	rec, _ := env.d.Registry.LookupByRemote(1)

	if err := env.guest(t, protocol.MsgWindowFlags, 1, protocol.WindowFlagsBody{Set: protocol.FlagFullscreen}); err != nil {
		t.Fatal(err)
	}

	const bothMax = WMStateMaximizedVert | WMStateMaximizedHorz
	if env.display.stateSet&bothMax != bothMax {
		t.Error("host WM did not receive both maximize atoms")
	}
	if env.display.stateSet&WMStateFullscreen != 0 {
		t.Error("host WM saw a real fullscreen request despite policy")
	}

	// Host WM acks the maximize; guest must see a FULLSCREEN ack.
	if err := env.d.HandleHostEvent(context.Background(), WMStateEvent{
		Local: rec.LocalID, State: bothMax,
	}); err != nil {
		t.Fatal(err)
	}
	msgs := env.drainOut(t)
	if len(msgs) != 1 || msgs[0].Header.Type != protocol.MsgWindowFlags {
		t.Fatalf("emitted %v, want one WINDOW_FLAGS ack", msgs)
	}
	if body := msgs[0].Body.(protocol.WindowFlagsBody); body.Set != protocol.FlagFullscreen {
		t.Errorf("ack flags = %#x, want FULLSCREEN", body.Set)
	}
}

func TestFlagConflictPromptsOperator(t *testing.T) {
	env := newTestDaemon(t)
	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{W: 10, H: 10}); err != nil {
		t.Fatal(err)
	}

	err := env.guest(t, protocol.MsgWindowFlags, 1, protocol.WindowFlagsBody{
		Set: protocol.FlagFullscreen, Unset: protocol.FlagFullscreen,
	})
	if err != nil {
		t.Fatalf("Ignore decision should not error: %v", err)
	}
	if env.prompt.prompts != 1 {
		t.Errorf("operator prompted %d times, want 1", env.prompt.prompts)
	}
}

func TestAttachFailureDiscardsFrameAndContinues(t *testing.T) {
	env := newTestDaemon(t)
	env.d.FrameImport = &fakeImporter{fail: true}

	if err := env.guest(t, protocol.MsgCreate, 1, protocol.CreateBody{W: 4, H: 4}); err != nil {
		t.Fatal(err)
	}
	msg := protocol.Message{
		Header: protocol.Header{Type: protocol.MsgMFNDump, Window: 1},
		Body:   protocol.MFNDumpBody{NumPages: 1, Width: 4, Height: 4, Refs: []uint32{77}},
	}
	if err := env.d.HandleGuestMessage(context.Background(), msg); err != nil {
		t.Fatalf("attach failure must not be fatal: %v", err)
	}
	if _, ok := env.d.Frames.Current(1); ok {
		t.Error("failed attach left a live frame binding")
	}
}

func TestForceOnScreen(t *testing.T) {
	root := registry.Geometry{W: 1920, H: 1080}
	cases := []struct {
		name string
		in   registry.Geometry
		want registry.Geometry
	}{
		{"already visible", registry.Geometry{X: 10, Y: 10, W: 100, H: 100}, registry.Geometry{X: 10, Y: 10, W: 100, H: 100}},
		{"past right edge", registry.Geometry{X: 1919, Y: 10, W: 100, H: 100}, registry.Geometry{X: 1918, Y: 10, W: 100, H: 100}},
		{"entirely off-screen", registry.Geometry{X: 3000, Y: 10, W: 100, H: 100}, registry.Geometry{X: 3000, Y: 10, W: 100, H: 100}},
	}
	for _, c := range cases {
		if got := forceOnScreen(c.in, root, frameBorderWidth); got != c.want {
			t.Errorf("%s: forceOnScreen(%+v) = %+v, want %+v", c.name, c.in, got, c.want)
		}
	}
}

func TestParseAccel(t *testing.T) {
	a, err := ParseAccel("Ctrl-Shift-c")
	if err != nil {
		t.Fatal(err)
	}
	if a.ModMask != ModControl|ModShift || a.Keysym != 'c' {
		t.Errorf("ParseAccel = %+v", a)
	}
	if _, err := ParseAccel("Hyper-x"); err == nil {
		t.Error("unknown modifier accepted")
	}
	if _, err := ParseAccel(""); err == nil {
		t.Error("empty sequence accepted")
	}
}
