package daemonloop

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/openqube/guid/internal/clipboard"
	"github.com/openqube/guid/internal/config"
	"github.com/openqube/guid/internal/frameimport"
	"github.com/openqube/guid/internal/helper"
	"github.com/openqube/guid/internal/protocol"
	"github.com/openqube/guid/internal/registry"
	"github.com/openqube/guid/internal/sanitize"
)

func (d *Daemon) audit(remote uint32, event, detail string) {
	if d.Audit == nil {
		return
	}
	if err := d.Audit.RecordWindowEvent(remote, event, detail); err != nil {
		slog.Warn("audit append failed", "event", event, "error", err)
	}
}

// runVerify funnels a VERIFY-class violation through the operator dialog.
// Ignore applies pending and returns nil; Terminate invokes the kill
// helper and tears the session down.
func (d *Daemon) runVerify(ctx context.Context, window uint32, violation error, pending sanitize.Mutation) error {
	decision, err := sanitize.RunVerify(ctx, d.Prompter, d.Escalator, d.Config.VMName, window, violation, pending)
	if err != nil {
		return fatalf("daemonloop: operator dialog: %v", err)
	}
	if d.Audit != nil {
		name := "ignore"
		if decision == sanitize.DecisionTerminate {
			name = "terminate"
		}
		d.Audit.RecordVerifyDecision(window, violation.Error(), name)
	}
	if decision == sanitize.DecisionTerminate {
		if d.Helpers != nil {
			if err := helper.KillVM(ctx, d.Helpers, d.Config.VMName); err != nil {
				slog.Error("qvm-kill failed", "vm", d.Config.VMName, "error", err)
			}
		}
		return fatalf("daemonloop: operator terminated guest %s after: %v", d.Config.VMName, violation)
	}
	return nil
}

// sendToGuest writes one message back over the ring. A write failure means
// the transport is gone, which is fatal for this session.
func (d *Daemon) sendToGuest(t protocol.MsgType, window uint32, body protocol.Body) error {
	if err := protocol.WriteMessage(d.Out, t, window, body); err != nil {
		return fatalf("daemonloop: write %s to guest: %v", t, err)
	}
	return nil
}

// enforceOverrideRedirect applies the override-redirect protection: the configured
// blanket policy first, then the screen-coverage ceiling with its one-shot
// notification.
func (d *Daemon) enforceOverrideRedirect(requested bool, w, h uint32) bool {
	if !requested {
		return false
	}
	if d.Config.OverrideRedirectPolicy == config.OverrideRedirectDisabled {
		return false
	}
	root := d.Display.RootGeometry()
	limit := uint64(root.W) * uint64(root.H) * uint64(d.Config.MaxOverrideRedirectPercent)
	if uint64(w)*uint64(h)*100 > limit {
		if d.Registry.MarkOverrideRedirectNoticeShown() && d.Notify != nil {
			d.Notify.Notify("qube " + d.Config.VMName + " attempted to create a window covering most of the screen; its override-redirect attribute was removed")
		}
		return false
	}
	return true
}

func (d *Daemon) handleCreate(ctx context.Context, window uint32, body protocol.CreateBody) error {
	x, y, w, h := sanitize.ClampGeometry(body.X, body.Y, body.W, body.H)
	override := d.enforceOverrideRedirect(body.OverrideRedirect, w, h)

	rec, err := d.Registry.Insert(window, body.Parent, true, 0, false)
	if err != nil {
		return fatalf("daemonloop: CREATE %d: %v", window, err)
	}
	rec.Geometry = registry.Geometry{X: x, Y: y, W: w, H: h}
	rec.OverrideRedirect = override
	rec.ExtraProps = d.Config.ExtraProperties

	if !d.Config.Invisible {
		var parentLocal registry.LocalID
		if parent, ok := d.Registry.ResolveParent(rec); ok {
			parentLocal = parent.LocalID
		}
		local, err := d.Display.CreateChild(parentLocal, rec.Geometry, override)
		if err != nil {
			return fatalf("daemonloop: create local window for %d: %v", window, err)
		}
		d.Registry.RebindLocal(rec, local)

		rec.WMClass = [2]string{d.Config.VMName, d.Config.VMName}
		if err := d.Display.SetWMClass(local, rec.WMClass); err != nil {
			slog.Debug("set WM_CLASS failed", "window", window, "error", err)
		}
		d.applyProperties(local)
	}

	d.audit(window, "create", "")
	return nil
}

// applyProperties installs the daemon-wide identity properties plus any
// -p extras on a freshly created local window.
func (d *Daemon) applyProperties(local registry.LocalID) {
	builtin := []registry.ExtraProperty{
		{Name: "_QUBES_VMNAME", Kind: registry.PropString, Value: d.Config.VMName},
		{Name: "_QUBES_LABEL", Kind: registry.PropCardinalList, Value: strconv.Itoa(d.Config.LabelIndex)},
	}
	for _, p := range append(builtin, d.Config.ExtraProperties...) {
		if err := d.Display.SetProperty(local, p); err != nil {
			slog.Debug("set property failed", "name", p.Name, "error", err)
		}
	}
}

func (d *Daemon) handleDestroy(ctx context.Context, rec *registry.WindowRecord) error {
	if err := d.Frames.Clear(ctx, rec.RemoteID); err != nil {
		slog.Warn("release frame on destroy failed", "window", rec.RemoteID, "error", err)
	}
	if !d.Config.Invisible {
		// Destroy racing the window's own teardown is the documented
		// non-fatal server error class; ignore it.
		d.Display.Destroy(rec.LocalID)
	}
	if err := d.Registry.Remove(rec.RemoteID); err != nil {
		return fatalf("daemonloop: DESTROY %d: %v", rec.RemoteID, err)
	}
	d.Escalator.Reset(rec.RemoteID)
	d.audit(rec.RemoteID, "destroy", "")
	return nil
}

func (d *Daemon) handleMap(ctx context.Context, rec *registry.WindowRecord, body protocol.MapBody) error {
	if body.TransientFor != 0 {
		rec.TransientFor = body.TransientFor
		rec.HasTransient = true
	}
	rec.OverrideRedirect = d.enforceOverrideRedirect(body.OverrideRedirect, rec.Geometry.W, rec.Geometry.H)

	rec.IsMapped = true
	if !d.Config.Invisible {
		if rec.WMName != "" {
			d.Display.SetWMName(rec.LocalID, d.decoratedTitle(rec.WMName))
		}
		if err := d.Display.Map(rec.LocalID); err != nil {
			return fatalf("daemonloop: map %d: %v", rec.RemoteID, err)
		}
		if rec.OverrideRedirect {
			d.restackAboveScreensaver(rec)
		}
	}
	d.audit(rec.RemoteID, "map", "")
	return nil
}

func (d *Daemon) decoratedTitle(title string) string {
	if d.Config.TitlePrefix {
		return "[" + d.Config.VMName + "] " + title
	}
	return title
}

func (d *Daemon) handleUnmap(rec *registry.WindowRecord) error {
	rec.IsMapped = false
	if !d.Config.Invisible {
		d.Display.Unmap(rec.LocalID)
	}
	d.audit(rec.RemoteID, "unmap", "")
	return nil
}

// handleGuestConfigure runs the configure state machine from the
// guest side: an ack matching the in-flight request settles it, a mismatch
// re-emits the request, and an unsolicited configure moves the mirror.
func (d *Daemon) handleGuestConfigure(rec *registry.WindowRecord, body protocol.ConfigureBody) error {
	x, y, w, h := sanitize.ClampGeometry(body.X, body.Y, body.W, body.H)
	geom := registry.Geometry{X: x, Y: y, W: w, H: h}

	if rec.ConfigureState == registry.ConfigureSent && rec.RemoteID != registry.FullscreenWindow {
		if geom == rec.PendingConfigure {
			rec.ConfigureState = registry.ConfigureIdle
			rec.Geometry = geom
			if rec.HaveQueuedConfigure {
				rec.HaveQueuedConfigure = false
				rec.Geometry = rec.QueuedConfigure
				return d.sendConfigureRequest(rec, rec.QueuedConfigure)
			}
			return nil
		}
		return d.sendConfigureRequest(rec, rec.PendingConfigure)
	}

	rec.OverrideRedirect = d.enforceOverrideRedirect(body.OverrideRedirect, w, h)
	if rec.OverrideRedirect {
		geom = forceOnScreen(geom, d.Display.RootGeometry(), frameBorderWidth)
	}
	rec.Geometry = geom
	if !d.Config.Invisible {
		if err := d.Display.ConfigureWindow(rec.LocalID, geom); err != nil {
			slog.Debug("configure local window failed", "window", rec.RemoteID, "error", err)
		}
	}
	return nil
}

// sendConfigureRequest emits CONFIGURE to the guest and arms the in-flight
// flag. The whole-screen pseudo-window is exempt from queuing.
func (d *Daemon) sendConfigureRequest(rec *registry.WindowRecord, geom registry.Geometry) error {
	if rec.RemoteID != registry.FullscreenWindow {
		rec.ConfigureState = registry.ConfigureSent
		rec.PendingConfigure = geom
	}
	return d.sendToGuest(protocol.MsgConfigure, rec.RemoteID, protocol.ConfigureBody{
		X: geom.X, Y: geom.Y, W: geom.W, H: geom.H, OverrideRedirect: rec.OverrideRedirect,
	})
}

func (d *Daemon) handleMFNDump(ctx context.Context, rec *registry.WindowRecord, body protocol.MFNDumpBody) error {
	if err := sanitize.CheckFrameBounds(body.NumPages, body.ByteOffset, body.Width, body.Height, protocol.MaxMFNCount); err != nil {
		return fatalf("daemonloop: MFNDUMP for %d: %v", rec.RemoteID, err)
	}
	return d.importFrame(ctx, rec, frameimport.VariantPageRefs,
		int(body.Width), int(body.Height), body.ByteOffset, body.Refs)
}

func (d *Daemon) handleWindowDump(ctx context.Context, rec *registry.WindowRecord, body protocol.WindowDumpBody) error {
	if body.Count == 0 || body.Count > protocol.MaxGrantCount {
		return fatalf("daemonloop: WINDOW_DUMP for %d: grant count %d out of range", rec.RemoteID, body.Count)
	}
	return d.importFrame(ctx, rec, frameimport.VariantGrantRefs,
		int(rec.Geometry.W), int(rec.Geometry.H), 0, body.Refs)
}

func (d *Daemon) importFrame(ctx context.Context, rec *registry.WindowRecord, variant frameimport.Variant, width, height int, offset uint32, refs []uint32) error {
	// Release the window's previous frame strictly before establishing the
	// new one, so at most one import per window is ever live.
	if err := d.Frames.Clear(ctx, rec.RemoteID); err != nil {
		slog.Warn("release of previous frame failed", "window", rec.RemoteID, "error", err)
	}
	rec.Frame = nil
	frame, err := d.FrameImport.Import(ctx, d.Config.DomID, variant, width, height, rec.RemoteID, offset, refs)
	if err != nil {
		var attach *frameimport.ErrAttachFailed
		if errors.As(err, &attach) {
			// Category-4 resource failure: discard the frame, keep going.
			slog.Warn("frame attach failed, discarding", "window", rec.RemoteID, "error", err)
			return nil
		}
		return fatalf("daemonloop: import frame for %d: %v", rec.RemoteID, err)
	}
	if err := d.Frames.Replace(ctx, rec.RemoteID, frame); err != nil {
		slog.Warn("release of previous frame failed", "window", rec.RemoteID, "error", err)
	}
	rec.Frame = &registry.FrameImportRef{Width: width, Height: height}
	d.audit(rec.RemoteID, "frame", "")
	return nil
}

func (d *Daemon) handleShmImage(rec *registry.WindowRecord, body protocol.ShmImageBody) error {
	x, y, w, h := sanitize.ClampGeometry(body.X, body.Y, body.W, body.H)
	rect := registry.Geometry{X: x, Y: y, W: w, H: h}
	d.doShmUpdate(rec, rect)
	return nil
}

// doShmUpdate repaints one damaged rectangle. A window with no frame of
// its own falls back to the whole-screen pseudo-window's frame as backing
// store.
func (d *Daemon) doShmUpdate(rec *registry.WindowRecord, rect registry.Geometry) {
	if d.Config.Invisible {
		return
	}
	frame, ok := d.Frames.Current(rec.RemoteID)
	if !ok {
		frame, ok = d.Frames.Current(registry.FullscreenWindow)
		if !ok {
			return
		}
	}
	if err := d.Display.PaintDamage(rec.LocalID, rect, frame); err != nil {
		slog.Debug("paint damage failed", "window", rec.RemoteID, "error", err)
	}
}

func (d *Daemon) handleWMName(rec *registry.WindowRecord, body protocol.WMNameBody) error {
	raw := body.Raw
	if i := bytes.IndexByte(raw, 0); i >= 0 {
		raw = raw[:i]
	}
	rec.WMName = sanitize.SanitizeTitle(raw, protocol.MaxWMNameLen, d.Config.AllowUTF8Titles)
	if !d.Config.Invisible {
		d.Display.SetWMName(rec.LocalID, d.decoratedTitle(rec.WMName))
	}
	return nil
}

func (d *Daemon) handleWMClass(rec *registry.WindowRecord, body protocol.WMClassBody) error {
	parts := bytes.SplitN(body.Raw, []byte{0}, 3)
	var class [2]string
	for i := 0; i < 2 && i < len(parts); i++ {
		class[i] = sanitize.SanitizeTitle(parts[i], protocol.MaxWMClassLen, d.Config.AllowUTF8Titles)
	}
	rec.WMClass = class
	if !d.Config.Invisible {
		d.Display.SetWMClass(rec.LocalID, class)
	}
	return nil
}

func (d *Daemon) handleWindowHints(rec *registry.WindowRecord, body protocol.WindowHintsBody) error {
	_, _, minW, minH := sanitize.ClampGeometry(0, 0, body.MinW, body.MinH)
	_, _, maxW, maxH := sanitize.ClampGeometry(0, 0, body.MaxW, body.MaxH)
	rec.Hints = registry.SizeHints{
		Flags: body.Flags,
		MinW:  minW, MinH: minH,
		MaxW: maxW, MaxH: maxH,
	}
	if !d.Config.Invisible {
		d.Display.SetSizeHints(rec.LocalID, rec.Hints)
	}
	return nil
}

func (d *Daemon) handleWindowFlags(ctx context.Context, rec *registry.WindowRecord, body protocol.WindowFlagsBody) error {
	set, unset, err := sanitize.ResolveFlags(body.Set, body.Unset)
	if err != nil {
		return d.runVerify(ctx, rec.RemoteID, err, nil)
	}
	d.applyWindowFlags(rec, set, unset)
	return nil
}

// applyWindowFlags records the guest's flag change and forwards it to the
// host WM, rewriting FULLSCREEN to MAXIMIZED_{VERT,HORZ} when real
// fullscreen is forbidden by policy.
func (d *Daemon) applyWindowFlags(rec *registry.WindowRecord, set, unset uint32) {
	var hostSet, hostUnset uint32

	if set&protocol.FlagFullscreen != 0 {
		if d.Config.AllowFullscreen() {
			hostSet |= WMStateFullscreen
			rec.FlagsSet[registry.FlagFullscreen] = true
		} else {
			hostSet |= WMStateMaximizedVert | WMStateMaximizedHorz
			rec.FullscreenMaximizeRequested = true
			rec.RealFullscreenRequested = true
		}
	}
	if unset&protocol.FlagFullscreen != 0 {
		if d.Config.AllowFullscreen() || !rec.RealFullscreenRequested {
			hostUnset |= WMStateFullscreen
		} else {
			hostUnset |= WMStateMaximizedVert | WMStateMaximizedHorz
			rec.RealFullscreenRequested = false
		}
		delete(rec.FlagsSet, registry.FlagFullscreen)
	}

	if set&protocol.FlagDemandsAttention != 0 {
		hostSet |= WMStateDemandsAttention
		rec.FlagsSet[registry.FlagDemandsAttention] = true
	}
	if unset&protocol.FlagDemandsAttention != 0 {
		hostUnset |= WMStateDemandsAttention
		delete(rec.FlagsSet, registry.FlagDemandsAttention)
	}

	if set&protocol.FlagMinimize != 0 {
		hostSet |= WMStateMinimize
		rec.FlagsSet[registry.FlagMinimize] = true
	}
	if unset&protocol.FlagMinimize != 0 {
		hostUnset |= WMStateMinimize
		delete(rec.FlagsSet, registry.FlagMinimize)
	}

	if !d.Config.Invisible && (hostSet != 0 || hostUnset != 0) {
		d.Display.UpdateWMState(rec.LocalID, hostSet, hostUnset)
	}
}

func (d *Daemon) handleDock(rec *registry.WindowRecord) error {
	rec.IsDocked = true
	if !d.Config.Invisible {
		if err := d.Display.DockIntoTray(rec.LocalID, d.TrayMode, d.TrayOpts, d.VMColor); err != nil {
			slog.Warn("tray docking failed", "window", rec.RemoteID, "error", err)
		}
	}
	d.audit(rec.RemoteID, "dock", "")
	return nil
}

func (d *Daemon) handleCursor(ctx context.Context, rec *registry.WindowRecord, body protocol.CursorBody) error {
	if err := sanitize.CheckCursor(body.ID); err != nil {
		return d.runVerify(ctx, rec.RemoteID, err, nil)
	}
	if !d.Config.Invisible {
		d.Display.SetCursor(rec.LocalID, body.ID)
	}
	return nil
}

func (d *Daemon) handleClipboardData(ctx context.Context, body protocol.ClipboardDataBody) error {
	err := d.Clipboard.CompleteCopy(ctx, body.Data, d.Config.VMName, d.PendingPasteTS)
	if errors.Is(err, clipboard.ErrNoPendingRequest) {
		slog.Warn("unsolicited CLIPBOARD_DATA dropped", "vm", d.Config.VMName, "bytes", len(body.Data))
		return nil
	}
	if err != nil {
		return fatalf("daemonloop: store clipboard data: %v", err)
	}
	d.audit(0, "clipboard-copy", "")
	return nil
}
