// Package sanitize implements the Input Sanitizer (C5): per-field rules
// applied to every guest-supplied value before it reaches the window
// registry or the display server, plus the VERIFY class of checks whose
// failure escalates to an operator Terminate/Ignore decision.
package sanitize

import "github.com/openqube/guid/internal/protocol"

// ClampGeometry enforces the silent clamp rules: width/height
// into [0, MAX_W]/[0, MAX_H], x/y into [-MAX_W, MAX_W]/[-MAX_H, MAX_H].
// These are not VERIFY-class; a guest that sends an out-of-range value is
// clamped and processing continues.
func ClampGeometry(x, y int32, w, h uint32) (cx, cy int32, cw, ch uint32) {
	cw = clampU32(w, protocol.MaxW)
	ch = clampU32(h, protocol.MaxH)
	cx = clampI32(x, protocol.MaxW)
	cy = clampI32(y, protocol.MaxH)
	return
}

func clampU32(v uint32, max int) uint32 {
	if int64(v) > int64(max) {
		return uint32(max)
	}
	return v
}

func clampI32(v int32, bound int) int32 {
	b := int32(bound)
	if v > b {
		return b
	}
	if v < -b {
		return -b
	}
	return v
}
