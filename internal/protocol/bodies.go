package protocol

import "encoding/binary"

// Body is implemented by every typed message body. Encoding is always a
// flat little-endian layout; decoding lives in codec.go where the codec
// already knows how many bytes belong to each variant.
type Body interface {
	encode() []byte
}

func putU32(b []byte, off int, v uint32) { binary.LittleEndian.PutUint32(b[off:off+4], v) }
func getU32(b []byte, off int) uint32    { return binary.LittleEndian.Uint32(b[off : off+4]) }
func putI32(b []byte, off int, v int32)  { putU32(b, off, uint32(v)) }
func getI32(b []byte, off int) int32     { return int32(getU32(b, off)) }

func boolToU32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

type CreateBody struct {
	X, Y             int32
	W, H             uint32
	Parent           uint32
	OverrideRedirect bool
}

func (b CreateBody) encode() []byte {
	out := make([]byte, 24)
	putI32(out, 0, b.X)
	putI32(out, 4, b.Y)
	putU32(out, 8, b.W)
	putU32(out, 12, b.H)
	putU32(out, 16, b.Parent)
	putU32(out, 20, boolToU32(b.OverrideRedirect))
	return out
}

func decodeCreateBody(b []byte) CreateBody {
	return CreateBody{
		X:                getI32(b, 0),
		Y:                getI32(b, 4),
		W:                getU32(b, 8),
		H:                getU32(b, 12),
		Parent:           getU32(b, 16),
		OverrideRedirect: getU32(b, 20) != 0,
	}
}

type DestroyBody struct{}

func (DestroyBody) encode() []byte { return nil }

type MapBody struct {
	TransientFor     uint32
	OverrideRedirect bool
}

func (b MapBody) encode() []byte {
	out := make([]byte, 8)
	putU32(out, 0, b.TransientFor)
	putU32(out, 4, boolToU32(b.OverrideRedirect))
	return out
}

func decodeMapBody(b []byte) MapBody {
	return MapBody{TransientFor: getU32(b, 0), OverrideRedirect: getU32(b, 4) != 0}
}

type UnmapBody struct{}

func (UnmapBody) encode() []byte { return nil }

type ConfigureBody struct {
	X, Y             int32
	W, H             uint32
	OverrideRedirect bool
}

func (b ConfigureBody) encode() []byte {
	out := make([]byte, 20)
	putI32(out, 0, b.X)
	putI32(out, 4, b.Y)
	putU32(out, 8, b.W)
	putU32(out, 12, b.H)
	putU32(out, 16, boolToU32(b.OverrideRedirect))
	return out
}

func decodeConfigureBody(b []byte) ConfigureBody {
	return ConfigureBody{
		X: getI32(b, 0), Y: getI32(b, 4),
		W: getU32(b, 8), H: getU32(b, 12),
		OverrideRedirect: getU32(b, 16) != 0,
	}
}

// MFNDumpBody carries a raw page-reference frame descriptor. NumPages is
// validated against MaxMFNCount before the codec reads Refs off the
// wire: a violation never allocates or reads the array.
type MFNDumpBody struct {
	NumPages   uint32
	ByteOffset uint32
	Width      uint32
	Height     uint32
	Refs       []uint32
}

const mfnDumpSubHeaderSize = 16

func (b MFNDumpBody) encode() []byte {
	out := make([]byte, mfnDumpSubHeaderSize+4*len(b.Refs))
	putU32(out, 0, b.NumPages)
	putU32(out, 4, b.ByteOffset)
	putU32(out, 8, b.Width)
	putU32(out, 12, b.Height)
	for i, r := range b.Refs {
		putU32(out, mfnDumpSubHeaderSize+4*i, r)
	}
	return out
}

// WindowDumpBody is the grant-reference variant of the same frame
// handoff.
type WindowDumpBody struct {
	Count uint32
	Refs  []uint32
}

func (b WindowDumpBody) encode() []byte {
	out := make([]byte, 4+4*len(b.Refs))
	putU32(out, 0, b.Count)
	for i, r := range b.Refs {
		putU32(out, 4+4*i, r)
	}
	return out
}

type ShmImageBody struct {
	X, Y int32
	W, H uint32
}

func (b ShmImageBody) encode() []byte {
	out := make([]byte, 16)
	putI32(out, 0, b.X)
	putI32(out, 4, b.Y)
	putU32(out, 8, b.W)
	putU32(out, 12, b.H)
	return out
}

func decodeShmImageBody(b []byte) ShmImageBody {
	return ShmImageBody{X: getI32(b, 0), Y: getI32(b, 4), W: getU32(b, 8), H: getU32(b, 12)}
}

// WMNameBody/WMClassBody carry the declared-size buffer verbatim; sanitize
// is applied by internal/sanitize, never by the codec itself.
type WMNameBody struct{ Raw []byte }

func (b WMNameBody) encode() []byte { return append([]byte(nil), b.Raw...) }

type WMClassBody struct{ Raw []byte }

func (b WMClassBody) encode() []byte { return append([]byte(nil), b.Raw...) }

type WindowHintsBody struct {
	Flags                  uint32
	MinW, MinH, MaxW, MaxH uint32
}

func (b WindowHintsBody) encode() []byte {
	out := make([]byte, 20)
	putU32(out, 0, b.Flags)
	putU32(out, 4, b.MinW)
	putU32(out, 8, b.MinH)
	putU32(out, 12, b.MaxW)
	putU32(out, 16, b.MaxH)
	return out
}

func decodeWindowHintsBody(b []byte) WindowHintsBody {
	return WindowHintsBody{
		Flags: getU32(b, 0), MinW: getU32(b, 4), MinH: getU32(b, 8),
		MaxW: getU32(b, 12), MaxH: getU32(b, 16),
	}
}

type WindowFlagsBody struct{ Set, Unset uint32 }

func (b WindowFlagsBody) encode() []byte {
	out := make([]byte, 8)
	putU32(out, 0, b.Set)
	putU32(out, 4, b.Unset)
	return out
}

func decodeWindowFlagsBody(b []byte) WindowFlagsBody {
	return WindowFlagsBody{Set: getU32(b, 0), Unset: getU32(b, 4)}
}

type DockBody struct{}

func (DockBody) encode() []byte { return nil }

type CursorBody struct{ ID uint32 }

func (b CursorBody) encode() []byte {
	out := make([]byte, 4)
	putU32(out, 0, b.ID)
	return out
}

func decodeCursorBody(b []byte) CursorBody { return CursorBody{ID: getU32(b, 0)} }

// KeyPressBody carries both presses and releases; Type is KeyPress or
// KeyRelease.
type KeyPressBody struct {
	Type    uint32
	Keycode uint32
	State   uint32
}

func (b KeyPressBody) encode() []byte {
	out := make([]byte, 12)
	putU32(out, 0, b.Type)
	putU32(out, 4, b.Keycode)
	putU32(out, 8, b.State)
	return out
}

func decodeKeyPressBody(b []byte) KeyPressBody {
	return KeyPressBody{Type: getU32(b, 0), Keycode: getU32(b, 4), State: getU32(b, 8)}
}

type ButtonBody struct {
	Type   uint32 // press/release, same encoding as KeyPressBody.Type
	Button uint32
	State  uint32
	X, Y   int32
}

func (b ButtonBody) encode() []byte {
	out := make([]byte, 20)
	putU32(out, 0, b.Type)
	putU32(out, 4, b.Button)
	putU32(out, 8, b.State)
	putI32(out, 12, b.X)
	putI32(out, 16, b.Y)
	return out
}

func decodeButtonBody(b []byte) ButtonBody {
	return ButtonBody{Type: getU32(b, 0), Button: getU32(b, 4), State: getU32(b, 8), X: getI32(b, 12), Y: getI32(b, 16)}
}

type MotionBody struct{ X, Y int32 }

func (b MotionBody) encode() []byte {
	out := make([]byte, 8)
	putI32(out, 0, b.X)
	putI32(out, 4, b.Y)
	return out
}

func decodeMotionBody(b []byte) MotionBody {
	return MotionBody{X: getI32(b, 0), Y: getI32(b, 4)}
}

type CrossingBody struct {
	Type uint32
	X, Y int32
}

func (b CrossingBody) encode() []byte {
	out := make([]byte, 12)
	putU32(out, 0, b.Type)
	putI32(out, 4, b.X)
	putI32(out, 8, b.Y)
	return out
}

func decodeCrossingBody(b []byte) CrossingBody {
	return CrossingBody{Type: getU32(b, 0), X: getI32(b, 4), Y: getI32(b, 8)}
}

type FocusBody struct{ Type uint32 }

func (b FocusBody) encode() []byte {
	out := make([]byte, 4)
	putU32(out, 0, b.Type)
	return out
}

func decodeFocusBody(b []byte) FocusBody { return FocusBody{Type: getU32(b, 0)} }

type KeymapNotifyBody struct{ Bitmap [32]byte }

func (b KeymapNotifyBody) encode() []byte { return append([]byte(nil), b.Bitmap[:]...) }

func decodeKeymapNotifyBody(b []byte) KeymapNotifyBody {
	var k KeymapNotifyBody
	copy(k.Bitmap[:], b)
	return k
}

type ClipboardReqBody struct{}

func (ClipboardReqBody) encode() []byte { return nil }

type ClipboardDataBody struct{ Data []byte }

func (b ClipboardDataBody) encode() []byte { return append([]byte(nil), b.Data...) }

type ExecuteBody struct{ Raw []byte }

func (b ExecuteBody) encode() []byte { return append([]byte(nil), b.Raw...) }

type CloseBody struct{}

func (CloseBody) encode() []byte { return nil }

type XConfBody struct {
	Width, Height, Depth, MemKB uint32
}

func (b XConfBody) encode() []byte {
	out := make([]byte, 16)
	putU32(out, 0, b.Width)
	putU32(out, 4, b.Height)
	putU32(out, 8, b.Depth)
	putU32(out, 12, b.MemKB)
	return out
}

func decodeXConfBody(b []byte) XConfBody {
	return XConfBody{Width: getU32(b, 0), Height: getU32(b, 4), Depth: getU32(b, 8), MemKB: getU32(b, 12)}
}
