package protocol

// Geometry and transport bounds.
const (
	MaxW = 8192
	MaxH = 3072

	PageSize = 4096

	MaxClipboardSize = 65000

	// MaxMFNCount bounds a raw page-reference dump: ceil(MaxW*MaxH*4/PageSize).
	MaxMFNCount = (MaxW*MaxH*4 + PageSize - 1) / PageSize

	// MaxGrantCount is the equivalent bound for grant
	// references: the same ceiling as page references, since a grant-ref
	// frame covers the same maximum pixel area.
	MaxGrantCount = MaxMFNCount

	MaxWMNameLen  = 128
	MaxWMClassLen = 64

	// HeaderSize is the fixed {type, window, untrusted_len} prefix, all u32.
	HeaderSize = 12
)

// maxBodySize gives the per-type maximum body size. The codec checks a
// declared EXECUTE length against it before reading the body; fixed-size
// types are read at their fixed record length, and MFNDUMP, WINDOW_DUMP
// and CLIPBOARD_DATA are bounded by their own count and size checks.
func maxBodySize(t MsgType) int {
	switch t {
	case MsgCreate:
		return 4 * 6
	case MsgDestroy, MsgUnmap, MsgDock, MsgClose:
		return 0
	case MsgMap:
		return 4 * 2
	case MsgConfigure:
		return 4 * 5
	case MsgMFNDump:
		// fixed sub-header (num_mfn, offset, width, height) + the mfn array itself.
		return 4*4 + MaxMFNCount*4
	case MsgWindowDump:
		return 4*2 + MaxGrantCount*4
	case MsgShmImage:
		return 4 * 4
	case MsgWMName:
		return MaxWMNameLen
	case MsgWMClass:
		return MaxWMClassLen
	case MsgWindowHints:
		return 4 * 5
	case MsgWindowFlags:
		return 4 * 2
	case MsgCursor:
		return 4
	case MsgKeyPress:
		return 4 * 3
	case MsgButton:
		return 4 * 5
	case MsgMotion:
		return 4 * 2
	case MsgCrossing:
		return 4 * 3
	case MsgFocus:
		return 4
	case MsgKeymapNotify:
		return 32
	case MsgClipboardReq:
		return 0
	case MsgClipboardData:
		return MaxClipboardSize
	case MsgExecute:
		return 1024
	case MsgXConf:
		return 4 * 4
	default:
		return 0
	}
}
