// Package protocol implements the wire framing and message bodies exchanged
// between a guest agent and the host daemon over a ring transport.
package protocol

// MsgType identifies the purpose of a message. The full enum is closed: a
// host encountering a type outside this list closes the session, a guest
// encountering one logs and drains the unknown body.
type MsgType uint32

const (
	MsgCreate MsgType = iota + 1
	MsgDestroy
	MsgMap
	MsgUnmap
	MsgConfigure
	MsgMFNDump
	MsgWindowDump
	MsgShmImage
	MsgWMName
	MsgWMClass
	MsgWindowHints
	MsgWindowFlags
	MsgDock
	MsgCursor
	MsgKeyPress
	MsgButton
	MsgMotion
	MsgCrossing
	MsgFocus
	MsgKeymapNotify
	MsgClipboardReq
	MsgClipboardData
	// MsgExecute is recognized so the codec bounds and drains an EXECUTE
	// body instead of failing on an unknown type; the daemon still rejects
	// it with a fatal error, and no handler ever acts on it.
	MsgExecute
	MsgClose
	MsgXConf

	msgTypeCount // sentinel, not a real message type
)

func (t MsgType) Valid() bool {
	return t >= MsgCreate && t < msgTypeCount
}

func (t MsgType) String() string {
	switch t {
	case MsgCreate:
		return "CREATE"
	case MsgDestroy:
		return "DESTROY"
	case MsgMap:
		return "MAP"
	case MsgUnmap:
		return "UNMAP"
	case MsgConfigure:
		return "CONFIGURE"
	case MsgMFNDump:
		return "MFNDUMP"
	case MsgWindowDump:
		return "WINDOW_DUMP"
	case MsgShmImage:
		return "SHMIMAGE"
	case MsgWMName:
		return "WMNAME"
	case MsgWMClass:
		return "WMCLASS"
	case MsgWindowHints:
		return "WINDOW_HINTS"
	case MsgWindowFlags:
		return "WINDOW_FLAGS"
	case MsgDock:
		return "DOCK"
	case MsgCursor:
		return "CURSOR"
	case MsgKeyPress:
		return "KEYPRESS"
	case MsgButton:
		return "BUTTON"
	case MsgMotion:
		return "MOTION"
	case MsgCrossing:
		return "CROSSING"
	case MsgFocus:
		return "FOCUS"
	case MsgKeymapNotify:
		return "KEYMAP_NOTIFY"
	case MsgClipboardReq:
		return "CLIPBOARD_REQ"
	case MsgClipboardData:
		return "CLIPBOARD_DATA"
	case MsgExecute:
		return "EXECUTE"
	case MsgClose:
		return "CLOSE"
	case MsgXConf:
		return "XCONF"
	default:
		return "UNKNOWN"
	}
}

// Window flag bits, carried in WindowFlagsBody.Set/Unset bitmasks.
const (
	FlagFullscreen uint32 = 1 << iota
	FlagDemandsAttention
	FlagMinimize

	knownFlagMask = FlagFullscreen | FlagDemandsAttention | FlagMinimize
)

// Cursor ids, carried by the CURSOR message.
const (
	CursorDefault uint32 = 0
	// CursorSetBit marks "X11-style set bit"; the low bits carry the glyph index.
	CursorSetBit uint32 = 1 << 31
)

// XCNumGlyphs bounds the CURSOR glyph index.
const XCNumGlyphs = 154

// Edge/transition enums for crossing and focus events.
const (
	NotifyNormal uint32 = iota
)

const (
	CrossingEnter uint32 = iota
	CrossingLeave
)

const (
	FocusIn uint32 = iota
	FocusOut
)

const (
	KeyRelease uint32 = iota
	KeyPress
)
