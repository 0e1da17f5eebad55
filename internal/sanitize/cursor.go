package sanitize

import "github.com/openqube/guid/internal/protocol"

// ErrBadCursor is a VERIFY-class violation: a cursor value must be
// DEFAULT or carry the set bit with a glyph index below XC_num_glyphs.
type ErrBadCursor struct {
	Value uint32
}

func (e *ErrBadCursor) Error() string {
	return "sanitize: cursor value out of range"
}

// CheckCursor validates a CURSOR message's encoded value.
func CheckCursor(value uint32) error {
	if value == protocol.CursorDefault {
		return nil
	}
	if value&protocol.CursorSetBit == 0 {
		return &ErrBadCursor{Value: value}
	}
	index := value &^ protocol.CursorSetBit
	if index >= protocol.XCNumGlyphs {
		return &ErrBadCursor{Value: value}
	}
	return nil
}
