package sanitize

import "github.com/openqube/guid/internal/protocol"

// ErrFrameBound is a VERIFY-class violation covering both the MFN/grant
// count check and the width/height/offset cross-check. The codec (internal/protocol) already refuses to read
// an out-of-bound array off the wire; this function lets
// internal/daemonloop re-validate a fully decoded MFNDUMP/WINDOW_DUMP
// body against the same rule before acting on it, and gives tests a
// single place to exercise the arithmetic.
type ErrFrameBound struct {
	Reason string
}

func (e *ErrFrameBound) Error() string {
	return "sanitize: frame bound violation: " + e.Reason
}

// CheckFrameBounds re-applies the MFN/grant rule: refuse a zero
// or over-bound count, and refuse when the declared width/height/offset
// would require more pages than num_pages actually supplies.
func CheckFrameBounds(numPages, byteOffset, width, height uint32, maxCount uint32) error {
	if numPages == 0 {
		return &ErrFrameBound{Reason: "zero page count"}
	}
	if numPages > maxCount {
		return &ErrFrameBound{Reason: "page count exceeds bound"}
	}
	if byteOffset >= protocol.PageSize {
		return &ErrFrameBound{Reason: "byte offset not within first page"}
	}
	need := (uint64(4)*uint64(width)*uint64(height) + uint64(byteOffset) + protocol.PageSize - 1) / protocol.PageSize
	if need > uint64(numPages) {
		return &ErrFrameBound{Reason: "declared geometry exceeds supplied page count"}
	}
	return nil
}
