// Package frameimport implements the Shared-Frame Importer (C3): turning a
// guest's MFNDUMP/WINDOW_DUMP message into a SharedArgs handoff that lets
// the host display-server attach the guest's actual pixel buffer with no
// copy on the hot path.
package frameimport

import (
	"encoding/binary"
	"fmt"
)

// Variant selects which of the two frame-reference encodings is in use:
// a guest sending raw page numbers, or one sending grant
// handles obtained from /dev/xen/gntdev (or equivalent).
type Variant uint32

const (
	VariantPageRefs Variant = iota
	VariantGrantRefs
)

// SharedArgs mirrors the on-disk layout of
// /run/qubes/shm.id.<display>: a fixed-size binary structure the daemon
// writes before asking the display server to attach, and the server's
// preload shim reads during that call to substitute a real mapping for
// an ordinary shared-memory segment.
//
//	{ u32 shmid; u32 domid; u32 type; <variant> }
//	variant = { u32 count; u32 off; u32 mfns[] }   (PageRefs)
//	        | { u32 count; u32 refs[] }            (GrantRefs)
type SharedArgs struct {
	ShmID   uint32
	DomID   uint32
	Type    Variant
	Count   uint32
	Offset  uint32 // PageRefs only
	Refs    []uint32
}

// Encode serializes a to the fixed binary layout written to the shm.id
// file. PageRefs carries Offset before the ref array; GrantRefs omits it.
func (a SharedArgs) Encode() []byte {
	header := 12
	if a.Type == VariantPageRefs {
		header += 8 // count + off
	} else {
		header += 4 // count only
	}
	buf := make([]byte, header+len(a.Refs)*4)

	binary.LittleEndian.PutUint32(buf[0:4], a.ShmID)
	binary.LittleEndian.PutUint32(buf[4:8], a.DomID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(a.Type))

	off := 12
	binary.LittleEndian.PutUint32(buf[off:off+4], a.Count)
	off += 4
	if a.Type == VariantPageRefs {
		binary.LittleEndian.PutUint32(buf[off:off+4], a.Offset)
		off += 4
	}
	for _, r := range a.Refs {
		binary.LittleEndian.PutUint32(buf[off:off+4], r)
		off += 4
	}
	return buf
}

// DecodeSharedArgs parses the shm.id file contents back into a SharedArgs,
// the inverse of Encode. Used by tests and by any component that needs to
// read back what was written (the real preload shim lives in the display
// server, out of scope here).
func DecodeSharedArgs(buf []byte) (SharedArgs, error) {
	if len(buf) < 16 {
		return SharedArgs{}, fmt.Errorf("frameimport: shared args buffer too short (%d bytes)", len(buf))
	}
	a := SharedArgs{
		ShmID: binary.LittleEndian.Uint32(buf[0:4]),
		DomID: binary.LittleEndian.Uint32(buf[4:8]),
		Type:  Variant(binary.LittleEndian.Uint32(buf[8:12])),
	}
	off := 12
	a.Count = binary.LittleEndian.Uint32(buf[off : off+4])
	off += 4
	if a.Type == VariantPageRefs {
		if len(buf) < off+4 {
			return SharedArgs{}, fmt.Errorf("frameimport: truncated page-ref header")
		}
		a.Offset = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	need := off + int(a.Count)*4
	if len(buf) < need {
		return SharedArgs{}, fmt.Errorf("frameimport: truncated ref array, want %d bytes have %d", need, len(buf))
	}
	a.Refs = make([]uint32, a.Count)
	for i := range a.Refs {
		a.Refs[i] = binary.LittleEndian.Uint32(buf[off : off+4])
		off += 4
	}
	return a, nil
}

// CommandIdent is the "command" sentinel the importer restores once no
// import is in flight. Its shmid/domid of zero is never a valid live
// import.
var CommandIdent = SharedArgs{ShmID: 0, DomID: 0, Type: VariantPageRefs, Count: 0}
