package protocol

import (
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnknownType is fatal on the host; the agent instead logs and
	// drains the declared length.
	ErrUnknownType = errors.New("protocol: unknown message type")
	// ErrBodyTooLarge is returned when a declared EXECUTE or CLIPBOARD_DATA
	// length exceeds its maximum; the caller must close the session.
	ErrBodyTooLarge = errors.New("protocol: body exceeds per-type maximum")
	// ErrMFNBound is returned before the MFN array is read off the wire;
	// the registry is never touched.
	ErrMFNBound = errors.New("protocol: num_mfn exceeds MaxMFNCount")
	ErrGrantBound = errors.New("protocol: grant count exceeds MaxGrantCount")
)

// Message pairs a Header with its decoded, type-specific Body.
type Message struct {
	Header Header
	Body   Body
}

// fixedBodyLen returns the body length for types whose body is a fixed-size
// record, or -1 for the variable-length exceptions.
func fixedBodyLen(t MsgType) int {
	switch t {
	case MsgCreate:
		return 24
	case MsgDestroy, MsgUnmap, MsgDock, MsgClipboardReq, MsgClose:
		return 0
	case MsgMap:
		return 8
	case MsgConfigure:
		return 20
	case MsgShmImage:
		return 16
	case MsgWMName:
		return MaxWMNameLen
	case MsgWMClass:
		return MaxWMClassLen
	case MsgWindowHints:
		return 20
	case MsgWindowFlags:
		return 8
	case MsgCursor:
		return 4
	case MsgKeyPress:
		return 12
	case MsgButton:
		return 20
	case MsgMotion:
		return 8
	case MsgCrossing:
		return 12
	case MsgFocus:
		return 4
	case MsgKeymapNotify:
		return 32
	case MsgXConf:
		return 16
	default:
		return -1 // MFNDump, WindowDump, ClipboardData, Execute
	}
}

// ReadMessage reads one framed message from r. unknownIsFatal selects the
// host policy (unknown type closes the session) vs the agent policy
// (unknown type is logged and drained, returning ErrUnknownType after
// consuming UntrustedLen bytes so the stream stays in sync).
func ReadMessage(r io.Reader, unknownIsFatal bool) (Message, error) {
	hdrBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, hdrBuf); err != nil {
		return Message{}, err
	}
	hdr := decodeHeader(hdrBuf)

	if !hdr.Type.Valid() {
		if unknownIsFatal {
			return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, hdr.Type)
		}
		if err := drain(r, int(hdr.UntrustedLen)); err != nil {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %d", ErrUnknownType, hdr.Type)
	}

	switch hdr.Type {
	case MsgMFNDump:
		return readMFNDump(r, hdr)
	case MsgWindowDump:
		return readWindowDump(r, hdr)
	case MsgClipboardData:
		return readClipboardData(r, hdr)
	case MsgExecute:
		// Never processed; still bounded and drained so the stream survives.
		n := int(hdr.UntrustedLen)
		if n > maxBodySize(MsgExecute) {
			return Message{}, ErrBodyTooLarge
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Message{}, err
		}
		return Message{Header: hdr, Body: ExecuteBody{Raw: buf}}, nil
	}

	n := fixedBodyLen(hdr.Type)
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return Message{}, err
		}
	}
	body, err := decodeFixedBody(hdr.Type, buf)
	if err != nil {
		return Message{}, err
	}
	return Message{Header: hdr, Body: body}, nil
}

func decodeFixedBody(t MsgType, b []byte) (Body, error) {
	switch t {
	case MsgCreate:
		return decodeCreateBody(b), nil
	case MsgDestroy:
		return DestroyBody{}, nil
	case MsgMap:
		return decodeMapBody(b), nil
	case MsgUnmap:
		return UnmapBody{}, nil
	case MsgConfigure:
		return decodeConfigureBody(b), nil
	case MsgShmImage:
		return decodeShmImageBody(b), nil
	case MsgWMName:
		return WMNameBody{Raw: b}, nil
	case MsgWMClass:
		return WMClassBody{Raw: b}, nil
	case MsgWindowHints:
		return decodeWindowHintsBody(b), nil
	case MsgWindowFlags:
		return decodeWindowFlagsBody(b), nil
	case MsgDock:
		return DockBody{}, nil
	case MsgCursor:
		return decodeCursorBody(b), nil
	case MsgKeyPress:
		return decodeKeyPressBody(b), nil
	case MsgButton:
		return decodeButtonBody(b), nil
	case MsgMotion:
		return decodeMotionBody(b), nil
	case MsgCrossing:
		return decodeCrossingBody(b), nil
	case MsgFocus:
		return decodeFocusBody(b), nil
	case MsgKeymapNotify:
		return decodeKeymapNotifyBody(b), nil
	case MsgClipboardReq:
		return ClipboardReqBody{}, nil
	case MsgClose:
		return CloseBody{}, nil
	case MsgXConf:
		return decodeXConfBody(b), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownType, t)
	}
}

func readMFNDump(r io.Reader, hdr Header) (Message, error) {
	sub := make([]byte, mfnDumpSubHeaderSize)
	if _, err := io.ReadFull(r, sub); err != nil {
		return Message{}, err
	}
	numPages := getU32(sub, 0)
	byteOffset := getU32(sub, 4)
	width := getU32(sub, 8)
	height := getU32(sub, 12)

	// Bound check BEFORE reading the array: a violating guest never gets
	// its MFN array parsed or its registry frame mutated.
	if numPages == 0 || numPages > MaxMFNCount {
		return Message{}, ErrMFNBound
	}
	if byteOffset >= PageSize {
		return Message{}, ErrMFNBound
	}
	// (4*w*h + off + PAGE-1) / PAGE exceeding num_pages is fatal.
	needed := (uint64(4)*uint64(width)*uint64(height) + uint64(byteOffset) + PageSize - 1) / PageSize
	if needed > uint64(numPages) {
		return Message{}, ErrMFNBound
	}

	refs := make([]uint32, numPages)
	raw := make([]byte, 4*numPages)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Message{}, err
	}
	for i := range refs {
		refs[i] = getU32(raw, 4*int(i))
	}
	return Message{Header: hdr, Body: MFNDumpBody{
		NumPages: numPages, ByteOffset: byteOffset, Width: width, Height: height, Refs: refs,
	}}, nil
}

func readWindowDump(r io.Reader, hdr Header) (Message, error) {
	sub := make([]byte, 4)
	if _, err := io.ReadFull(r, sub); err != nil {
		return Message{}, err
	}
	count := getU32(sub, 0)
	if count == 0 || count > MaxGrantCount {
		return Message{}, ErrGrantBound
	}
	raw := make([]byte, 4*count)
	if _, err := io.ReadFull(r, raw); err != nil {
		return Message{}, err
	}
	refs := make([]uint32, count)
	for i := range refs {
		refs[i] = getU32(raw, 4*int(i))
	}
	return Message{Header: hdr, Body: WindowDumpBody{Count: count, Refs: refs}}, nil
}

func readClipboardData(r io.Reader, hdr Header) (Message, error) {
	n := int(hdr.UntrustedLen)
	if n == 0 {
		// Back-compat with agent protocol < 1.2: length travels in Window.
		n = int(hdr.Window)
	}
	if n < 0 || n > MaxClipboardSize {
		return Message{}, ErrBodyTooLarge
	}
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return Message{}, err
		}
	}
	return Message{Header: hdr, Body: ClipboardDataBody{Data: buf}}, nil
}

func drain(r io.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := io.CopyN(io.Discard, r, int64(n))
	return err
}

// WriteMessage encodes header+body as a single coalesced write.
func WriteMessage(w io.Writer, t MsgType, window uint32, body Body) error {
	payload := body.encode()
	hdr := Header{Type: t, Window: window, UntrustedLen: uint32(len(payload))}
	buf := make([]byte, 0, HeaderSize+len(payload))
	buf = append(buf, hdr.encode()...)
	buf = append(buf, payload...)
	_, err := w.Write(buf)
	return err
}
