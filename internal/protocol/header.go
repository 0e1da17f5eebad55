package protocol

import "encoding/binary"

// Header is the fixed 12-byte prefix of every message:
// {type: u32, window: u32, untrusted_len: u32}, host-native (here, always
// little-endian — the supported deployment shares endianness end to
// end).
type Header struct {
	Type         MsgType
	Window       uint32
	UntrustedLen uint32
}

func (h Header) encode() []byte {
	b := make([]byte, HeaderSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(h.Type))
	binary.LittleEndian.PutUint32(b[4:8], h.Window)
	binary.LittleEndian.PutUint32(b[8:12], h.UntrustedLen)
	return b
}

func decodeHeader(b []byte) Header {
	return Header{
		Type:         MsgType(binary.LittleEndian.Uint32(b[0:4])),
		Window:       binary.LittleEndian.Uint32(b[4:8]),
		UntrustedLen: binary.LittleEndian.Uint32(b[8:12]),
	}
}
