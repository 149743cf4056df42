package zmodem

// Header is one decoded Zmodem header: a type plus the 32-bit data
// field. The data field carries either a file position or four flag
// bytes, depending on the type.
type Header struct {
	Type Type

	// Data is the logical 32-bit value. Flag bytes live in the low
	// byte (ZF0) through high byte (ZF3); positions are plain numbers.
	Data uint32
}

// littleEndianData reports whether a header type carries its data field
// in little-endian byte order. Everything else is big-endian; both
// encoder and decoder flip accordingly.
func littleEndianData(t Type) bool {
	switch t {
	case ZRPOS, ZEOF, ZCRC, ZCOMPL, ZFREECNT, ZSINIT, ZDATA:
		return true
	}
	return false
}

// wireBytes returns the five on-the-wire header bytes: type, then the
// data field in the type's byte order.
func (h Header) wireBytes() [5]byte {
	var out [5]byte
	out[0] = byte(h.Type)
	if littleEndianData(h.Type) {
		out[1] = byte(h.Data)
		out[2] = byte(h.Data >> 8)
		out[3] = byte(h.Data >> 16)
		out[4] = byte(h.Data >> 24)
	} else {
		out[1] = byte(h.Data >> 24)
		out[2] = byte(h.Data >> 16)
		out[3] = byte(h.Data >> 8)
		out[4] = byte(h.Data)
	}
	return out
}

// headerFromWire rebuilds a header from its five wire bytes.
func headerFromWire(raw [5]byte) Header {
	t := Type(raw[0])
	var data uint32
	if littleEndianData(t) {
		data = uint32(raw[1]) | uint32(raw[2])<<8 | uint32(raw[3])<<16 | uint32(raw[4])<<24
	} else {
		data = uint32(raw[1])<<24 | uint32(raw[2])<<16 | uint32(raw[3])<<8 | uint32(raw[4])
	}
	return Header{Type: t, Data: data}
}

// Flags returns the low flag byte (ZF0) of the data field.
func (h Header) Flags() byte {
	return byte(h.Data)
}

// Position returns the data field as a file offset.
func (h Header) Position() int64 {
	return int64(h.Data)
}

// positionHeader builds a header carrying a file offset.
func positionHeader(t Type, pos int64) Header {
	return Header{Type: t, Data: uint32(pos)}
}

// flagsHeader builds a header carrying flag bytes, ZF0 in the low byte.
func flagsHeader(t Type, zf0 byte) Header {
	return Header{Type: t, Data: uint32(zf0)}
}
