package zmodem

import (
	"io"

	"github.com/drunlade/go-serialxfer/xfer"
)

// ZDLE escaping. The sender runs every payload byte through a 256-entry
// map deciding whether it travels bare or as ZDLE plus a transformed
// follow byte. The map belongs to the session and is rebuilt, together
// with the escape flags, whenever negotiation changes them.

// encodeEntry is one slot of the encode map.
type encodeEntry struct {
	escaped bool
	value   byte
}

// buildEncodeMap computes the encode map for the given escape policy:
//
//   - CAN, XON, XOFF and the high-bit twins of XON/XOFF are always
//     escaped, as are the 8-bit control bytes 0x80..0x9F.
//   - 0x7F and 0xFF are always escaped, as ZRUB0 ('l') and ZRUB1 ('m').
//   - The remaining bytes below 0x20 are escaped only when
//     escapeControl is set.
//   - The remaining bytes with the high bit set are escaped only when
//     escape8Bit is set.
func buildEncodeMap(escapeControl, escape8Bit bool) [256]encodeEntry {
	var m [256]encodeEntry
	for ch := 0; ch < 256; ch++ {
		b := byte(ch)

		escape := false
		switch b {
		case CAN, XON, XOFF, XON | 0x80, XOFF | 0x80:
			escape = true
		case 0x7F:
			m[ch] = encodeEntry{escaped: true, value: ZRUB0}
			continue
		case 0xFF:
			m[ch] = encodeEntry{escaped: true, value: ZRUB1}
			continue
		default:
			switch {
			case b < 0x20 && escapeControl:
				escape = true
			case b >= 0x80 && b < 0xA0:
				escape = true
			case b&0x80 != 0 && escape8Bit:
				escape = true
			}
		}

		if escape {
			m[ch] = encodeEntry{escaped: true, value: b ^ 0x40}
		} else {
			m[ch] = encodeEntry{value: b}
		}
	}
	return m
}

// escaper writes ZDLE-escaped bytes through the session's encode map.
type escaper struct {
	w io.Writer
	m *[256]encodeEntry

	// buf batches output so every escaped byte does not cost a write
	// syscall.
	buf []byte
}

func newEscaper(w io.Writer, m *[256]encodeEntry) *escaper {
	return &escaper{w: w, m: m, buf: make([]byte, 0, 2*blockSize)}
}

// writeByte appends one payload byte, escaped as the map dictates.
func (e *escaper) writeByte(b byte) {
	entry := e.m[b]
	if entry.escaped {
		e.buf = append(e.buf, ZDLE)
	}
	e.buf = append(e.buf, entry.value)
}

// write appends a payload slice.
func (e *escaper) write(p []byte) {
	for _, b := range p {
		e.writeByte(b)
	}
}

// raw appends unescaped wire bytes (frame markers, terminators).
func (e *escaper) raw(p ...byte) {
	e.buf = append(e.buf, p...)
}

// flush pushes the batched bytes to the underlying writer.
func (e *escaper) flush() error {
	if len(e.buf) == 0 {
		return nil
	}
	_, err := e.w.Write(e.buf)
	e.buf = e.buf[:0]
	if err != nil {
		return xfer.Errorf(xfer.KindIO, "write: %v", err)
	}
	return nil
}

// unescaped is the tagged result of reading one escaped wire unit: a
// payload byte, or a subpacket terminator.
type unescaped struct {
	// term is ZCRCE/G/Q/W when a ZDLE terminator sequence was read,
	// zero for an ordinary byte.
	term byte

	// b is the payload byte when term is zero.
	b byte
}

// unescaper decodes ZDLE-escaped bytes. Flow-control bytes are eaten;
// the Ctrl-X cancel counter lives in the TimeoutReader underneath.
type unescaper struct {
	r *xfer.TimeoutReader
}

func newUnescaper(r *xfer.TimeoutReader) *unescaper {
	return &unescaper{r: r}
}

// readByte decodes the next unit.
func (u *unescaper) readByte() (unescaped, error) {
	for {
		c, err := u.r.ReadByte()
		if err != nil {
			return unescaped{}, err
		}

		switch c {
		case XON, XOFF, XON | 0x80, XOFF | 0x80:
			// Flow control noise; skip.
			continue
		case ZDLE:
			return u.readEscape()
		default:
			return unescaped{b: c}, nil
		}
	}
}

// readEscape decodes the byte(s) after a ZDLE.
func (u *unescaper) readEscape() (unescaped, error) {
	for {
		c, err := u.r.ReadByte()
		if err != nil {
			return unescaped{}, err
		}

		switch c {
		case ZCRCE, ZCRCG, ZCRCQ, ZCRCW:
			return unescaped{term: c}, nil
		case ZRUB0:
			return unescaped{b: 0x7F}, nil
		case ZRUB1:
			return unescaped{b: 0xFF}, nil
		case XON, XOFF:
			// The high-bit twins are not skipped here: with escape8Bit,
			// 0xD1 and 0xD3 travel as ZDLE 0x91 and ZDLE 0x93.
			continue
		default:
			// Escaped control bytes land in 0x40..0x5F or 0xC0..0xDF;
			// escaped 8-bit bytes keep their high bit.
			if c&0x60 == 0x40 || c&0x80 != 0 {
				return unescaped{b: c ^ 0x40}, nil
			}
			return unescaped{}, xfer.Errorf(xfer.KindEncoding, "bad escape sequence 0x%02x", c)
		}
	}
}
