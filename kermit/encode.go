package kermit

import (
	"github.com/drunlade/go-serialxfer/xfer"
)

// Data-field encoding: control-byte quoting, optional eighth-bit
// quoting, optional run-length encoding. The inverse of encodeData is
// decodeData for every parameter combination; transfers depend on that
// round trip bit for bit.

// encodeByte appends the encoded form of one byte under the active
// parameters.
func encodeByte(out []byte, b byte, p Params) []byte {
	if p.quoting8() && b&0x80 != 0 {
		out = append(out, p.QBin)
		b &= 0x7F
	}

	switch {
	case isControl(b):
		out = append(out, p.QCtl, ctl(b))
	case b == p.QCtl:
		out = append(out, p.QCtl, b)
	case p.quoting8() && b == p.QBin:
		out = append(out, p.QCtl, b)
	case p.repeating() && b == p.Rept:
		out = append(out, p.QCtl, b)
	default:
		out = append(out, b)
	}
	return out
}

// encodedLen returns how many wire bytes one data byte costs.
func encodedLen(b byte, p Params) int {
	n := 1
	if p.quoting8() && b&0x80 != 0 {
		n++
		b &= 0x7F
	}
	if isControl(b) || b == p.QCtl ||
		(p.quoting8() && b == p.QBin) ||
		(p.repeating() && b == p.Rept) {
		n++
	}
	return n
}

// encodeData encodes raw file bytes into a packet data field, consuming
// at most limit wire bytes. Returns the wire bytes and how many raw
// bytes were consumed.
func encodeData(raw []byte, limit int, p Params) (wire []byte, consumed int) {
	wire = make([]byte, 0, limit)

	for consumed < len(raw) {
		b := raw[consumed]

		// Run-length: a run of four or more identical bytes is cheaper
		// as REPT count byte.
		if p.repeating() {
			run := 1
			for consumed+run < len(raw) && raw[consumed+run] == b && run < 94 {
				run++
			}
			if run >= 4 {
				need := 2 + encodedLen(b, p)
				if len(wire)+need > limit {
					return wire, consumed
				}
				wire = append(wire, p.Rept, tochar(byte(run)))
				wire = encodeByte(wire, b, p)
				consumed += run
				continue
			}
		}

		if len(wire)+encodedLen(b, p) > limit {
			return wire, consumed
		}
		wire = encodeByte(wire, b, p)
		consumed++
	}
	return wire, consumed
}

// decodeData decodes a packet data field back into raw bytes.
func decodeData(wire []byte, p Params) ([]byte, error) {
	out := make([]byte, 0, len(wire))
	i := 0

	next := func() (byte, bool) {
		if i >= len(wire) {
			return 0, false
		}
		b := wire[i]
		i++
		return b, true
	}

	// decodeOne decodes a single logical byte starting at i.
	decodeOne := func() (byte, error) {
		var high byte

		c, ok := next()
		if !ok {
			return 0, xfer.NewError(xfer.KindEncoding, "truncated data field")
		}

		if p.quoting8() && c == p.QBin {
			high = 0x80
			c, ok = next()
			if !ok {
				return 0, xfer.NewError(xfer.KindEncoding, "dangling eighth-bit prefix")
			}
		}

		if c == p.QCtl {
			c, ok = next()
			if !ok {
				return 0, xfer.NewError(xfer.KindEncoding, "dangling control prefix")
			}
			if isControl(ctl(c)) {
				// A quoted control byte.
				c = ctl(c)
			}
			// Otherwise it is a quoted prefix character, literal as-is.
		}
		return c | high, nil
	}

	for i < len(wire) {
		if p.repeating() && wire[i] == p.Rept {
			i++
			countChar, ok := next()
			if !ok {
				return nil, xfer.NewError(xfer.KindEncoding, "dangling repeat prefix")
			}
			count := int(unchar(countChar))
			b, err := decodeOne()
			if err != nil {
				return nil, err
			}
			for j := 0; j < count; j++ {
				out = append(out, b)
			}
			continue
		}

		b, err := decodeOne()
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}
