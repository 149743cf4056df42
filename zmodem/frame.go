package zmodem

import (
	"github.com/drunlade/go-serialxfer/xfer"
)

// Header framing: encode to hex or binary, and the receive-side hunt
// that locks onto the next header in the byte stream.

// maxGarbage bounds how much line noise the header hunt tolerates
// before giving up.
const maxGarbage = 8192

// sendHexHeader transmits h in the hex encoding:
// ZPAD ZPAD ZDLE 'B' <10 hex> <4 hex CRC16> CR LF|0x80 [XON].
func (s *Session) sendHexHeader(h Header) error {
	raw := h.wireBytes()

	frame := make([]byte, 0, 24)
	frame = append(frame, ZPAD, ZPAD, ZDLE, ZHEX)
	frame = append(frame, xfer.ToHex(raw[:])...)

	crc := xfer.Crc16(0, raw[:])
	frame = append(frame, xfer.ToHex([]byte{byte(crc >> 8), byte(crc)})...)

	// lrzsz sets the high bit on the LF; match it.
	frame = append(frame, CR, LF|0x80)

	// XON uncorks the remote; ZFIN and ZACK frames go without it.
	if h.Type != ZFIN && h.Type != ZACK {
		frame = append(frame, XON)
	}

	return s.writeFrame(h, frame)
}

// sendBinHeader transmits h in the binary encoding, 32-bit CRC when the
// session negotiated it: ZPAD ZDLE [A|C] <escaped type+data> <escaped CRC>.
func (s *Session) sendBinHeader(h Header) error {
	raw := h.wireBytes()

	s.esc.raw(ZPAD, ZDLE)
	if s.useCrc32 {
		s.esc.raw(ZBIN32)
		s.esc.write(raw[:])
		crc := xfer.Crc32(xfer.Crc32Preset, raw[:])
		s.esc.write([]byte{byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24)})
	} else {
		s.esc.raw(ZBIN)
		s.esc.write(raw[:])
		crc := xfer.Crc16(0, raw[:])
		s.esc.write([]byte{byte(crc >> 8), byte(crc)})
	}

	frame := make([]byte, len(s.esc.buf))
	copy(frame, s.esc.buf)
	s.esc.buf = s.esc.buf[:0]
	return s.writeFrame(h, frame)
}

// writeFrame pushes a finished frame, remembering it for resend-on-
// timeout recovery. A session in StateAbort emits nothing further.
func (s *Session) writeFrame(h Header, frame []byte) error {
	if s.State() == xfer.StateAbort {
		return xfer.NewError(xfer.KindCancelled, "session aborted")
	}
	s.lastHeader = h
	s.lastFrame = frame
	if _, err := s.writer.Write(frame); err != nil {
		return xfer.Errorf(xfer.KindIO, "send %s: %v", h.Type, err)
	}
	s.Logger.Debug("zmodem sent %s data=%08x", h.Type, h.Data)
	return nil
}

// resendLastHeader retransmits the last header verbatim. Timeout
// recovery per the protocol: resend and hope the other side answers.
func (s *Session) resendLastHeader() error {
	if s.lastFrame == nil {
		return nil
	}
	if s.State() == xfer.StateAbort {
		return xfer.NewError(xfer.KindCancelled, "session aborted")
	}
	if _, err := s.writer.Write(s.lastFrame); err != nil {
		return xfer.Errorf(xfer.KindIO, "resend %s: %v", s.lastHeader.Type, err)
	}
	return nil
}

// readHeader hunts for the next header in any of the three encodings.
// Errors: KindTimeout when the line goes quiet, KindCRC for a mangled
// header, KindCancelled when the Ctrl-X counter fires, KindProtocol
// when the garbage bound is exceeded.
func (s *Session) readHeader() (Header, error) {
	garbage := 0

	for {
		b, err := s.reader.ReadByte()
		if err != nil {
			return Header{}, s.noteCancelled(err)
		}

		if b != ZPAD {
			garbage++
			if garbage > maxGarbage {
				return Header{}, xfer.NewError(xfer.KindProtocol, "garbage count exceeded hunting for header")
			}
			continue
		}

		// Swallow extra ZPADs, then require ZDLE.
		c, err := s.reader.ReadByte()
		if err != nil {
			return Header{}, s.noteCancelled(err)
		}
		for c == ZPAD {
			c, err = s.reader.ReadByte()
			if err != nil {
				return Header{}, s.noteCancelled(err)
			}
		}
		if c != ZDLE {
			garbage++
			continue
		}

		format, err := s.reader.ReadByte()
		if err != nil {
			return Header{}, s.noteCancelled(err)
		}

		switch format {
		case ZHEX:
			h, err := s.readHexHeader()
			if err != nil {
				return Header{}, err
			}
			s.Logger.Debug("zmodem got %s data=%08x (hex)", h.Type, h.Data)
			return h, nil
		case ZBIN:
			h, err := s.readBinHeader(false)
			if err != nil {
				return Header{}, err
			}
			s.rxCrc32 = false
			s.Logger.Debug("zmodem got %s data=%08x (bin16)", h.Type, h.Data)
			return h, nil
		case ZBIN32:
			h, err := s.readBinHeader(true)
			if err != nil {
				return Header{}, err
			}
			s.rxCrc32 = true
			s.Logger.Debug("zmodem got %s data=%08x (bin32)", h.Type, h.Data)
			return h, nil
		default:
			garbage++
			continue
		}
	}
}

// readHexHeader decodes the rest of a hex header after ZDLE 'B'.
func (s *Session) readHexHeader() (Header, error) {
	body, err := xfer.FromHex(s.reader, 10)
	if err != nil {
		return Header{}, s.noteCancelled(err)
	}
	crcBytes, err := xfer.FromHex(s.reader, 4)
	if err != nil {
		return Header{}, s.noteCancelled(err)
	}

	want := xfer.Crc16(0, body)
	got := uint16(crcBytes[0])<<8 | uint16(crcBytes[1])
	if want != got {
		return Header{}, xfer.NewError(xfer.KindCRC, "hex header CRC mismatch")
	}

	// Trailing CR LF (the LF usually with its high bit set).
	for i := 0; i < 2; i++ {
		if _, err := s.reader.ReadByte(); err != nil {
			return Header{}, s.noteCancelled(err)
		}
	}

	var raw [5]byte
	copy(raw[:], body)
	return headerFromWire(raw), nil
}

// readBinHeader decodes the rest of a binary header after ZDLE 'A'/'C'.
func (s *Session) readBinHeader(crc32 bool) (Header, error) {
	var raw [5]byte
	for i := range raw {
		u, err := s.unesc.readByte()
		if err != nil {
			return Header{}, s.noteCancelled(err)
		}
		if u.term != 0 {
			return Header{}, xfer.NewError(xfer.KindProtocol, "terminator inside binary header")
		}
		raw[i] = u.b
	}

	crcLen := 2
	if crc32 {
		crcLen = 4
	}
	crcBytes := make([]byte, crcLen)
	for i := range crcBytes {
		u, err := s.unesc.readByte()
		if err != nil {
			return Header{}, s.noteCancelled(err)
		}
		if u.term != 0 {
			return Header{}, xfer.NewError(xfer.KindProtocol, "terminator inside binary header")
		}
		crcBytes[i] = u.b
	}

	if crc32 {
		want := xfer.Crc32(xfer.Crc32Preset, raw[:])
		got := uint32(crcBytes[0]) | uint32(crcBytes[1])<<8 |
			uint32(crcBytes[2])<<16 | uint32(crcBytes[3])<<24
		if want != got {
			return Header{}, xfer.NewError(xfer.KindCRC, "binary header CRC-32 mismatch")
		}
	} else {
		want := xfer.Crc16(0, raw[:])
		got := uint16(crcBytes[0])<<8 | uint16(crcBytes[1])
		if want != got {
			return Header{}, xfer.NewError(xfer.KindCRC, "binary header CRC-16 mismatch")
		}
	}

	return headerFromWire(raw), nil
}

// noteCancelled records the remote abort when the Ctrl-X counter fired.
func (s *Session) noteCancelled(err error) error {
	if xfer.IsCancelled(err) {
		s.AddErrorMessage("transfer cancelled by remote")
		s.SetState(xfer.StateAbort)
	}
	return err
}
