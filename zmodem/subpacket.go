package zmodem

import (
	"github.com/drunlade/go-serialxfer/xfer"
)

// Data subpackets follow ZSINIT, ZFILE, ZDATA and ZCOMMAND headers: an
// escaped payload, a ZDLE terminator (ZCRCE/G/Q/W), then the CRC. The
// CRC covers the payload plus the terminator byte itself - a documented
// oddity of the protocol that both ends must honor. CRC size follows the
// owning header's encoding; the 32-bit CRC travels little-endian.

// sendSubpacket transmits one subpacket ending in term.
func (s *Session) sendSubpacket(data []byte, term byte) error {
	if s.State() == xfer.StateAbort {
		return xfer.NewError(xfer.KindCancelled, "session aborted")
	}

	s.esc.write(data)
	s.esc.raw(ZDLE, term)

	if s.useCrc32 {
		crc := xfer.Crc32Update(xfer.Crc32Preset, data)
		crc = xfer.Crc32ByteUpdate(crc, term) ^ 0xFFFFFFFF
		s.esc.write([]byte{byte(crc), byte(crc >> 8), byte(crc >> 16), byte(crc >> 24)})
	} else {
		crc := xfer.Crc16(0, data)
		crc = xfer.Crc16Byte(crc, term)
		s.esc.write([]byte{byte(crc >> 8), byte(crc)})
	}

	if term == ZCRCW {
		// ZCRCW is followed by a literal XON.
		s.esc.raw(XON)
	}
	return s.esc.flush()
}

// readSubpacket reads one subpacket into a fresh buffer, returning the
// payload and the terminator that ended it. A CRC mismatch comes back
// as KindCRC with whatever data had accumulated; the caller answers
// with ZRPOS at its last good offset.
func (s *Session) readSubpacket() ([]byte, byte, error) {
	data := make([]byte, 0, blockSize)

	for {
		u, err := s.unesc.readByte()
		if err != nil {
			return data, 0, s.noteCancelled(err)
		}

		if u.term == 0 {
			if len(data) >= maxSubpacket {
				return data, 0, xfer.NewError(xfer.KindProtocol, "data subpacket too long")
			}
			data = append(data, u.b)
			continue
		}

		term := u.term

		crcLen := 2
		if s.rxCrc32 {
			crcLen = 4
		}
		crcBytes := make([]byte, crcLen)
		for i := range crcBytes {
			cu, err := s.unesc.readByte()
			if err != nil {
				return data, 0, s.noteCancelled(err)
			}
			if cu.term != 0 {
				return data, 0, xfer.NewError(xfer.KindProtocol, "terminator inside subpacket CRC")
			}
			crcBytes[i] = cu.b
		}

		if s.rxCrc32 {
			crc := xfer.Crc32Update(xfer.Crc32Preset, data)
			want := xfer.Crc32ByteUpdate(crc, term) ^ 0xFFFFFFFF
			got := uint32(crcBytes[0]) | uint32(crcBytes[1])<<8 |
				uint32(crcBytes[2])<<16 | uint32(crcBytes[3])<<24
			if want != got {
				return data, 0, xfer.NewError(xfer.KindCRC, "subpacket CRC-32 mismatch")
			}
		} else {
			crc := xfer.Crc16(0, data)
			want := xfer.Crc16Byte(crc, term)
			got := uint16(crcBytes[0])<<8 | uint16(crcBytes[1])
			if want != got {
				return data, 0, xfer.NewError(xfer.KindCRC, "subpacket CRC-16 mismatch")
			}
		}

		return data, term, nil
	}
}
