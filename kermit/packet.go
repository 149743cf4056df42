package kermit

import (
	"github.com/drunlade/go-serialxfer/xfer"
)

// Packet is one decoded Kermit packet. Data holds the wire-encoded data
// field; callers run decodeData over it when it carries file contents.
type Packet struct {
	// Type is the packet type letter: S, Y, N, F, A, D, Z, B, E.
	Type byte

	// Seq is the sequence number, 0..63.
	Seq int

	// Data is the data field, still prefix-encoded.
	Data []byte
}

// framePacket renders a packet onto the wire under the given parameters:
//
//	MARK LEN SEQ TYPE DATA CHECK EOL             (short)
//	MARK ' ' SEQ TYPE LENX1 LENX2 HCHECK DATA CHECK EOL  (long)
//
// The block check covers everything between MARK and the check. Long
// packets additionally carry a type-1 check over their header fields so
// a corrupted length cannot run the reader off the rails.
func framePacket(p Packet, params Params) []byte {
	nchk := checkLength(params.Check)
	useLong := params.longPackets() && len(p.Data)+nchk+2 > 94

	out := make([]byte, 0, len(p.Data)+16)
	for i := 0; i < params.NPad; i++ {
		out = append(out, params.PadChar)
	}
	out = append(out, MARK)

	if useLong {
		ext := len(p.Data) + nchk
		out = append(out,
			tochar(0),
			tochar(byte(p.Seq)),
			p.Type,
			tochar(byte(ext/95)),
			tochar(byte(ext%95)),
		)
		// Header check over LEN SEQ TYPE LENX1 LENX2.
		hdr := out[len(out)-5:]
		out = append(out, computeCheck(1, hdr)...)
	} else {
		out = append(out,
			tochar(byte(len(p.Data)+nchk+2)),
			tochar(byte(p.Seq)),
			p.Type,
		)
	}

	out = append(out, p.Data...)
	body := out[params.NPad+1:]
	out = append(out, computeCheck(params.Check, body)...)
	out = append(out, tochar(params.EOL))
	return out
}

// readPacket hunts for the next MARK and decodes one packet under the
// given parameters. A check mismatch comes back as a KindCRC error, a
// malformed frame as KindProtocol; both leave the reader positioned to
// hunt for the next MARK.
func readPacket(r *xfer.TimeoutReader, params Params) (Packet, error) {
	// Hunt for start of packet, skipping EOL marks, padding and noise.
	for {
		b, err := r.ReadByte()
		if err != nil {
			return Packet{}, err
		}
		if b == MARK {
			break
		}
	}

	lenChar, err := r.ReadByte()
	if err != nil {
		return Packet{}, err
	}
	seqChar, err := r.ReadByte()
	if err != nil {
		return Packet{}, err
	}
	typeChar, err := r.ReadByte()
	if err != nil {
		return Packet{}, err
	}

	nchk := checkLength(params.Check)
	body := []byte{lenChar, seqChar, typeChar}

	var dataLen int
	if unchar(lenChar) == 0 {
		// Long packet: extended length plus its own header check.
		var ext [3]byte
		if _, err := r.Read(ext[:]); err != nil {
			return Packet{}, err
		}
		body = append(body, ext[0], ext[1])
		want := computeCheck(1, body)
		if ext[2] != want[0] {
			return Packet{}, xfer.NewError(xfer.KindCRC, "long packet header check mismatch")
		}
		body = append(body, ext[2])
		dataLen = int(unchar(ext[0]))*95 + int(unchar(ext[1])) - nchk
	} else {
		dataLen = int(unchar(lenChar)) - 2 - nchk
	}
	if dataLen < 0 || dataLen > maxLongData {
		return Packet{}, xfer.Errorf(xfer.KindProtocol, "implausible packet length %d", dataLen)
	}

	data := make([]byte, dataLen)
	if _, err := r.Read(data); err != nil {
		return Packet{}, err
	}
	body = append(body, data...)

	given := make([]byte, nchk)
	if _, err := r.Read(given); err != nil {
		return Packet{}, err
	}

	want := computeCheck(params.Check, body)
	for i := range want {
		if want[i] != given[i] {
			return Packet{}, xfer.NewError(xfer.KindCRC, "block check mismatch")
		}
	}

	return Packet{
		Type: typeChar,
		Seq:  int(unchar(seqChar)),
		Data: data,
	}, nil
}
