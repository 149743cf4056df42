// Package kermit implements the Kermit file transfer protocol.
//
// Kermit frames everything in printable-ASCII packets: MARK LEN SEQ TYPE
// DATA CHECK EOL. Control bytes are prefix-quoted, the eighth bit can be
// prefix-quoted for 7-bit channels, and runs of repeated bytes can be
// run-length encoded. Packet sizes, timeouts, quoting characters and the
// block-check type are all negotiated by the S/Y exchange that opens a
// session.
//
// Long packets (up to 9024 bytes) and streaming mode are supported when
// both sides advertise them. Sliding windows beyond size 1 are
// negotiated but transfers fall back to stop-and-wait.
package kermit

// MARK is the start-of-packet byte. 0x01 (Ctrl-A) by default; this
// implementation always transmits 0x01 and hunts for it on receive.
const MARK = 0x01

// Packet types.
const (
	// TypeSendInit opens a session and carries negotiation parameters.
	TypeSendInit = 'S'

	// TypeAck acknowledges a packet; the ack of an S packet carries the
	// responder's parameters.
	TypeAck = 'Y'

	// TypeNak requests retransmission of the expected sequence.
	TypeNak = 'N'

	// TypeFile announces the next file's name.
	TypeFile = 'F'

	// TypeAttributes carries file metadata (size, date, disposition).
	TypeAttributes = 'A'

	// TypeData carries file contents.
	TypeData = 'D'

	// TypeEOF ends the current file.
	TypeEOF = 'Z'

	// TypeBreak ends the batch.
	TypeBreak = 'B'

	// TypeError aborts the session, with a message in the data field.
	TypeError = 'E'
)

// Capability bits advertised in the CAPAS field.
const (
	// CapLongPackets advertises packets longer than 94 bytes.
	CapLongPackets = 0x02

	// CapSlidingWindows advertises windowed transfers.
	CapSlidingWindows = 0x04

	// CapAttributes advertises attribute packet support.
	CapAttributes = 0x08

	// CapResend advertises the RESEND recovery command.
	CapResend = 0x10

	// CapStreaming advertises un-acked data packets on reliable
	// channels.
	CapStreaming = 0x20
)

// seqModulo is the sequence-number wrap. Kermit sequence numbers run
// 0..63.
const seqModulo = 64

// maxShortData is the largest data field a short packet can carry:
// LEN encodes data+seq+type+check and tops out at 94.
const maxShortData = 94 - 2

// maxLongData is the conventional long-packet ceiling.
const maxLongData = 9024

// sendRetries caps retransmissions of a single packet.
const sendRetries = 10

// tochar maps a 0..94 value into printable ASCII.
func tochar(b byte) byte {
	return b + 32
}

// unchar undoes tochar.
func unchar(b byte) byte {
	return b - 32
}

// ctl toggles the control bit: ctl('A')==0x01, ctl(0x01)=='A'.
func ctl(b byte) byte {
	return b ^ 0x40
}

// isControl reports whether b is a control byte needing quoting:
// below 0x20 or DEL.
func isControl(b byte) bool {
	b &= 0x7F
	return b < 0x20 || b == 0x7F
}

func nextSeq(seq int) int {
	return (seq + 1) % seqModulo
}
