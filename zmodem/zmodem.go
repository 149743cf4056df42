// Package zmodem implements the Zmodem file transfer protocol.
//
// Zmodem frames everything in 5-byte headers (a type byte plus four data
// bytes) carried in one of three encodings: hex for negotiation, binary
// with a 16-bit CRC, or binary with a 32-bit CRC. Headers that announce
// data (ZSINIT, ZFILE, ZDATA, ZCOMMAND) are followed by escaped data
// subpackets terminated by one of the ZCRCE/G/Q/W control bytes; the
// subpacket CRC covers the payload plus that terminator.
//
// Transfers stream: the sender pushes ZCRCG subpackets without waiting
// and the receiver interrupts with ZRPOS when a CRC fails, after which
// the sender seeks back and resumes. Five consecutive Ctrl-X bytes abort
// the session from any state.
package zmodem

// Frame format indicators.
const (
	// ZPAD is the padding character that begins frames
	ZPAD = '*'

	// ZDLE is the Zmodem escape character (Ctrl-X)
	ZDLE = 0x18

	// ZBIN indicates a binary frame with 16-bit CRC
	ZBIN = 'A'

	// ZHEX indicates a hex-encoded frame
	ZHEX = 'B'

	// ZBIN32 indicates a binary frame with 32-bit CRC
	ZBIN32 = 'C'
)

// Type identifies a Zmodem header. The decoder returns exactly one of
// these; the state machines switch over them exhaustively.
type Type int

// Header types.
const (
	ZRQINIT    Type = iota // Request receive init
	ZRINIT                 // Receive init
	ZSINIT                 // Send init sequence (optional)
	ZACK                   // ACK to above
	ZFILE                  // File name from sender
	ZSKIP                  // To sender: skip this file
	ZNAK                   // Last packet was garbled
	ZABORT                 // Abort batch transfers
	ZFIN                   // Finish session
	ZRPOS                  // Resume data trans at this position
	ZDATA                  // Data packet(s) follow
	ZEOF                   // End of file
	ZFERR                  // Fatal read or write error detected
	ZCRC                   // Request for file CRC and response
	ZCHALLENGE             // Receiver's challenge
	ZCOMPL                 // Request is complete
	ZCAN                   // Other end cancelled session with CAN*5
	ZFREECNT               // Request for free bytes on filesystem
	ZCOMMAND               // Command from sending program
	ZSTDERR                // Output to standard error, data follows
)

// typeNames provides human-readable names for header types.
var typeNames = []string{
	"ZRQINIT",
	"ZRINIT",
	"ZSINIT",
	"ZACK",
	"ZFILE",
	"ZSKIP",
	"ZNAK",
	"ZABORT",
	"ZFIN",
	"ZRPOS",
	"ZDATA",
	"ZEOF",
	"ZFERR",
	"ZCRC",
	"ZCHALLENGE",
	"ZCOMPL",
	"ZCAN",
	"ZFREECNT",
	"ZCOMMAND",
	"ZSTDERR",
}

func (t Type) String() string {
	if t < 0 || int(t) >= len(typeNames) {
		return "UNKNOWN"
	}
	return typeNames[t]
}

// ZDLE follow bytes.
const (
	// ZCRCE - CRC next, frame ends, header packet follows
	ZCRCE = 'h'

	// ZCRCG - CRC next, frame continues nonstop
	ZCRCG = 'i'

	// ZCRCQ - CRC next, frame continues, ZACK expected
	ZCRCQ = 'j'

	// ZCRCW - CRC next, ZACK expected, end of frame
	ZCRCW = 'k'

	// ZRUB0 - translate to 0x7F
	ZRUB0 = 'l'

	// ZRUB1 - translate to 0xFF
	ZRUB1 = 'm'
)

// Bit masks for the ZRINIT capability flags.
const (
	CANFDX  = 0x01 // Rx can send and receive true FDX
	CANOVIO = 0x02 // Rx can receive data during disk I/O
	CANBRK  = 0x04 // Rx can send a break signal
	CANCRY  = 0x08 // Receiver can decrypt
	CANLZW  = 0x10 // Receiver can uncompress
	CANFC32 = 0x20 // Receiver can use 32 bit frame check
	ESCCTL  = 0x40 // Receiver expects ctl chars to be escaped
	ESC8    = 0x80 // Receiver expects 8th bit to be escaped
)

// Bit masks for the ZSINIT flags.
const (
	TESCCTL = 0x40 // Transmitter expects ctl chars to be escaped
	TESC8   = 0x80 // Transmitter expects 8th bit to be escaped
)

// ZFILE conversion options (low byte of the data field).
const (
	ZCBIN   = 1 // Binary transfer - inhibit conversion
	ZCNL    = 2 // Convert NL to local end of line convention
	ZCRESUM = 3 // Resume interrupted file transfer
)

// Ward Christensen / CP/M control bytes.
const (
	CAN  = 0x18
	XON  = 0x11
	XOFF = 0x13
	CR   = 0x0D
	LF   = 0x0A
)

// ZATTNLEN is the maximum length of the attention string.
const ZATTNLEN = 32

// maxSubpacket is the largest data subpacket either side will handle.
const maxSubpacket = 8192

// blockSize is the data subpacket size this implementation sends.
const blockSize = 1024
