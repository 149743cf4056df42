// Package xmodem implements the Xmodem file transfer protocol.
//
// All five classic variants are supported: vanilla (128-byte blocks with
// an additive checksum), relaxed (vanilla with a 100-second timeout),
// Xmodem/CRC, Xmodem-1K, and Xmodem-1K/G streaming. Xmodem moves exactly
// one file per session and carries no metadata, so received files are
// padded to a block boundary with CP/M EOF bytes; the receiver trims
// those afterwards.
package xmodem

import (
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Protocol control bytes from XMODEM.DOC.
const (
	// SOH flags a 128-byte block
	SOH = 0x01

	// STX flags a 1024-byte block
	STX = 0x02

	// EOT ends the transfer
	EOT = 0x04

	// ACK acknowledges a good block
	ACK = 0x06

	// NAK requests a block repeat, and doubles as the checksum-mode NCG
	NAK = 0x15

	// CAN forcefully terminates the transfer
	CAN = 0x18

	// CPMEOF pads the final short block
	CPMEOF = 0x1A

	// WantCRC is the NCG byte requesting CRC mode ('C')
	WantCRC = 0x43

	// WantG is the NCG byte requesting streaming 1K/G mode ('G')
	WantG = 0x47
)

// sendRetries is how many times a block or EOT is retried before the
// transfer is abandoned.
const sendRetries = 10

// Flavor selects the Xmodem variant.
type Flavor = xfer.XmodemFlavor

const (
	Vanilla = xfer.XmodemVanilla
	Relaxed = xfer.XmodemRelaxed
	CRC     = xfer.XmodemCRC
	X1K     = xfer.Xmodem1K
	X1KG    = xfer.Xmodem1KG
)

// FlavorName returns the protocol name for a flavor.
func FlavorName(f Flavor) string {
	switch f {
	case Vanilla:
		return "Xmodem"
	case Relaxed:
		return "Xmodem Relaxed"
	case CRC:
		return "Xmodem/CRC"
	case X1K:
		return "Xmodem-1K"
	case X1KG:
		return "Xmodem-1K/G"
	default:
		return "Xmodem"
	}
}

// BlockSize returns the data block size for a flavor.
func BlockSize(f Flavor) int {
	if f == X1K || f == X1KG {
		return 1024
	}
	return 128
}

// UsesCRC reports whether a flavor uses the 16-bit CRC rather than the
// additive checksum.
func UsesCRC(f Flavor) bool {
	return f != Vanilla && f != Relaxed
}

// Timeout returns the per-read deadline for a flavor.
func Timeout(f Flavor) time.Duration {
	if f == Relaxed {
		return 100 * time.Second
	}
	return 10 * time.Second
}

// NCG returns the start byte the receiver sends to kick off the
// transfer: NAK for checksum mode, 'C' for CRC, 'G' for streaming.
func NCG(f Flavor) byte {
	switch f {
	case CRC, X1K:
		return WantCRC
	case X1KG:
		return WantG
	default:
		return NAK
	}
}
