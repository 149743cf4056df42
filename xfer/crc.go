package xfer

import (
	"hash/crc32"

	"github.com/sigurn/crc16"
)

// Checksum and CRC primitives shared by Xmodem, Ymodem and Zmodem; Kermit
// keeps its own block checks in the kermit package. The CRC-16 is the
// XMODEM polynomial (0x1021, MSB-first, zero seed) and must produce
// bit-exact results against rzsz; the CRC-32 is the reflected
// IEEE 802.3 polynomial with Colin Plumb's preset-to-all-ones, invert-on-
// finalize convention as used by Zmodem.

const (
	// Crc32Preset is the all-ones starting value of a running CRC-32.
	Crc32Preset = 0xFFFFFFFF

	// Crc32Residual is the value of a running (non-finalized) CRC-32
	// after it has consumed a message plus that message's own CRC
	// serialized little-endian and inverted.
	Crc32Residual = 0xDEBB20E3

	// Crc32Check is the finalized form of Crc32Residual, 0x2144DF1C.
	Crc32Check = ^uint32(Crc32Residual)
)

var (
	crc16Table = crc16.MakeTable(crc16.CRC16_XMODEM)
	crc32Table = crc32.MakeTable(crc32.IEEE)
)

// Checksum8 returns the sum of all bytes in buf, modulo 256.
func Checksum8(buf []byte) byte {
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return sum
}

// Crc16 computes the XMODEM CRC-16 of buf, continuing from crc. The seed
// is typically 0.
func Crc16(crc uint16, buf []byte) uint16 {
	return crc16.Update(crc, buf, crc16Table)
}

// Crc16Byte advances a running CRC-16 by a single byte.
func Crc16Byte(crc uint16, b byte) uint16 {
	return crc16.Update(crc, []byte{b}, crc16Table)
}

// Crc32Update advances a raw (non-inverted) CRC-32 accumulator over buf.
// Start the accumulator at Crc32Preset. hash/crc32 folds the preset and
// final inversion into every call, so they are undone here to expose the
// raw register Zmodem compares against Crc32Residual.
func Crc32Update(crc uint32, buf []byte) uint32 {
	return ^crc32.Update(^crc, crc32Table, buf)
}

// Crc32ByteUpdate advances a raw CRC-32 accumulator by a single byte.
func Crc32ByteUpdate(crc uint32, b byte) uint32 {
	return Crc32Update(crc, []byte{b})
}

// Crc32 computes a finalized CRC-32 of buf, continuing from old.
//
// Calling with an empty buffer returns the preset value Crc32Preset;
// calling with data returns the accumulated register inverted. This
// matches the Plumb reference code Zmodem implementations share.
func Crc32(old uint32, buf []byte) uint32 {
	if len(buf) == 0 {
		return Crc32Preset
	}
	return Crc32Update(old, buf) ^ 0xFFFFFFFF
}
