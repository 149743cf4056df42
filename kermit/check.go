package kermit

import (
	"github.com/sigurn/crc16"
)

// Block-check computation. Three types are negotiated in the S/Y
// exchange:
//
//	1 - one char, the 8-bit sum folded to 6 bits
//	2 - two chars, a 12-bit sum
//	3 - three chars, the CRC-CCITT (Kermit variant: 0x1021 reflected,
//	    zero seed)
//
// Every check covers the packet bytes between the MARK and the check
// itself.

// kermitCrcTable is the reflected CRC-CCITT table C-Kermit uses for
// block check 3.
var kermitCrcTable = crc16.MakeTable(crc16.CRC16_KERMIT)

// checkLength returns the number of check characters for a check type.
func checkLength(checkType int) int {
	switch checkType {
	case 2:
		return 2
	case 3:
		return 3
	default:
		return 1
	}
}

// computeCheck returns the check characters for body under the given
// check type.
func computeCheck(checkType int, body []byte) []byte {
	switch checkType {
	case 2:
		var sum int
		for _, b := range body {
			sum += int(b)
		}
		sum &= 0x0FFF
		return []byte{
			tochar(byte((sum >> 6) & 0x3F)),
			tochar(byte(sum & 0x3F)),
		}
	case 3:
		crc := crc16.Update(0, body, kermitCrcTable)
		return []byte{
			tochar(byte((crc >> 12) & 0x0F)),
			tochar(byte((crc >> 6) & 0x3F)),
			tochar(byte(crc & 0x3F)),
		}
	default:
		var sum int
		for _, b := range body {
			sum += int(b)
		}
		// Fold the top two bits back in, then truncate to 6 bits.
		folded := (sum + ((sum & 0xC0) >> 6)) & 0x3F
		return []byte{tochar(byte(folded))}
	}
}
