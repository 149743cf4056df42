package xfer

import (
	"testing"
)

func TestChecksum8(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want byte
	}{
		{"empty", nil, 0},
		{"single", []byte{0x41}, 0x41},
		{"wraps", []byte{0xFF, 0x02}, 0x01},
		{"ascii", []byte("abcdef\n"), 0x5F}, // 0x25F truncated to a byte
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Checksum8(tt.data); got != tt.want {
				t.Errorf("Checksum8(%q) = %#02x, want %#02x", tt.data, got, tt.want)
			}
		})
	}
}

func TestCrc16KnownVectors(t *testing.T) {
	// Standard CRC-16/XMODEM check value.
	if got := Crc16(0, []byte("123456789")); got != 0x31C3 {
		t.Errorf("Crc16(123456789) = %#04x, want 0x31C3", got)
	}
	if got := Crc16(0, nil); got != 0 {
		t.Errorf("Crc16(empty) = %#04x, want 0", got)
	}
	// Byte-at-a-time must match the one-shot value.
	var crc uint16
	for _, b := range []byte("123456789") {
		crc = Crc16Byte(crc, b)
	}
	if crc != 0x31C3 {
		t.Errorf("incremental Crc16 = %#04x, want 0x31C3", crc)
	}
}

func TestCrc16AppendInvariant(t *testing.T) {
	// Appending the big-endian CRC to the message drives the register
	// to zero.
	msgs := [][]byte{
		[]byte("hello, world"),
		{0x00},
		{0xFF, 0xFE, 0xFD},
		[]byte("The quick brown fox jumps over the lazy dog"),
	}
	for _, msg := range msgs {
		crc := Crc16(0, msg)
		appended := append(append([]byte{}, msg...), byte(crc>>8), byte(crc))
		if got := Crc16(0, appended); got != 0 {
			t.Errorf("Crc16 of %q + own CRC = %#04x, want 0", msg, got)
		}
	}
}

func TestCrc32Preset(t *testing.T) {
	if got := Crc32(0, nil); got != Crc32Preset {
		t.Errorf("Crc32(empty) = %#08x, want %#08x", got, uint32(Crc32Preset))
	}
}

func TestCrc32KnownVector(t *testing.T) {
	// Standard CRC-32/IEEE check value, via the preset-and-invert
	// convention.
	if got := Crc32(Crc32Preset, []byte("123456789")); got != 0xCBF43926 {
		t.Errorf("Crc32(123456789) = %#08x, want 0xCBF43926", got)
	}
}

func TestCrc32Residual(t *testing.T) {
	// Appending the little-endian inverted CRC leaves the raw register
	// at the residual; finalized that is the fixed 0x2144DF1C.
	msgs := [][]byte{
		[]byte("hello, world"),
		{0x00},
		{0xAA, 0x55, 0xAA, 0x55},
		[]byte("123456789"),
	}
	for _, msg := range msgs {
		crc := Crc32(Crc32Preset, msg)
		appended := append(append([]byte{}, msg...),
			byte(crc), byte(crc>>8), byte(crc>>16), byte(crc>>24))

		raw := Crc32Update(Crc32Preset, appended)
		if raw != Crc32Residual {
			t.Errorf("raw register for %q = %#08x, want %#08x", msg, raw, uint32(Crc32Residual))
		}
		if raw^0xFFFFFFFF != Crc32Check {
			t.Errorf("finalized residual = %#08x, want %#08x", raw^0xFFFFFFFF, uint32(Crc32Check))
		}
	}
	if Crc32Check != 0x2144DF1C {
		t.Errorf("Crc32Check = %#08x, want 0x2144DF1C", uint32(Crc32Check))
	}
}

func TestCrc32Incremental(t *testing.T) {
	data := []byte("incremental crc32 data")
	oneShot := Crc32Update(Crc32Preset, data)

	crc := uint32(Crc32Preset)
	for _, b := range data {
		crc = Crc32ByteUpdate(crc, b)
	}
	if crc != oneShot {
		t.Errorf("incremental = %#08x, one-shot = %#08x", crc, oneShot)
	}
}
