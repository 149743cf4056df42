package kermit

import (
	"golang.org/x/exp/constraints"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Params is one side's transfer parameters, as carried in the data field
// of an S packet or its Y acknowledgement. Fields are positional on the
// wire: MAXL TIME NPAD PADC EOL QCTL QBIN CHKT REPT CAPAS WINDO MAXLX1
// MAXLX2. Trailing fields may be absent; absent fields keep their
// defaults.
type Params struct {
	// MaxLen is the largest short packet this side will accept, <= 94.
	MaxLen int

	// Timeout is the read deadline in seconds the peer should use.
	Timeout int

	// NPad counts pad characters wanted before each packet.
	NPad int

	// PadChar is the pad character.
	PadChar byte

	// EOL is the end-of-packet mark this side wants after each packet.
	EOL byte

	// QCtl is the control-quote prefix, '#' by default.
	QCtl byte

	// QBin is the eighth-bit quote: ' ' (none), 'Y' (will if asked),
	// 'N' (refuse), or the prefix character itself.
	QBin byte

	// Check is the block-check type, 1..3.
	Check int

	// Rept is the run-length prefix, '~' when offered, ' ' otherwise.
	Rept byte

	// Capas is the capability bitmask.
	Capas int

	// Window is the sliding-window size, 1..31.
	Window int

	// MaxLenX is the largest long packet this side will accept.
	MaxLenX int
}

// DefaultParams returns the parameters this implementation advertises
// for the given configuration.
func DefaultParams(cfg xfer.KermitConfig) Params {
	p := Params{
		MaxLen:  94,
		Timeout: 10,
		NPad:    0,
		PadChar: 0,
		EOL:     0x0D,
		QCtl:    '#',
		QBin:    'Y',
		Check:   3,
		Rept:    '~',
		Capas:   CapAttributes,
		Window:  1,
		MaxLenX: 0,
	}
	if cfg.LongPackets {
		p.Capas |= CapLongPackets
		p.MaxLenX = maxLongData
	}
	if cfg.WindowSize > 1 {
		p.Capas |= CapSlidingWindows
		p.Window = cfg.WindowSize
		if p.Window > 31 {
			p.Window = 31
		}
	}
	if cfg.Streaming {
		p.Capas |= CapStreaming
	}
	return p
}

// encode renders the positional parameter field.
func (p Params) encode() []byte {
	out := []byte{
		tochar(byte(p.MaxLen)),
		tochar(byte(p.Timeout)),
		tochar(byte(p.NPad)),
		ctl(p.PadChar),
		tochar(p.EOL),
		p.QCtl,
		p.QBin,
		byte('0' + p.Check),
		p.Rept,
		tochar(byte(p.Capas)),
		tochar(byte(p.Window)),
		tochar(byte(p.MaxLenX / 95)),
		tochar(byte(p.MaxLenX % 95)),
	}
	return out
}

// parseParams decodes a positional parameter field. Short fields are
// legal: anything absent keeps the conservative default.
func parseParams(data []byte) Params {
	p := Params{
		MaxLen:  80,
		Timeout: 10,
		NPad:    0,
		PadChar: 0,
		EOL:     0x0D,
		QCtl:    '#',
		QBin:    ' ',
		Check:   1,
		Rept:    ' ',
		Capas:   0,
		Window:  1,
		MaxLenX: 0,
	}

	if len(data) > 0 {
		p.MaxLen = int(unchar(data[0]))
	}
	if len(data) > 1 {
		p.Timeout = int(unchar(data[1]))
	}
	if len(data) > 2 {
		p.NPad = int(unchar(data[2]))
	}
	if len(data) > 3 {
		p.PadChar = ctl(data[3])
	}
	if len(data) > 4 {
		p.EOL = unchar(data[4])
	}
	if len(data) > 5 {
		p.QCtl = data[5]
	}
	if len(data) > 6 {
		p.QBin = data[6]
	}
	if len(data) > 7 && data[7] >= '1' && data[7] <= '3' {
		p.Check = int(data[7] - '0')
	}
	if len(data) > 8 {
		p.Rept = data[8]
	}
	if len(data) > 9 {
		p.Capas = int(unchar(data[9]))
	}
	if len(data) > 10 {
		p.Window = int(unchar(data[10]))
	}
	if len(data) > 12 {
		p.MaxLenX = int(unchar(data[11]))*95 + int(unchar(data[12]))
	}
	return p
}

// ordmin returns the smaller of two ordered values.
func ordmin[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}

// negotiate folds the local and remote parameter sets into the active
// set. Size limits take the minimum of what either side can handle;
// fields describing what the remote wants to receive (padding, EOL,
// quoting) take the remote's value; capabilities are ANDed.
func negotiate(local, remote Params) Params {
	active := Params{
		MaxLen:  ordmin(local.MaxLen, remote.MaxLen),
		Timeout: remote.Timeout,
		NPad:    remote.NPad,
		PadChar: remote.PadChar,
		EOL:     remote.EOL,
		QCtl:    remote.QCtl,
		Capas:   local.Capas & remote.Capas,
	}
	if active.Timeout <= 0 {
		active.Timeout = 10
	}

	// Check type must match; disagreement falls back to the single
	// character checksum everyone supports.
	if local.Check == remote.Check {
		active.Check = local.Check
	} else {
		active.Check = 1
	}

	// Eighth-bit quoting happens when one side names a prefix character
	// and the other agrees (or names the same one).
	active.QBin = negotiateQBin(local.QBin, remote.QBin)

	// Repeat prefixing needs both sides to offer the same character.
	if local.Rept == remote.Rept && local.Rept != ' ' {
		active.Rept = local.Rept
	} else {
		active.Rept = ' '
	}

	if active.Capas&CapLongPackets != 0 {
		active.MaxLenX = ordmin(local.MaxLenX, remote.MaxLenX)
		if active.MaxLenX <= 94 {
			active.Capas &^= CapLongPackets
			active.MaxLenX = 0
		}
	}
	if active.Capas&CapSlidingWindows != 0 {
		active.Window = ordmin(local.Window, remote.Window)
	} else {
		active.Window = 1
	}
	if active.Window < 1 {
		active.Window = 1
	}
	return active
}

func negotiateQBin(local, remote byte) byte {
	isPrefix := func(b byte) bool {
		return b != ' ' && b != 'Y' && b != 'N'
	}
	switch {
	case isPrefix(local) && (remote == 'Y' || remote == local):
		return local
	case isPrefix(remote) && (local == 'Y' || local == remote):
		return remote
	default:
		// 'Y' only promises to quote if the other side asks; nobody
		// asked, so the eighth bit travels bare.
		return ' '
	}
}

// quoting8 reports whether the active parameters enable eighth-bit
// prefixing.
func (p Params) quoting8() bool {
	return p.QBin != ' ' && p.QBin != 'Y' && p.QBin != 'N'
}

// repeating reports whether the active parameters enable run-length
// prefixing.
func (p Params) repeating() bool {
	return p.Rept != ' '
}

// streaming reports whether both sides agreed to stream.
func (p Params) streaming() bool {
	return p.Capas&CapStreaming != 0
}

// longPackets reports whether both sides agreed on long packets.
func (p Params) longPackets() bool {
	return p.Capas&CapLongPackets != 0
}

// dataLimit returns the most data bytes one packet may carry under the
// active parameters.
func (p Params) dataLimit() int {
	if p.longPackets() {
		return p.MaxLenX - checkLength(p.Check)
	}
	limit := p.MaxLen - 2 - checkLength(p.Check)
	if limit > maxShortData {
		limit = maxShortData
	}
	return limit
}
