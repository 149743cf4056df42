package kermit

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Attribute packets carry file metadata as a sequence of
// attribute-letter, tochar(length), value triples. Unknown attributes
// are ignored on receive, which is what keeps old implementations
// talking to new ones.
//
//	'1'  file size in bytes (decimal string)
//	'!'  file size in kilobytes (decimal string)
//	'#'  modification date, "yyyymmdd hh:mm:ss"
//	'"'  file type: A (text) or B (binary)
//	'+'  disposition: N new, S supersede, W warn, A append
//	'.'  creator system id
type Attributes struct {
	// Size in bytes, -1 if unknown.
	Size int64

	// SizeK in kilobytes, -1 if unknown.
	SizeK int64

	// ModTime is the modification time, zero when absent.
	ModTime time.Time

	// Binary is true for type B files.
	Binary bool

	// Access is the requested disposition.
	Access xfer.AccessMode

	// System identifies the creating system, e.g. "U1" for unix.
	System string
}

// attrDateFormat is the on-the-wire date layout.
const attrDateFormat = "20060102 15:04:05"

// encodeAttributes renders an attribute data field. The result still
// needs prefix-encoding before framing (attribute values can contain
// spaces but never control bytes).
func encodeAttributes(a *Attributes) []byte {
	var out []byte

	add := func(letter byte, value string) {
		if len(value) > 94 {
			return
		}
		out = append(out, letter, tochar(byte(len(value))))
		out = append(out, value...)
	}

	if a.Size >= 0 {
		add('1', strconv.FormatInt(a.Size, 10))
		add('!', strconv.FormatInt((a.Size+1023)/1024, 10))
	}
	if !a.ModTime.IsZero() {
		add('#', a.ModTime.Format(attrDateFormat))
	}
	if a.Binary {
		add('"', "B8")
	} else {
		add('"', "AMJ")
	}
	add('+', string(accessLetter(a.Access)))
	if a.System != "" {
		add('.', a.System)
	}
	return out
}

// parseAttributes decodes an attribute data field, ignoring every
// attribute it does not understand.
func parseAttributes(data []byte) (*Attributes, error) {
	a := &Attributes{Size: -1, SizeK: -1}

	i := 0
	for i+1 < len(data) {
		letter := data[i]
		n := int(unchar(data[i+1]))
		i += 2
		if n < 0 || i+n > len(data) {
			return nil, xfer.NewError(xfer.KindProtocol, "malformed attribute field")
		}
		value := string(data[i : i+n])
		i += n

		switch letter {
		case '1':
			if size, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
				a.Size = size
			}
		case '!':
			if sizeK, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64); err == nil {
				a.SizeK = sizeK
			}
		case '#':
			if t, err := parseAttrDate(value); err == nil {
				a.ModTime = t
			}
		case '"':
			a.Binary = strings.HasPrefix(value, "B")
		case '+':
			if len(value) > 0 {
				a.Access = accessFromLetter(value[0])
			}
		case '.':
			a.System = value
		default:
			// Unknown attribute: skip, forward compatibility.
		}
	}
	return a, nil
}

func parseAttrDate(value string) (time.Time, error) {
	// Seconds and the time of day are optional on the wire.
	for _, layout := range []string{attrDateFormat, "20060102 15:04", "20060102"} {
		if t, err := time.ParseInLocation(layout, value, time.Local); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

func accessLetter(mode xfer.AccessMode) byte {
	switch mode {
	case xfer.AccessSupersede:
		return 'S'
	case xfer.AccessWarn:
		return 'W'
	case xfer.AccessAppend:
		return 'A'
	default:
		return 'N'
	}
}

func accessFromLetter(letter byte) xfer.AccessMode {
	switch letter {
	case 'S':
		return xfer.AccessSupersede
	case 'W':
		return xfer.AccessWarn
	case 'A':
		return xfer.AccessAppend
	default:
		return xfer.AccessNew
	}
}
