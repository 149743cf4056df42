// Package ymodem implements the Ymodem batch file transfer protocol.
//
// Ymodem reuses the Xmodem-1K block framing and adds a metadata block
// (sequence 0) before each file carrying the name, exact size and
// modification time. An all-zero metadata block ends the batch. Because
// the size travels in block 0, received files are truncated exactly and
// Xmodem's CP/M EOF ambiguity disappears.
//
// Ymodem/G streams without per-block ACKs for reliable channels. A NAK
// does not end a Ymodem/G transfer by itself: the sender reads no
// replies while streaming blocks, and the receiver answers a bad block
// with the same purge-and-NAK retry as plain Ymodem.
package ymodem

import (
	"bytes"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/drunlade/go-serialxfer/xfer"
	"github.com/drunlade/go-serialxfer/xmodem"
)

// Flavor selects plain Ymodem or streaming Ymodem/G.
type Flavor int

const (
	// Vanilla is Ymodem with per-block ACKs.
	Vanilla Flavor = iota

	// G is Ymodem/G: no per-block ACKs; a NAK does not abort it.
	G
)

// FlavorName returns the protocol name for a flavor.
func FlavorName(f Flavor) string {
	if f == G {
		return "Ymodem/G"
	}
	return "Ymodem"
}

// xmodemFlavor maps a Ymodem flavor onto the underlying block codec.
func xmodemFlavor(f Flavor) xmodem.Flavor {
	if f == G {
		return xmodem.X1KG
	}
	return xmodem.X1K
}

// FileMeta is the contents of a Ymodem metadata block.
type FileMeta struct {
	// Name is the transmitted file name. Empty in the batch terminator.
	Name string

	// Size is the exact file size in bytes, or -1 when absent.
	Size int64

	// ModTime is the modification time in unix seconds, or -1 when
	// absent.
	ModTime int64

	// Mode is the unix permission bits, or 0 when absent.
	Mode uint32
}

// IsTerminator reports whether this metadata block ends the batch.
func (m *FileMeta) IsTerminator() bool {
	return m.Name == ""
}

// encodeMeta builds the 128-byte block-0 payload:
// name NUL size [SP octal-mtime [SP octal-mode]] NUL padding.
func encodeMeta(m *FileMeta) ([]byte, error) {
	var buf bytes.Buffer

	if m.Name != "" {
		// Always transmit a bare name; paths stay local.
		buf.WriteString(filepath.Base(m.Name))
		buf.WriteByte(0)
		if m.Size >= 0 {
			buf.WriteString(strconv.FormatInt(m.Size, 10))
			if m.ModTime >= 0 {
				buf.WriteByte(' ')
				buf.WriteString(strconv.FormatInt(m.ModTime, 8))
				if m.Mode != 0 {
					buf.WriteByte(' ')
					buf.WriteString(strconv.FormatUint(uint64(m.Mode), 8))
				}
			}
		}
	}

	if buf.Len() > 128 {
		return nil, xfer.Errorf(xfer.KindProtocol, "file metadata too long for block 0: %q", m.Name)
	}

	block := make([]byte, 128)
	copy(block, buf.Bytes())
	return block, nil
}

// parseMeta decodes a block-0 payload.
func parseMeta(block []byte) (*FileMeta, error) {
	nul := bytes.IndexByte(block, 0)
	if nul < 0 {
		return nil, xfer.NewError(xfer.KindProtocol, "metadata block has no terminator")
	}

	meta := &FileMeta{
		Name:    string(block[:nul]),
		Size:    -1,
		ModTime: -1,
	}
	if meta.Name == "" {
		return meta, nil
	}

	rest := block[nul+1:]
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}

	fields := strings.Fields(string(rest))
	if len(fields) >= 1 {
		if size, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			meta.Size = size
		}
	}
	if len(fields) >= 2 {
		if mtime, err := strconv.ParseInt(fields[1], 8, 64); err == nil {
			meta.ModTime = mtime
		}
	}
	if len(fields) >= 3 {
		if mode, err := strconv.ParseUint(fields[2], 8, 32); err == nil {
			meta.Mode = uint32(mode)
		}
	}
	return meta, nil
}
