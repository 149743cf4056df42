package zmodem

import (
	"bytes"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Session holds the Zmodem protocol state shared by sender and
// receiver: the negotiated CRC width, the escape flags with their encode
// map, and the last header for retransmission.
type Session struct {
	*xfer.Session

	cfg xfer.ZmodemConfig

	// useCrc32 selects 32-bit CRCs for binary frames. Starts from the
	// configuration; a receiver that cannot do CRC-32 drags it back to
	// 16-bit during negotiation.
	useCrc32 bool

	// escapeControl and escape8Bit mirror the encode map below. The
	// three change together, never separately.
	escapeControl bool
	escape8Bit    bool
	encodeMap     [256]encodeEntry

	reader *xfer.TimeoutReader
	writer io.Writer
	esc    *escaper
	unesc  *unescaper

	// attn is the attention string learned from ZSINIT; the receiver
	// replays it to interrupt a streaming sender.
	attn []byte

	// rxCrc32 is the CRC width of the last binary header received. A
	// subpacket's CRC follows the encoding of the header that owns it,
	// whatever this side would have picked.
	rxCrc32 bool

	// lastHeader/lastFrame support resend-on-timeout recovery.
	lastHeader Header
	lastFrame  []byte
}

// NewSession creates a Zmodem session over the given streams. The
// reader's Ctrl-X cancel counter is armed for the whole session: five
// consecutive CANs anywhere abort it.
func NewSession(cfg xfer.ZmodemConfig, reader *xfer.TimeoutReader, writer io.Writer, download bool) *Session {
	s := &Session{
		Session:  xfer.NewSession(xfer.ProtocolZmodem, download),
		cfg:      cfg,
		useCrc32: cfg.UseCrc32,
		reader:   reader,
		writer:   writer,
	}
	s.setEscapeFlags(cfg.EscapeControlChars, false)
	s.esc = newEscaper(writer, &s.encodeMap)
	s.unesc = newUnescaper(reader)
	reader.SetTimeout(10 * time.Second)
	reader.CountCancels(true)
	return s
}

// Reader exposes the session's timeout reader.
func (s *Session) Reader() *xfer.TimeoutReader {
	return s.reader
}

// setEscapeFlags updates the escape policy and rebuilds the encode map.
// Flags and map change as one unit; the driver goroutine is the only
// writer.
func (s *Session) setEscapeFlags(escapeControl, escape8Bit bool) {
	s.escapeControl = escapeControl
	s.escape8Bit = escape8Bit
	s.encodeMap = buildEncodeMap(escapeControl, escape8Bit)
}

// sendAbort pushes the ZABORT notification and moves the session to
// StateAbort. Nothing else goes out afterwards.
func (s *Session) sendAbort(reason string) {
	if s.State() != xfer.StateAbort {
		s.sendHexHeader(Header{Type: ZABORT})
		s.AddErrorMessage(reason)
		s.SetState(xfer.StateAbort)
	}
}

// checkCancel surfaces a pending local cancellation.
func (s *Session) checkCancel() error {
	if s.CancelFlag() == xfer.CancelNone {
		return nil
	}
	s.sendAbort("transfer cancelled by user")
	return xfer.NewError(xfer.KindCancelled, "cancelled by user")
}

// FileMeta is the contents of a ZFILE data subpacket:
// name NUL size SP octal-mtime [SP octal-mode [SP serial SP files-left
// SP bytes-left]].
type FileMeta struct {
	Name string

	// Size in bytes, -1 if unknown.
	Size int64

	// ModTime in unix seconds, -1 if unknown.
	ModTime int64

	// Mode is the unix permission bits, 0 if absent.
	Mode uint32

	// FilesLeft and BytesLeft describe the rest of the batch, -1 if
	// absent.
	FilesLeft int64
	BytesLeft int64
}

// encodeFileMeta renders the ZFILE subpacket payload.
func encodeFileMeta(m *FileMeta) []byte {
	var buf bytes.Buffer
	buf.WriteString(filepath.Base(m.Name))
	buf.WriteByte(0)
	buf.WriteString(strconv.FormatInt(m.Size, 10))
	if m.ModTime >= 0 {
		buf.WriteByte(' ')
		buf.WriteString(strconv.FormatInt(m.ModTime, 8))
		if m.Mode != 0 {
			buf.WriteByte(' ')
			buf.WriteString(strconv.FormatUint(uint64(m.Mode), 8))
		}
	}
	buf.WriteByte(0)
	return buf.Bytes()
}

// parseFileMeta decodes a ZFILE subpacket payload. Everything after the
// size is optional on the wire.
func parseFileMeta(data []byte) (*FileMeta, error) {
	nul := bytes.IndexByte(data, 0)
	if nul < 0 {
		return nil, xfer.NewError(xfer.KindProtocol, "ZFILE payload has no name terminator")
	}

	m := &FileMeta{
		Name:      string(data[:nul]),
		Size:      -1,
		ModTime:   -1,
		FilesLeft: -1,
		BytesLeft: -1,
	}

	rest := data[nul+1:]
	if end := bytes.IndexByte(rest, 0); end >= 0 {
		rest = rest[:end]
	}
	fields := strings.Fields(string(rest))

	if len(fields) >= 1 {
		if size, err := strconv.ParseInt(fields[0], 10, 64); err == nil {
			m.Size = size
		}
	}
	if len(fields) >= 2 {
		if mtime, err := strconv.ParseInt(fields[1], 8, 64); err == nil {
			m.ModTime = mtime
		}
	}
	if len(fields) >= 3 {
		if mode, err := strconv.ParseUint(fields[2], 8, 32); err == nil {
			m.Mode = uint32(mode)
		}
	}
	if len(fields) >= 5 {
		if n, err := strconv.ParseInt(fields[4], 10, 64); err == nil {
			m.FilesLeft = n
		}
	}
	if len(fields) >= 6 {
		if n, err := strconv.ParseInt(fields[5], 10, 64); err == nil {
			m.BytesLeft = n
		}
	}
	return m, nil
}
