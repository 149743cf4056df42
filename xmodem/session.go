package xmodem

import (
	"bytes"
	"io"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Session holds the protocol state shared by the Xmodem sender and
// receiver: the flavor, the block sequence number, and the two byte
// streams. Ymodem builds its batch flow on top of these same primitives.
type Session struct {
	*xfer.Session

	flavor Flavor

	// seq is the next block sequence number, starting at 1 (0 for a
	// Ymodem metadata block). Wraps modulo 256.
	seq int

	reader *xfer.TimeoutReader
	writer io.Writer
}

// NewSession creates an Xmodem session over the given streams. The
// reader's timeout is set from the flavor.
func NewSession(flavor Flavor, reader *xfer.TimeoutReader, writer io.Writer, download bool) *Session {
	reader.SetTimeout(Timeout(flavor))
	return &Session{
		Session: xfer.NewSession(xfer.ProtocolXmodem, download),
		flavor:  flavor,
		seq:     1,
		reader:  reader,
		writer:  writer,
	}
}

// Flavor returns the active Xmodem variant. It can change once, when a
// 1K/G session downgrades to plain 1K.
func (s *Session) Flavor() Flavor {
	return s.flavor
}

// SetSeq overrides the next sequence number. Ymodem uses sequence 0 for
// its metadata block.
func (s *Session) SetSeq(seq int) {
	s.seq = seq
}

// Seq returns the next sequence number.
func (s *Session) Seq() int {
	return s.seq
}

// Reader exposes the session's timeout reader.
func (s *Session) Reader() *xfer.TimeoutReader {
	return s.reader
}

// SendNCG sends the start byte for this flavor: NAK, 'C', or 'G'.
func (s *Session) SendNCG() error {
	if _, err := s.writer.Write([]byte{NCG(s.flavor)}); err != nil {
		s.AddErrorMessage("unable to send starting NAK")
		s.Abort()
		return xfer.Errorf(xfer.KindIO, "send NCG: %v", err)
	}
	return nil
}

// Abort cancels the transfer: the session moves to StateAbort and a CAN
// byte is pushed to the remote, errors squashed.
func (s *Session) Abort() {
	if s.State() == xfer.StateAbort {
		return
	}
	s.SetState(xfer.StateAbort)
	s.writer.Write([]byte{CAN})
}

// ack acknowledges a good block. 1K/G never acks.
func (s *Session) ack() error {
	_, err := s.writer.Write([]byte{ACK})
	return err
}

// purge drains pending input and NAKs so the sender retransmits.
// Reports a too-many-errors failure when the cap is hit.
func (s *Session) purge() error {
	s.reader.Purge()
	if s.CountError() {
		s.Abort()
		return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
	}
	_, err := s.writer.Write([]byte{NAK})
	if err != nil {
		return xfer.Errorf(xfer.KindIO, "send NAK: %v", err)
	}
	return nil
}

// downgradeFromG drops a 1K/G session to plain 1K. The downgrade fires
// only while waiting for block 2: if the very first data block is
// missing, duplicated or timed out, the remote is not honoring streaming
// mode.
func (s *Session) downgradeFromG() {
	if s.flavor == X1KG && s.seq == 2 {
		s.AddErrorMessage("downgrade to Xmodem/1K")
		s.flavor = X1K
	}
}

// checkLength returns how many check bytes trail a block for the current
// flavor.
func (s *Session) checkLength() int {
	if UsesCRC(s.flavor) {
		return 2
	}
	return 1
}

// checkFor computes the trailing check bytes for a block payload.
func (s *Session) checkFor(data []byte) []byte {
	if UsesCRC(s.flavor) {
		crc := xfer.Crc16(0, data)
		return []byte{byte(crc >> 8), byte(crc)}
	}
	return []byte{xfer.Checksum8(data)}
}

// ReadBlock reads one block from the wire, handling ACK/NAK recovery,
// duplicates, the 1K/G downgrade, and EOT. It returns the block payload,
// or eot=true on a clean end of transmission.
//
// Block layout: [SOH|STX] seq (255-seq) data[128|1024] check.
func (s *Session) ReadBlock() (data []byte, eot bool, err error) {
	blockSize := 128

	for {
		if s.CancelFlag() != xfer.CancelNone {
			s.Abort()
			return nil, false, xfer.NewError(xfer.KindCancelled, "cancelled by user")
		}

		discard := false

		blockType, rerr := s.reader.ReadByte()
		if rerr != nil {
			if handled, herr := s.recoverReadError(rerr); handled {
				continue
			} else {
				return nil, false, herr
			}
		}

		switch blockType {
		case STX:
			blockSize = 1024
		case SOH:
			blockSize = 128
		case EOT:
			// Normal end of transmission. ACK the EOT.
			if err := s.ack(); err != nil {
				return nil, false, xfer.Errorf(xfer.KindIO, "ack EOT: %v", err)
			}
			return nil, true, nil
		case CAN:
			s.AddErrorMessage("transfer cancelled by sender")
			s.SetState(xfer.StateAbort)
			return nil, false, xfer.NewError(xfer.KindCancelled, "transfer cancelled by sender")
		default:
			s.AddErrorMessage("header error in block")
			if err := s.purge(); err != nil {
				return nil, false, err
			}
			continue
		}

		// Sequence number and its complement.
		seqByte, rerr := s.reader.ReadByte()
		if rerr != nil {
			if handled, herr := s.recoverReadError(rerr); handled {
				continue
			} else {
				return nil, false, herr
			}
		}

		if int(seqByte) == (s.seq+255)%256 {
			s.AddErrorMessage("duplicate block")
			s.downgradeFromG()
			// Finish reading this block and blindly ack it, but do not
			// hand it to the caller.
			discard = true
		} else if int(seqByte) != s.seq%256 {
			s.AddErrorMessage("bad block number")
			if err := s.purge(); err != nil {
				return nil, false, err
			}
			continue
		}

		compByte, rerr := s.reader.ReadByte()
		if rerr != nil {
			if handled, herr := s.recoverReadError(rerr); handled {
				continue
			} else {
				return nil, false, herr
			}
		}

		if !discard && 255-int(compByte) != s.seq%256 {
			s.AddErrorMessage("complement byte bad in block")
			if err := s.purge(); err != nil {
				return nil, false, err
			}
			continue
		}

		// The data itself.
		payload := make([]byte, blockSize)
		if _, rerr := s.reader.Read(payload); rerr != nil {
			if handled, herr := s.recoverReadError(rerr); handled {
				continue
			} else {
				return nil, false, herr
			}
		}

		// Trailing checksum or CRC.
		given := make([]byte, s.checkLength())
		if _, rerr := s.reader.Read(given); rerr != nil {
			if handled, herr := s.recoverReadError(rerr); handled {
				continue
			} else {
				return nil, false, herr
			}
		}

		if discard {
			// Duplicate block: ack it even if the data is garbage.
			if s.flavor != X1KG {
				if err := s.ack(); err != nil {
					return nil, false, xfer.Errorf(xfer.KindIO, "ack: %v", err)
				}
			}
			continue
		}

		if !bytes.Equal(s.checkFor(payload), given) {
			if UsesCRC(s.flavor) {
				s.AddErrorMessage("CRC error in block")
			} else {
				s.AddErrorMessage("checksum error in block")
			}
			if err := s.purge(); err != nil {
				return nil, false, err
			}
			continue
		}

		// Good block.
		s.seq++
		if s.flavor != X1KG {
			if err := s.ack(); err != nil {
				return nil, false, xfer.Errorf(xfer.KindIO, "ack: %v", err)
			}
		}
		s.ResetErrors()
		return payload, false, nil
	}
}

// recoverReadError folds a read failure into the retry protocol. Timeouts
// purge and NAK (and may trigger the 1K/G downgrade); anything else
// aborts. handled=true means the caller should retry the block.
func (s *Session) recoverReadError(rerr error) (handled bool, err error) {
	switch {
	case xfer.IsTimeout(rerr):
		s.AddErrorMessage("timeout")
		s.downgradeFromG()
		if perr := s.purge(); perr != nil {
			return false, perr
		}
		return true, nil
	case xfer.IsEOF(rerr):
		s.AddErrorMessage("unexpected end of transmission")
		s.Abort()
		return false, xfer.NewError(xfer.KindEOF, "unexpected end of transmission")
	case xfer.IsCancelled(rerr):
		s.Abort()
		return false, rerr
	default:
		s.Abort()
		return false, rerr
	}
}

// WaitNCG waits for the receiver's start byte and adapts the check mode
// to it: NAK selects the checksum, 'C' selects CRC, 'G' selects
// streaming. Used by the sender.
func (s *Session) WaitNCG() (byte, error) {
	for {
		if s.CancelFlag() != xfer.CancelNone {
			s.Abort()
			return 0, xfer.NewError(xfer.KindCancelled, "cancelled by user")
		}

		b, err := s.reader.ReadByte()
		if err != nil {
			if xfer.IsTimeout(err) {
				if s.CountError() {
					s.Abort()
					return 0, xfer.NewError(xfer.KindTooManyErrors, "no start byte from receiver")
				}
				continue
			}
			s.Abort()
			return 0, err
		}

		switch b {
		case NAK:
			if UsesCRC(s.flavor) {
				// Receiver wants plain checksum; fall back.
				s.flavor = Vanilla
			}
			s.ResetErrors()
			return b, nil
		case WantCRC:
			if !UsesCRC(s.flavor) {
				s.flavor = CRC
			} else if s.flavor == X1KG {
				s.flavor = X1K
			}
			s.ResetErrors()
			return b, nil
		case WantG:
			if BlockSize(s.flavor) == 1024 {
				s.flavor = X1KG
			}
			s.ResetErrors()
			return b, nil
		case CAN:
			s.AddErrorMessage("transfer cancelled by receiver")
			s.SetState(xfer.StateAbort)
			return 0, xfer.NewError(xfer.KindCancelled, "transfer cancelled by receiver")
		default:
			// Line noise before the start byte; ignore.
			continue
		}
	}
}

// SendBlock transmits one block and, outside 1K/G, waits for the ACK.
// NAK and timeout retransmit up to the retry cap.
func (s *Session) SendBlock(data []byte) error {
	var header [3]byte
	if len(data) == 1024 {
		header[0] = STX
	} else {
		header[0] = SOH
	}
	header[1] = byte(s.seq % 256)
	header[2] = byte(255 - s.seq%256)

	frame := make([]byte, 0, len(data)+5)
	frame = append(frame, header[:]...)
	frame = append(frame, data...)
	frame = append(frame, s.checkFor(data)...)

	for attempt := 0; attempt < sendRetries; attempt++ {
		if s.CancelFlag() != xfer.CancelNone {
			s.Abort()
			return xfer.NewError(xfer.KindCancelled, "cancelled by user")
		}

		if _, err := s.writer.Write(frame); err != nil {
			s.Abort()
			return xfer.Errorf(xfer.KindIO, "send block: %v", err)
		}

		if s.flavor == X1KG {
			// Streaming: no per-block ACK.
			s.seq++
			s.ResetErrors()
			return nil
		}

		reply, err := s.reader.ReadByte()
		if err != nil {
			if xfer.IsTimeout(err) {
				s.AddErrorMessage("timeout waiting for ACK")
				if s.CountError() {
					s.Abort()
					return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
				}
				continue
			}
			s.Abort()
			return err
		}

		switch reply {
		case ACK:
			s.seq++
			s.ResetErrors()
			return nil
		case NAK:
			s.AddErrorMessage("NAK on block")
			if s.CountError() {
				s.Abort()
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
			continue
		case CAN:
			s.AddErrorMessage("transfer cancelled by receiver")
			s.SetState(xfer.StateAbort)
			return xfer.NewError(xfer.KindCancelled, "transfer cancelled by receiver")
		default:
			// Garbage where an ACK should be; treat like a NAK.
			if s.CountError() {
				s.Abort()
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
			continue
		}
	}

	s.Abort()
	return xfer.NewError(xfer.KindTooManyErrors, "block never acknowledged")
}

// SendEOT ends the transfer and waits for the final ACK.
func (s *Session) SendEOT() error {
	for attempt := 0; attempt < sendRetries; attempt++ {
		if _, err := s.writer.Write([]byte{EOT}); err != nil {
			s.Abort()
			return xfer.Errorf(xfer.KindIO, "send EOT: %v", err)
		}

		// Even a streaming session waits for the one EOT ACK.
		reply, err := s.reader.ReadByte()
		if err != nil {
			if xfer.IsTimeout(err) {
				if s.CountError() {
					s.Abort()
					return xfer.NewError(xfer.KindTooManyErrors, "EOT never acknowledged")
				}
				continue
			}
			s.Abort()
			return err
		}
		if reply == ACK {
			s.ResetErrors()
			return nil
		}
		if s.CountError() {
			s.Abort()
			return xfer.NewError(xfer.KindTooManyErrors, "EOT never acknowledged")
		}
	}
	s.Abort()
	return xfer.NewError(xfer.KindTooManyErrors, "EOT never acknowledged")
}

// ReadFileBlock reads the next block-sized chunk from the local file,
// padding a short final block with CP/M EOF. A short final chunk that
// fits in 128 bytes is sent as a 128-byte block even in 1K mode.
// Returns nil at end of file.
func (s *Session) ReadFileBlock(file io.Reader) ([]byte, error) {
	data := make([]byte, BlockSize(s.flavor))
	n, err := io.ReadFull(file, data)
	if n == len(data) {
		return data, nil
	}
	if err == io.EOF && n == 0 {
		return nil, nil
	}
	if err != io.EOF && err != io.ErrUnexpectedEOF {
		return nil, err
	}

	// Short final block: shrink to 128 when possible, pad with CP/M EOF.
	if n <= 128 {
		data = data[:128]
	}
	for i := n; i < len(data); i++ {
		data[i] = CPMEOF
	}
	return data, nil
}
