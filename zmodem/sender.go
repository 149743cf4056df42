package zmodem

import (
	"io"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Sender uploads a batch of files using the Zmodem protocol. The
// states run INIT (ZRQINIT/ZRINIT), ZSINIT, then per file the
// ZFILE offer, the ZDATA stream, and the ZEOF exchange, ending with
// the ZFIN handshake; each has its own method below.
type Sender struct {
	session *Session
	files   []xfer.LocalFile

	// rxFlags are the receiver capabilities from ZRINIT.
	rxFlags byte

	// attn is the attention string to advertise in ZSINIT.
	attn []byte
}

// NewSender creates a sender for the given batch.
func NewSender(cfg xfer.ZmodemConfig, reader *xfer.TimeoutReader, writer io.Writer, files []xfer.LocalFile) *Sender {
	session := NewSession(cfg, reader, writer, false)

	var totalBytes int64
	for _, f := range files {
		size := int64(-1)
		if n, err := f.Length(); err == nil {
			size = n
		}
		var mtime int64 = -1
		if t, err := f.ModTime(); err == nil {
			mtime = t.UnixMilli()
		}
		session.AddFile(&xfer.FileRecord{
			File:      f,
			LocalName: f.Name(),
			Size:      size,
			BlockSize: blockSize,
			ModTime:   mtime,
		})
		if size >= 0 {
			totalBytes += size
		}
	}
	session.SetTotals(totalBytes, -1)

	return &Sender{session: session, files: files}
}

// Session exposes the underlying session for status and cancellation.
func (s *Sender) Session() *Session {
	return s.session
}

// SetAttention sets the attention string advertised in ZSINIT.
func (s *Sender) SetAttention(attn []byte) {
	if len(attn) > ZATTNLEN {
		attn = attn[:ZATTNLEN]
	}
	s.attn = attn
}

// Send runs the upload: ZRQINIT/ZRINIT negotiation, ZSINIT, then per
// file ZFILE - ZDATA* - ZEOF, and finally the ZFIN/"OO" handshake.
func (s *Sender) Send() error {
	sess := s.session
	sess.SetState(xfer.StateTransfer)
	sess.SetCurrentStatus("negotiating")

	if err := s.negotiate(); err != nil {
		return err
	}
	if err := s.sendSinit(); err != nil {
		return err
	}

	for i, file := range s.files {
		rec := sess.Files()[i]
		if err := s.sendOne(file, rec); err != nil {
			if xfer.IsSkipped(err) {
				sess.AddInfoMessage("receiver skipped " + rec.LocalName)
				continue
			}
			return err
		}
		sess.SetState(xfer.StateFileDone)
		sess.SetState(xfer.StateTransfer)
	}

	return s.finish()
}

// negotiate sends ZRQINIT and absorbs the receiver's ZRINIT, answering
// a ZCHALLENGE on the way if one shows up.
func (s *Sender) negotiate() error {
	sess := s.session

	if err := sess.sendHexHeader(Header{Type: ZRQINIT}); err != nil {
		return err
	}

	for {
		if err := sess.checkCancel(); err != nil {
			return err
		}

		h, err := sess.readHeader()
		if err != nil {
			if herr := s.recoverWaitError(err); herr != nil {
				return herr
			}
			continue
		}

		switch h.Type {
		case ZRINIT:
			s.rxFlags = h.Flags()
			sess.useCrc32 = sess.useCrc32 && s.rxFlags&CANFC32 != 0
			escCtl := sess.escapeControl || s.rxFlags&ESCCTL != 0
			esc8 := sess.escape8Bit || s.rxFlags&ESC8 != 0
			sess.setEscapeFlags(escCtl, esc8)
			sess.ResetErrors()
			sess.Logger.Info("zmodem negotiated: crc32=%v escCtl=%v esc8=%v",
				sess.useCrc32, escCtl, esc8)
			return nil

		case ZCHALLENGE:
			// Echo the challenge value back.
			if err := sess.sendHexHeader(Header{Type: ZACK, Data: h.Data}); err != nil {
				return err
			}

		case ZRQINIT:
			// Our own ZRQINIT echoed back; ignore.

		case ZABORT, ZFERR:
			sess.sendAbort("receiver aborted during negotiation")
			return xfer.NewError(xfer.KindCancelled, "receiver aborted")

		default:
			if sess.CountError() {
				sess.sendAbort("too many consecutive errors")
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
		}
	}
}

// sendSinit pushes ZSINIT with the attention string and waits for ZACK.
func (s *Sender) sendSinit() error {
	sess := s.session

	var flags byte
	if sess.escapeControl {
		flags |= TESCCTL
	}
	if sess.escape8Bit {
		flags |= TESC8
	}

	payload := make([]byte, 0, len(s.attn)+1)
	payload = append(payload, s.attn...)
	payload = append(payload, 0)

	for {
		if err := sess.checkCancel(); err != nil {
			return err
		}

		if err := sess.sendBinHeader(flagsHeader(ZSINIT, flags)); err != nil {
			return err
		}
		if err := sess.sendSubpacket(payload, ZCRCW); err != nil {
			return err
		}

		h, err := sess.readHeader()
		if err != nil {
			if xfer.IsTimeout(err) || xfer.IsCRC(err) {
				if sess.CountError() {
					sess.sendAbort("too many consecutive errors")
					return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
				}
				continue
			}
			return err
		}

		switch h.Type {
		case ZACK:
			sess.ResetErrors()
			return nil
		case ZNAK:
			if sess.CountError() {
				sess.sendAbort("too many consecutive errors")
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
		case ZABORT:
			sess.sendAbort("receiver aborted")
			return xfer.NewError(xfer.KindCancelled, "receiver aborted")
		default:
			if sess.CountError() {
				sess.sendAbort("too many consecutive errors")
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
		}
	}
}

// sendOne moves a single file: ZFILE offer, data from the offset the
// receiver names, ZEOF.
func (s *Sender) sendOne(file xfer.LocalFile, rec *xfer.FileRecord) error {
	sess := s.session
	sess.SetCurrentStatus("sending " + rec.LocalName)
	rec.StartTime = time.Now()

	meta := &FileMeta{
		Name:    rec.LocalName,
		Size:    rec.Size,
		ModTime: -1,
	}
	if rec.ModTime >= 0 {
		meta.ModTime = rec.ModTime / 1000
	}
	payload := encodeFileMeta(meta)

	in, err := file.OpenRead()
	if err != nil {
		sess.sendAbort("cannot open " + rec.LocalName)
		return xfer.Errorf(xfer.KindIO, "open %s: %v", rec.LocalName, err)
	}
	defer in.Close()

	progress := xfer.NewProgressTracker(sess.Callbacks.OnProgress, 0)
	progress.Start(rec.LocalName, rec.Size)
	sess.Callbacks.OnFileStart(rec.LocalName, rec.Size)
	sess.Logger.Info("zmodem send: %s size=%d", rec.LocalName, rec.Size)

	// Offer the file until the receiver answers with a position.
	var offset int64
offer:
	for {
		if err := sess.checkCancel(); err != nil {
			return err
		}

		if err := sess.sendBinHeader(flagsHeader(ZFILE, ZCBIN)); err != nil {
			return err
		}
		if err := sess.sendSubpacket(payload, ZCRCW); err != nil {
			return err
		}

		h, err := sess.readHeader()
		if err != nil {
			if xfer.IsTimeout(err) || xfer.IsCRC(err) {
				if sess.CountError() {
					sess.sendAbort("too many consecutive errors")
					return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
				}
				continue
			}
			return err
		}

		switch h.Type {
		case ZRPOS:
			offset = h.Position()
			sess.ResetErrors()
			break offer
		case ZSKIP:
			rec.EndTime = time.Now()
			return xfer.Errorf(xfer.KindFileSkipped, "%s skipped by receiver", rec.LocalName)
		case ZRINIT, ZNAK:
			// The receiver has not seen the offer yet; repeat it.
			if sess.CountError() {
				sess.sendAbort("too many consecutive errors")
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
		case ZABORT, ZFERR:
			sess.sendAbort("receiver aborted")
			return xfer.NewError(xfer.KindCancelled, "receiver aborted")
		default:
			if sess.CountError() {
				sess.sendAbort("too many consecutive errors")
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
		}
	}

	if err := s.sendData(in, rec, offset, progress); err != nil {
		return err
	}

	rec.EndTime = time.Now()
	sess.Callbacks.OnFileComplete(rec.LocalName, rec.BytesTransferred, progress.Complete())
	return nil
}

// sendData streams the file body from offset, restarting wherever the
// receiver's ZRPOS points, then runs the ZEOF exchange.
func (s *Sender) sendData(in io.ReadSeeker, rec *xfer.FileRecord, offset int64, progress *xfer.ProgressTracker) error {
	sess := s.session

	for {
		// Every pass starts right after a ZRPOS; drop its trailing XON
		// and any repeats so the mid-stream poll sees only fresh input.
		sess.reader.Purge()

		if _, err := in.Seek(offset, io.SeekStart); err != nil {
			sess.sendAbort("seek failure on " + rec.LocalName)
			return xfer.Errorf(xfer.KindIO, "seek %s: %v", rec.LocalName, err)
		}

		if err := sess.sendBinHeader(positionHeader(ZDATA, offset)); err != nil {
			return err
		}

		// Stream subpackets until EOF or the receiver interrupts.
		interrupted := false
		eof := false
		for !eof && !interrupted {
			if err := sess.checkCancel(); err != nil {
				return err
			}

			buf := make([]byte, blockSize)
			n, rerr := io.ReadFull(in, buf)
			if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
				eof = true
				buf = buf[:n]
			} else if rerr != nil {
				sess.sendAbort("read failure on " + rec.LocalName)
				return xfer.Errorf(xfer.KindIO, "read %s: %v", rec.LocalName, rerr)
			}

			term := byte(ZCRCG)
			if eof {
				term = ZCRCE
			}
			if err := sess.sendSubpacket(buf, term); err != nil {
				return err
			}
			offset += int64(n)
			if offset > rec.BytesTransferred {
				delta := offset - rec.BytesTransferred
				rec.BytesTransferred = offset
				rec.BlocksTransferred++
				sess.CountBytes(delta, 1)
			}
			progress.Update(rec.BytesTransferred)

			// A receiver in trouble talks while we stream; poll
			// between subpackets.
			if sess.reader.Available() > 0 {
				h, err := sess.readHeader()
				if err != nil {
					if xfer.IsCancelled(err) {
						return err
					}
					// Mid-stream garbage; the receiver will repeat.
					continue
				}
				switch h.Type {
				case ZRPOS:
					offset = h.Position()
					interrupted = true
				case ZACK:
					// Position acknowledgement; nothing to do.
				case ZSKIP:
					return xfer.Errorf(xfer.KindFileSkipped, "%s skipped by receiver", rec.LocalName)
				case ZABORT, ZFERR:
					sess.sendAbort("receiver aborted")
					return xfer.NewError(xfer.KindCancelled, "receiver aborted")
				}
			}
		}

		if interrupted {
			sess.AddErrorMessage("receiver requested reposition")
			if sess.CountError() {
				sess.sendAbort("too many consecutive errors")
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
			continue
		}

		// EOF sent; exchange ZEOF for the next ZRINIT.
		for {
			if err := sess.sendHexHeader(positionHeader(ZEOF, offset)); err != nil {
				return err
			}

			h, err := sess.readHeader()
			if err != nil {
				if xfer.IsTimeout(err) || xfer.IsCRC(err) {
					if sess.CountError() {
						sess.sendAbort("too many consecutive errors")
						return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
					}
					continue
				}
				return err
			}

			switch h.Type {
			case ZRINIT:
				sess.ResetErrors()
				return nil
			case ZRPOS:
				// Missed data; go around again from there.
				offset = h.Position()
				sess.AddErrorMessage("receiver requested reposition")
				if sess.CountError() {
					sess.sendAbort("too many consecutive errors")
					return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
				}
				break
			case ZABORT, ZFERR:
				sess.sendAbort("receiver aborted")
				return xfer.NewError(xfer.KindCancelled, "receiver aborted")
			default:
				if sess.CountError() {
					sess.sendAbort("too many consecutive errors")
					return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
				}
				continue
			}
			break
		}
	}
}

// finish runs the ZFIN handshake: send ZFIN, wait for the receiver's
// ZFIN, answer with the "OO" trailer.
func (s *Sender) finish() error {
	sess := s.session

	for {
		if err := sess.checkCancel(); err != nil {
			return err
		}

		if err := sess.sendHexHeader(Header{Type: ZFIN}); err != nil {
			return err
		}

		h, err := sess.readHeader()
		if err != nil {
			if xfer.IsTimeout(err) || xfer.IsCRC(err) {
				if sess.CountError() {
					sess.sendAbort("too many consecutive errors")
					return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
				}
				continue
			}
			return err
		}

		if h.Type == ZFIN {
			if _, err := s.session.writer.Write([]byte("OO")); err != nil {
				return xfer.Errorf(xfer.KindIO, "send OO: %v", err)
			}
			sess.SetState(xfer.StateEnd)
			sess.SetCurrentStatus("complete")
			return nil
		}

		if sess.CountError() {
			sess.sendAbort("too many consecutive errors")
			return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
		}
	}
}

// recoverWaitError handles a read failure while waiting for ZRINIT.
func (s *Sender) recoverWaitError(err error) error {
	sess := s.session
	switch {
	case xfer.IsTimeout(err):
		if sess.CountError() {
			sess.sendAbort("too many consecutive errors")
			return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
		}
		// Repeat the request.
		return sess.resendLastHeader()
	case xfer.IsCRC(err):
		if sess.CountError() {
			sess.sendAbort("too many consecutive errors")
			return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
		}
		return nil
	default:
		return err
	}
}

// Cancel cancels the transfer from another goroutine.
func (s *Sender) Cancel(keepPartial bool) {
	s.session.Cancel(keepPartial)
	s.session.Reader().Cancel()
}
