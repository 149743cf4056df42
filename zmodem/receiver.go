package zmodem

import (
	"crypto/rand"
	"encoding/binary"
	"io"
	"path/filepath"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Receiver downloads a batch of files using the Zmodem protocol.
type Receiver struct {
	session *Session

	downloadDir string
	overwrite   bool

	// newFile builds the local file for an incoming name. Tests swap
	// this out; the default writes into downloadDir.
	newFile func(name string) xfer.LocalFile
}

// NewReceiver creates a batch receiver writing into downloadDir.
func NewReceiver(cfg xfer.ZmodemConfig, reader *xfer.TimeoutReader, writer io.Writer, downloadDir string, overwrite bool) *Receiver {
	r := &Receiver{
		session:     NewSession(cfg, reader, writer, true),
		downloadDir: downloadDir,
		overwrite:   overwrite,
	}
	r.newFile = func(name string) xfer.LocalFile {
		return xfer.NewDiskFile(filepath.Join(downloadDir, filepath.Base(name)))
	}
	return r
}

// Session exposes the underlying session for status and cancellation.
func (r *Receiver) Session() *Session {
	return r.session
}

// SetFileFactory overrides how incoming names map to local files.
func (r *Receiver) SetFileFactory(f func(name string) xfer.LocalFile) {
	r.newFile = f
}

// Cancel cancels the transfer from another goroutine.
func (r *Receiver) Cancel(keepPartial bool) {
	r.session.Cancel(keepPartial)
	r.session.Reader().Cancel()
}

// Receive drives the download: optional ZCHALLENGE, then ZRINIT and the
// ZFILE/ZDATA/ZEOF cycle per file until ZFIN.
func (r *Receiver) Receive() error {
	sess := r.session
	sess.SetState(xfer.StateTransfer)
	sess.SetCurrentStatus("waiting for sender")

	if sess.cfg.IssueZChallenge {
		if err := r.challenge(); err != nil {
			return err
		}
		// The sender proved itself and is now waiting on us; invite the
		// transfer.
		if err := r.sendZrinit(); err != nil {
			return err
		}
	}

	// Wait for the sender's ZRQINIT and answer it, rather than blurting
	// ZRINIT at a sender that has not spoken yet; the reply path below
	// covers both orders.
	for {
		if err := sess.checkCancel(); err != nil {
			return err
		}

		h, err := sess.readHeader()
		if err != nil {
			if herr := r.recoverWaitError(err); herr != nil {
				return herr
			}
			continue
		}

		switch h.Type {
		case ZRQINIT:
			// Sender is still asking; repeat our capabilities.
			if err := r.sendZrinit(); err != nil {
				return err
			}

		case ZSINIT:
			if err := r.handleSinit(h); err != nil {
				return err
			}

		case ZFILE:
			if err := r.handleFile(); err != nil {
				if xfer.IsSkipped(err) {
					// Skip acknowledged; wait for the next offer.
					if err := r.sendZrinit(); err != nil {
						return err
					}
					continue
				}
				return err
			}
			// File done: invite the next one.
			if err := r.sendZrinit(); err != nil {
				return err
			}

		case ZFIN:
			// Answer in kind, then collect the "OO" trailer.
			if err := sess.sendHexHeader(Header{Type: ZFIN}); err != nil {
				return err
			}
			r.drainTrailer()
			sess.SetState(xfer.StateEnd)
			sess.SetCurrentStatus("complete")
			return nil

		case ZCOMMAND:
			if err := r.denyCommand(); err != nil {
				return err
			}

		case ZFREECNT:
			// Report a comfortable amount of free space.
			if err := sess.sendHexHeader(Header{Type: ZACK, Data: 1 << 30}); err != nil {
				return err
			}

		case ZABORT, ZFERR:
			sess.AddErrorMessage("transfer cancelled by sender")
			sess.SetState(xfer.StateAbort)
			return xfer.NewError(xfer.KindCancelled, "transfer cancelled by sender")

		default:
			if sess.CountError() {
				sess.sendAbort("too many consecutive errors")
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
		}
	}
}

// challenge issues a ZCHALLENGE and expects the value echoed in ZACK.
func (r *Receiver) challenge() error {
	sess := r.session

	var nonce [4]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return xfer.Errorf(xfer.KindIO, "challenge nonce: %v", err)
	}
	value := binary.BigEndian.Uint32(nonce[:])

	if err := sess.sendHexHeader(Header{Type: ZCHALLENGE, Data: value}); err != nil {
		return err
	}

	for {
		h, err := sess.readHeader()
		if err != nil {
			if herr := r.recoverWaitError(err); herr != nil {
				return herr
			}
			continue
		}

		switch h.Type {
		case ZACK:
			if h.Data != value {
				sess.sendAbort("challenge mismatch")
				return xfer.NewError(xfer.KindProtocol, "challenge mismatch")
			}
			sess.ResetErrors()
			return nil
		case ZRQINIT:
			// Sender spoke first; challenge again.
			if err := sess.resendLastHeader(); err != nil {
				return err
			}
		default:
			if sess.CountError() {
				sess.sendAbort("too many consecutive errors")
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
		}
	}
}

// sendZrinit advertises our capabilities.
func (r *Receiver) sendZrinit() error {
	sess := r.session

	var flags byte = CANFDX | CANOVIO
	if sess.cfg.UseCrc32 {
		flags |= CANFC32
	}
	if sess.escapeControl {
		flags |= ESCCTL
	}
	return sess.sendHexHeader(flagsHeader(ZRINIT, flags))
}

// handleSinit absorbs the sender's ZSINIT: escape flags and the
// attention string, acknowledged with ZACK.
func (r *Receiver) handleSinit(h Header) error {
	sess := r.session

	flags := h.Flags()
	escCtl := sess.escapeControl || flags&TESCCTL != 0
	esc8 := sess.escape8Bit || flags&TESC8 != 0
	sess.setEscapeFlags(escCtl, esc8)

	payload, term, err := sess.readSubpacket()
	if err != nil || term != ZCRCW {
		if xfer.IsCancelled(err) {
			return err
		}
		sess.AddErrorMessage("bad ZSINIT payload")
		if sess.CountError() {
			sess.sendAbort("too many consecutive errors")
			return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
		}
		return sess.sendHexHeader(Header{Type: ZNAK})
	}

	// Strip the NUL terminator from the attention string.
	if n := len(payload); n > 0 && payload[n-1] == 0 {
		payload = payload[:n-1]
	}
	if len(payload) > 0 {
		sess.attn = payload
	}
	sess.ResetErrors()
	return sess.sendHexHeader(Header{Type: ZACK, Data: 1})
}

// handleFile consumes a ZFILE offer and transfers the file body.
func (r *Receiver) handleFile() error {
	sess := r.session

	payload, term, err := sess.readSubpacket()
	if err != nil || term != ZCRCW {
		if err != nil && xfer.IsCancelled(err) {
			return err
		}
		sess.AddErrorMessage("bad ZFILE payload")
		if sess.CountError() {
			sess.sendAbort("too many consecutive errors")
			return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
		}
		return sess.sendHexHeader(Header{Type: ZNAK})
	}

	meta, err := parseFileMeta(payload)
	if err != nil {
		sess.sendAbort("malformed ZFILE metadata")
		return err
	}

	accept, err := sess.Callbacks.OnFilePrompt(meta.Name, meta.Size, meta.Mode)
	if err != nil {
		sess.sendAbort("transfer refused")
		return err
	}
	if !accept {
		if err := sess.sendHexHeader(Header{Type: ZSKIP}); err != nil {
			return err
		}
		return xfer.Errorf(xfer.KindFileSkipped, "%s refused", meta.Name)
	}

	file := r.newFile(meta.Name)

	// Resume when a shorter copy is already on disk; otherwise the
	// existing file either gets replaced (overwrite) or blocks the
	// transfer.
	var offset int64
	if file.Exists() {
		if length, lerr := file.Length(); lerr == nil && meta.Size >= 0 && length < meta.Size {
			offset = length
		} else if !r.overwrite {
			sess.sendAbort(file.Name() + " already exists")
			return xfer.Errorf(xfer.KindFileExists, "%s already exists, will not overwrite", file.Name())
		}
	}

	out, err := file.OpenWrite(offset > 0)
	if err != nil {
		sess.sendAbort("cannot create " + meta.Name)
		return xfer.Errorf(xfer.KindIO, "open %s: %v", file.Name(), err)
	}

	rec := &xfer.FileRecord{
		File:       file,
		LocalName:  file.Name(),
		RemoteName: meta.Name,
		Size:       meta.Size,
		BlockSize:  blockSize,
		ModTime:    -1,
		StartTime:  time.Now(),
	}
	if meta.ModTime >= 0 {
		rec.ModTime = meta.ModTime * 1000
	}
	if offset > 0 {
		rec.BytesTransferred = offset
		sess.AddInfoMessage("resuming " + file.Name())
	}
	sess.AddFile(rec)
	sess.SetCurrentStatus("receiving " + meta.Name)

	progress := xfer.NewProgressTracker(sess.Callbacks.OnProgress, 0)
	progress.Start(meta.Name, meta.Size)
	sess.Callbacks.OnFileStart(meta.Name, meta.Size)
	sess.Logger.Info("zmodem receive: %s size=%d offset=%d", meta.Name, meta.Size, offset)

	err = r.receiveBody(out, rec, offset, progress)
	if cerr := out.Close(); err == nil && cerr != nil {
		err = xfer.Errorf(xfer.KindIO, "close %s: %v", rec.LocalName, cerr)
	}

	if err != nil {
		if sess.CancelFlag() == xfer.CancelDeletePartial {
			if derr := file.Delete(); derr != nil {
				sess.Logger.Error("delete partial %s: %v", file.Name(), derr)
			}
		}
		rec.EndTime = time.Now()
		return err
	}

	if meta.ModTime > 0 {
		if err := file.SetModTime(time.Unix(meta.ModTime, 0)); err != nil {
			sess.Logger.Error("set mtime %s: %v", rec.LocalName, err)
		}
	}
	rec.EndTime = time.Now()
	sess.Callbacks.OnFileComplete(meta.Name, rec.BytesTransferred, progress.Complete())
	return nil
}

// receiveBody pulls ZDATA subpackets from offset until the matching
// ZEOF. Bad CRCs trigger ZRPOS at the last good offset; the sender
// seeks and retransmits.
func (r *Receiver) receiveBody(out io.Writer, rec *xfer.FileRecord, offset int64, progress *xfer.ProgressTracker) error {
	sess := r.session

	if err := sess.sendHexHeader(positionHeader(ZRPOS, offset)); err != nil {
		return err
	}

	for {
		if err := sess.checkCancel(); err != nil {
			return err
		}

		h, err := sess.readHeader()
		if err != nil {
			switch {
			case xfer.IsTimeout(err):
				if sess.CountError() {
					sess.sendAbort("too many consecutive errors")
					return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
				}
				if err := sess.sendHexHeader(positionHeader(ZRPOS, offset)); err != nil {
					return err
				}
				continue
			case recoverable(err):
				// Mangled or half-swallowed frame; name our position
				// again so the sender reconverges.
				if sess.CountError() {
					sess.sendAbort("too many consecutive errors")
					return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
				}
				if err := r.reposition(offset); err != nil {
					return err
				}
				continue
			default:
				return err
			}
		}

		switch h.Type {
		case ZDATA:
			if h.Position() != offset {
				// Stale or overlapping data; put the sender back where
				// we are.
				if err := r.reposition(offset); err != nil {
					return err
				}
				continue
			}
			newOffset, err := r.drainSubpackets(out, rec, offset, progress)
			offset = newOffset
			if err != nil {
				if recoverable(err) {
					if sess.CountError() {
						sess.sendAbort("too many consecutive errors")
						return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
					}
					if err := r.reposition(offset); err != nil {
						return err
					}
					continue
				}
				return err
			}

		case ZEOF:
			if h.Position() != offset {
				// An EOF for a position we never reached: data was
				// lost on the way. Point the sender back at us.
				if sess.CountError() {
					sess.sendAbort("too many consecutive errors")
					return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
				}
				if err := r.reposition(offset); err != nil {
					return err
				}
				continue
			}
			sess.ResetErrors()
			return nil

		case ZFILE:
			// Duplicate offer: our ZRPOS got lost. Absorb the payload
			// and answer again.
			sess.readSubpacket()
			if err := sess.sendHexHeader(positionHeader(ZRPOS, offset)); err != nil {
				return err
			}

		case ZNAK:
			if err := sess.resendLastHeader(); err != nil {
				return err
			}

		case ZABORT, ZFERR:
			sess.AddErrorMessage("transfer cancelled by sender")
			sess.SetState(xfer.StateAbort)
			return xfer.NewError(xfer.KindCancelled, "transfer cancelled by sender")

		default:
			if sess.CountError() {
				sess.sendAbort("too many consecutive errors")
				return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
		}
	}
}

// drainSubpackets consumes the subpacket stream after a ZDATA header,
// writing payloads and acknowledging ZCRCQ/ZCRCW. Returns the new
// offset; the error reports how the stream ended.
func (r *Receiver) drainSubpackets(out io.Writer, rec *xfer.FileRecord, offset int64, progress *xfer.ProgressTracker) (int64, error) {
	sess := r.session

	for {
		data, term, err := sess.readSubpacket()
		if err != nil {
			return offset, err
		}

		if _, werr := out.Write(data); werr != nil {
			sess.sendAbort("write failure")
			return offset, xfer.Errorf(xfer.KindIO, "write %s: %v", rec.LocalName, werr)
		}
		offset += int64(len(data))
		rec.BytesTransferred = offset
		rec.BlocksTransferred++
		sess.CountBytes(int64(len(data)), 1)
		progress.Update(rec.BytesTransferred)
		sess.ResetErrors()

		switch term {
		case ZCRCG:
			// Streaming continues.
		case ZCRCQ:
			if err := sess.sendHexHeader(positionHeader(ZACK, offset)); err != nil {
				return offset, err
			}
		case ZCRCW:
			if err := sess.sendHexHeader(positionHeader(ZACK, offset)); err != nil {
				return offset, err
			}
			return offset, nil
		case ZCRCE:
			// Frame over; a header follows.
			return offset, nil
		}
	}
}

// recoverWaitError handles a read failure while waiting between files:
// timeouts repeat the last header, corruption just counts. Cancellation
// and stream death pass through and end the session.
func (r *Receiver) recoverWaitError(err error) error {
	sess := r.session
	switch {
	case xfer.IsTimeout(err):
		if sess.CountError() {
			sess.sendAbort("too many consecutive errors")
			return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
		}
		return sess.resendLastHeader()
	case recoverable(err):
		if sess.CountError() {
			sess.sendAbort("too many consecutive errors")
			return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
		}
		return nil
	default:
		return err
	}
}

// recoverable reports whether a subpacket failure is the kind ZRPOS
// recovery handles: corruption or silence, not cancellation or a dead
// stream.
func recoverable(err error) bool {
	e, ok := err.(*xfer.Error)
	if !ok {
		return false
	}
	switch e.Kind {
	case xfer.KindCRC, xfer.KindTimeout, xfer.KindEncoding, xfer.KindProtocol:
		return true
	}
	return false
}

// reposition replays the attention string (to break a streaming sender
// out of its write loop) and names our offset.
func (r *Receiver) reposition(offset int64) error {
	sess := r.session
	if len(sess.attn) > 0 {
		if _, err := sess.writer.Write(sess.attn); err != nil {
			return xfer.Errorf(xfer.KindIO, "send attention: %v", err)
		}
	}
	return sess.sendHexHeader(positionHeader(ZRPOS, offset))
}

// denyCommand refuses a ZCOMMAND politely.
func (r *Receiver) denyCommand() error {
	sess := r.session
	sess.readSubpacket()
	sess.AddErrorMessage("remote command denied")
	return sess.sendHexHeader(Header{Type: ZCOMPL})
}

// drainTrailer reads the "OO" that follows the final ZFIN, tolerating
// its absence.
func (r *Receiver) drainTrailer() {
	old := r.session.reader.Timeout()
	r.session.reader.SetTimeout(time.Second)
	defer r.session.reader.SetTimeout(old)

	for i := 0; i < 2; i++ {
		if _, err := r.session.reader.ReadByte(); err != nil {
			return
		}
	}
}
