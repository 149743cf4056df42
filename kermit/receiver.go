package kermit

import (
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

// receiverState is the explicit receive state machine.
type receiverState int

const (
	// stateInit waits for the S packet.
	stateInit receiverState = iota

	// stateFileWait waits for the next file header, attributes, or the
	// end of the batch.
	stateFileWait

	// stateData consumes D packets until the file's Z.
	stateData

	// stateComplete is the terminal success state.
	stateComplete
)

// Receiver downloads a batch of files using the Kermit protocol.
type Receiver struct {
	session *Session

	downloadDir string
	overwrite   bool

	// newFile builds the local file for an incoming name. Tests swap
	// this out; the default writes into downloadDir.
	newFile func(name string) xfer.LocalFile

	// Per-file state. The output opens lazily on the first D packet so
	// the attribute packet's disposition can pick append mode.
	pendingName string
	attrs       *Attributes
	file        xfer.LocalFile
	out         io.WriteCloser
	rec         *xfer.FileRecord
	progress    *xfer.ProgressTracker

	// textMode converts CRLF to the local line convention while
	// writing; pendingCR carries a CR split across packet boundaries.
	textMode  bool
	pendingCR bool

	// expected is the next sequence number in order.
	expected int
}

// NewReceiver creates a batch receiver writing into downloadDir.
func NewReceiver(cfg xfer.KermitConfig, reader *xfer.TimeoutReader, writer io.Writer, downloadDir string, overwrite bool) *Receiver {
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

// Receive runs the download state machine until the B packet or an
// error.
func (r *Receiver) Receive() error {
	sess := r.session
	sess.SetState(xfer.StateTransfer)
	sess.SetCurrentStatus("waiting for sender")

	state := stateInit
	for state != stateComplete {
		if err := sess.checkCancel(); err != nil {
			r.closeOut(true)
			return err
		}

		params := sess.active
		if state == stateInit {
			params = initParams()
		}

		pkt, err := readPacket(sess.reader, params)
		if err != nil {
			if herr := r.recoverReadError(err, params); herr != nil {
				r.closeOut(true)
				return herr
			}
			continue
		}

		// A duplicate of the packet we already acknowledged: the ack
		// was lost. Repeat it and stay put.
		if pkt.Seq == (r.expected+seqModulo-1)%seqModulo && state != stateInit {
			sess.Logger.Debug("kermit: duplicate seq %d, re-acking", pkt.Seq)
			if err := sess.resendLast(); err != nil {
				r.closeOut(true)
				return err
			}
			continue
		}

		if pkt.Type == TypeError {
			r.closeOut(true)
			return sess.remoteError(pkt)
		}

		next, err := r.step(state, pkt)
		if err != nil {
			r.closeOut(true)
			return err
		}
		state = next
	}

	sess.SetState(xfer.StateEnd)
	sess.SetCurrentStatus("complete")
	return nil
}

// step feeds one packet into the state machine and returns the next
// state.
func (r *Receiver) step(state receiverState, pkt Packet) (receiverState, error) {
	sess := r.session

	if pkt.Seq != r.expected && !(state == stateInit && pkt.Type == TypeSendInit) {
		sess.AddErrorMessage(fmt.Sprintf("out of sequence: got %d want %d", pkt.Seq, r.expected))
		return state, r.nakExpected()
	}

	switch state {
	case stateInit:
		if pkt.Type != TypeSendInit {
			sess.AddErrorMessage("expected S packet")
			return state, r.nakExpected()
		}
		remote := parseParams(pkt.Data)
		// The ack of the S packet carries our own parameters and still
		// travels under the pre-negotiation rules.
		if err := sess.sendAck(pkt.Seq, sess.local.encode(), initParams()); err != nil {
			return state, err
		}
		sess.applyNegotiation(remote)
		r.expected = nextSeq(pkt.Seq)
		sess.ResetErrors()
		return stateFileWait, nil

	case stateFileWait:
		switch pkt.Type {
		case TypeFile:
			name, err := decodeData(pkt.Data, sess.active)
			if err != nil {
				sess.SendError("undecodable file name")
				return state, xfer.NewError(xfer.KindProtocol, "undecodable file name")
			}
			r.pendingName = string(name)
			r.attrs = nil
			sess.SetCurrentStatus("receiving " + r.pendingName)
			if err := r.ackAdvance(pkt); err != nil {
				return state, err
			}
			return stateData, nil

		case TypeBreak:
			if err := sess.sendAck(pkt.Seq, nil, sess.active); err != nil {
				return state, err
			}
			r.expected = nextSeq(pkt.Seq)
			sess.ResetErrors()
			return stateComplete, nil

		case TypeData:
			sess.SendError("data packet before file header")
			return state, xfer.NewError(xfer.KindProtocol, "data packet before file header")

		default:
			sess.AddErrorMessage(fmt.Sprintf("unexpected %c packet", pkt.Type))
			return state, r.nakExpected()
		}

	case stateData:
		switch pkt.Type {
		case TypeAttributes:
			attrs, err := r.parseAttrPacket(pkt)
			if err != nil {
				sess.SendError("malformed attribute packet")
				return state, err
			}
			r.attrs = attrs
			if err := r.ackAdvance(pkt); err != nil {
				return state, err
			}
			return stateData, nil

		case TypeData:
			if err := r.writeData(pkt); err != nil {
				return state, err
			}
			if sess.active.streaming() {
				// Streaming: data packets go unacknowledged.
				r.expected = nextSeq(pkt.Seq)
				sess.ResetErrors()
				return stateData, nil
			}
			if err := r.ackAdvance(pkt); err != nil {
				return state, err
			}
			return stateData, nil

		case TypeEOF:
			if err := r.finishFile(); err != nil {
				return state, err
			}
			if err := r.ackAdvance(pkt); err != nil {
				return state, err
			}
			return stateFileWait, nil

		case TypeBreak:
			sess.SendError("break packet inside file")
			return state, xfer.NewError(xfer.KindProtocol, "break packet inside file")

		default:
			sess.AddErrorMessage(fmt.Sprintf("unexpected %c packet", pkt.Type))
			return state, r.nakExpected()
		}
	}

	return state, xfer.Errorf(xfer.KindProtocol, "impossible receive state %d", state)
}

// ackAdvance acknowledges pkt and bumps the expected sequence.
func (r *Receiver) ackAdvance(pkt Packet) error {
	if err := r.session.sendAck(pkt.Seq, nil, r.session.active); err != nil {
		return err
	}
	r.expected = nextSeq(pkt.Seq)
	r.session.ResetErrors()
	return nil
}

// nakExpected NAKs the expected sequence, counting the error.
func (r *Receiver) nakExpected() error {
	sess := r.session
	if sess.CountError() {
		sess.SendError("too many consecutive errors")
		return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
	}
	params := sess.active
	return sess.sendNak(r.expected, params)
}

// recoverReadError folds a packet read failure into the NAK protocol.
// A nil return means the driver should try again.
func (r *Receiver) recoverReadError(err error, params Params) error {
	sess := r.session
	switch {
	case xfer.IsTimeout(err):
		sess.AddErrorMessage("timeout")
	case xfer.IsCRC(err):
		sess.AddErrorMessage("block check failed")
	case xfer.IsCancelled(err):
		sess.SendError("transfer cancelled")
		return err
	default:
		sess.SetState(xfer.StateAbort)
		return err
	}

	if sess.CountError() {
		sess.SendError("too many consecutive errors")
		return xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
	}
	return sess.sendNak(r.expected, params)
}

func (r *Receiver) parseAttrPacket(pkt Packet) (*Attributes, error) {
	raw, err := decodeData(pkt.Data, r.session.active)
	if err != nil {
		return nil, err
	}
	return parseAttributes(raw)
}

// openOut opens the output file, honoring the attribute disposition.
func (r *Receiver) openOut() error {
	sess := r.session

	access := xfer.AccessNew
	size := int64(-1)
	var modTime time.Time
	if r.attrs != nil {
		access = r.attrs.Access
		if r.attrs.Size >= 0 {
			size = r.attrs.Size
		} else if r.attrs.SizeK >= 0 {
			size = r.attrs.SizeK * 1024
		}
		modTime = r.attrs.ModTime
	}

	accept, err := sess.Callbacks.OnFilePrompt(r.pendingName, size, 0)
	if err != nil {
		sess.SendError("transfer refused")
		return err
	}
	if !accept {
		sess.SendError("file refused by receiver")
		return xfer.Errorf(xfer.KindFileSkipped, "%s refused", r.pendingName)
	}

	file := r.newFile(r.pendingName)
	if file.Exists() && access != xfer.AccessAppend && access != xfer.AccessSupersede && !r.overwrite {
		// NEW and WARN dispositions rename instead of clobbering.
		base := file.Name()
		for n := 0; ; n++ {
			candidate := xfer.NewDiskFile(fmt.Sprintf("%s.%d", base, n))
			if !candidate.Exists() {
				if access == xfer.AccessWarn {
					sess.AddInfoMessage(fmt.Sprintf("renaming %s to %s", base, candidate.Name()))
				}
				file = candidate
				break
			}
		}
	}
	r.file = file

	out, err := file.OpenWrite(access == xfer.AccessAppend)
	if err != nil {
		sess.SendError("cannot create " + r.pendingName)
		return xfer.Errorf(xfer.KindIO, "open %s: %v", file.Name(), err)
	}
	r.out = out

	// A sender that declares a text file gets its line endings
	// converted, unless the configuration pins binary.
	r.textMode = r.attrs != nil && !r.attrs.Binary && !sess.cfg.ForceBinaryDownload
	r.pendingCR = false

	r.rec = &xfer.FileRecord{
		File:       file,
		LocalName:  file.Name(),
		RemoteName: r.pendingName,
		Size:       size,
		ModTime:    -1,
		Access:     access,
		StartTime:  time.Now(),
	}
	if !modTime.IsZero() {
		r.rec.ModTime = modTime.UnixMilli()
	}
	sess.AddFile(r.rec)

	r.progress = xfer.NewProgressTracker(sess.Callbacks.OnProgress, 0)
	r.progress.Start(r.pendingName, size)
	sess.Callbacks.OnFileStart(r.pendingName, size)
	sess.Logger.Info("kermit receive: %s size=%d access=%d", r.pendingName, size, access)
	return nil
}

// writeData decodes and writes one D packet.
func (r *Receiver) writeData(pkt Packet) error {
	sess := r.session

	if r.out == nil {
		if err := r.openOut(); err != nil {
			return err
		}
	}

	raw, err := decodeData(pkt.Data, sess.active)
	if err != nil {
		sess.SendError("undecodable data packet")
		return err
	}
	if r.textMode {
		raw = r.convertText(raw)
	}
	if _, err := r.out.Write(raw); err != nil {
		sess.SendError("write failure")
		return xfer.Errorf(xfer.KindIO, "write %s: %v", r.rec.LocalName, err)
	}

	r.rec.BytesTransferred += int64(len(raw))
	r.rec.BlocksTransferred++
	sess.CountBytes(int64(len(raw)), 1)
	r.progress.Update(r.rec.BytesTransferred)
	return nil
}

// convertText rewrites CRLF pairs to LF, holding back a trailing CR in
// case its LF starts the next packet.
func (r *Receiver) convertText(raw []byte) []byte {
	out := make([]byte, 0, len(raw)+1)
	if r.pendingCR {
		if len(raw) > 0 && raw[0] == '\n' {
			// The held CR was half of a CRLF.
		} else {
			out = append(out, '\r')
		}
		r.pendingCR = false
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] == '\r' {
			if i == len(raw)-1 {
				r.pendingCR = true
				return out
			}
			if raw[i+1] == '\n' {
				out = append(out, '\n')
				i++
				continue
			}
		}
		out = append(out, raw[i])
	}
	return out
}

// finishFile closes out the current file on Z.
func (r *Receiver) finishFile() error {
	sess := r.session

	// A zero-length file arrives as F then Z with no D packets.
	if r.out == nil {
		if err := r.openOut(); err != nil {
			return err
		}
	}

	if r.textMode && r.pendingCR {
		// A file genuinely ending in a bare CR.
		r.out.Write([]byte{'\r'})
		r.pendingCR = false
	}

	if err := r.out.Close(); err != nil {
		sess.SetState(xfer.StateAbort)
		return xfer.Errorf(xfer.KindIO, "close %s: %v", r.rec.LocalName, err)
	}
	r.out = nil

	if r.attrs != nil && !r.attrs.ModTime.IsZero() {
		if err := r.file.SetModTime(r.attrs.ModTime); err != nil {
			sess.Logger.Error("set mtime %s: %v", r.rec.LocalName, err)
		}
	}

	r.rec.EndTime = time.Now()
	sess.Callbacks.OnFileComplete(r.rec.RemoteName, r.rec.BytesTransferred, r.progress.Complete())
	sess.SetState(xfer.StateFileDone)
	sess.SetState(xfer.StateTransfer)
	return nil
}

// closeOut cleans up on an abnormal exit, honoring the keep-partial
// flag.
func (r *Receiver) closeOut(aborting bool) {
	if r.out != nil {
		r.out.Close()
		r.out = nil
	}
	if aborting && r.file != nil && r.session.CancelFlag() == xfer.CancelDeletePartial {
		if err := r.file.Delete(); err != nil {
			r.session.Logger.Error("delete partial %s: %v", r.file.Name(), err)
		}
	}
}

// Cancel cancels the transfer from another goroutine.
func (r *Receiver) Cancel(keepPartial bool) {
	r.session.Cancel(keepPartial)
	r.session.Reader().Cancel()
}
