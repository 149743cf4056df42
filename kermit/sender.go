package kermit

import (
	"io"
	"path/filepath"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Sender uploads a batch of files using the Kermit protocol.
type Sender struct {
	session *Session
	files   []xfer.LocalFile
}

// NewSender creates a sender for the given batch.
func NewSender(cfg xfer.KermitConfig, reader *xfer.TimeoutReader, writer io.Writer, files []xfer.LocalFile) *Sender {
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

// Send runs the upload: S/Y negotiation, then F [A] D... Z per file,
// then B.
func (s *Sender) Send() error {
	sess := s.session
	sess.SetState(xfer.StateTransfer)
	sess.SetCurrentStatus("negotiating")

	// The S packet and its ack always travel under the pre-negotiation
	// parameters.
	sess.seq = 0
	reply, err := s.exchange(Packet{
		Type: TypeSendInit,
		Seq:  0,
		Data: sess.local.encode(),
	}, initParams())
	if err != nil {
		return err
	}
	sess.applyNegotiation(parseParams(reply.Data))
	sess.seq = nextSeq(sess.seq)

	for i, file := range s.files {
		rec := sess.Files()[i]
		if err := s.sendOne(file, rec); err != nil {
			return err
		}
		sess.SetState(xfer.StateFileDone)
	}

	if _, err := s.exchange(Packet{Type: TypeBreak, Seq: sess.seq}, sess.active); err != nil {
		return err
	}
	sess.seq = nextSeq(sess.seq)

	sess.SetState(xfer.StateEnd)
	sess.SetCurrentStatus("complete")
	return nil
}

func (s *Sender) sendOne(file xfer.LocalFile, rec *xfer.FileRecord) error {
	sess := s.session
	active := sess.active

	name := filepath.Base(rec.LocalName)
	if sess.cfg.RobustFilenames {
		name = robustName(name)
	}
	rec.RemoteName = name
	rec.StartTime = time.Now()
	sess.SetCurrentStatus("sending " + name)

	in, err := file.OpenRead()
	if err != nil {
		sess.SendError("cannot open " + name)
		return xfer.Errorf(xfer.KindIO, "open %s: %v", rec.LocalName, err)
	}
	defer in.Close()

	limit := active.dataLimit()
	pending := make([]byte, 0, limit*2)
	eof := false

	// Sniff the first chunk to pick text or binary mode. Text mode
	// converts LF to CRLF on the wire, exactly undone on the other
	// side, so it is only chosen for files that survive the round trip.
	head := make([]byte, limit)
	n, rerr := in.Read(head)
	pending = append(pending, head[:n]...)
	if rerr == io.EOF {
		eof = true
	} else if rerr != nil {
		sess.SendError("read failure on " + name)
		return xfer.Errorf(xfer.KindIO, "read %s: %v", rec.LocalName, rerr)
	}
	// Text mode needs the A-packet to declare itself; without the
	// attribute capability everything goes binary.
	textMode := !sess.cfg.ForceBinaryUpload && active.Capas&CapAttributes != 0 &&
		len(pending) > 0 && looksLikeText(pending)
	if textMode {
		pending = expandNewlines(pending)
	}

	nameWire, _ := encodeData([]byte(name), limit, active)
	if _, err := s.exchange(Packet{Type: TypeFile, Seq: sess.seq, Data: nameWire}, active); err != nil {
		return err
	}
	sess.seq = nextSeq(sess.seq)

	if active.Capas&CapAttributes != 0 {
		attrs := &Attributes{
			Size:   rec.Size,
			SizeK:  -1,
			Binary: !textMode,
			Access: xfer.AccessNew,
			System: "U1",
		}
		if rec.ModTime >= 0 {
			attrs.ModTime = time.UnixMilli(rec.ModTime)
		}
		attrWire, _ := encodeData(encodeAttributes(attrs), limit, active)
		if _, err := s.exchange(Packet{Type: TypeAttributes, Seq: sess.seq, Data: attrWire}, active); err != nil {
			return err
		}
		sess.seq = nextSeq(sess.seq)
	}

	progress := xfer.NewProgressTracker(sess.Callbacks.OnProgress, 0)
	progress.Start(name, rec.Size)
	sess.Callbacks.OnFileStart(name, rec.Size)
	sess.Logger.Info("kermit send: %s size=%d streaming=%v text=%v", name, rec.Size, active.streaming(), textMode)

	for {
		if err := sess.checkCancel(); err != nil {
			return err
		}

		// Keep at least one packet's worth of raw bytes buffered; a raw
		// byte never shrinks on the wire, so limit bytes always fill a
		// packet.
		for !eof && len(pending) < limit {
			chunk := make([]byte, limit)
			n, rerr := in.Read(chunk)
			piece := chunk[:n]
			if textMode {
				piece = expandNewlines(piece)
			}
			pending = append(pending, piece...)
			if rerr == io.EOF {
				eof = true
			} else if rerr != nil {
				sess.SendError("read failure on " + name)
				return xfer.Errorf(xfer.KindIO, "read %s: %v", rec.LocalName, rerr)
			}
		}
		if len(pending) == 0 {
			break
		}

		wire, consumed := encodeData(pending, limit, active)
		pending = pending[consumed:]

		pkt := Packet{Type: TypeData, Seq: sess.seq, Data: wire}
		if active.streaming() {
			if err := sess.send(pkt, active); err != nil {
				return err
			}
		} else {
			if _, err := s.exchange(pkt, active); err != nil {
				return err
			}
		}
		sess.seq = nextSeq(sess.seq)

		rec.BytesTransferred += int64(consumed)
		rec.BlocksTransferred++
		sess.CountBytes(int64(consumed), 1)
		progress.Update(rec.BytesTransferred)
	}

	// Z is acknowledged even in streaming mode.
	if _, err := s.exchange(Packet{Type: TypeEOF, Seq: sess.seq}, sess.active); err != nil {
		return err
	}
	sess.seq = nextSeq(sess.seq)

	rec.EndTime = time.Now()
	sess.Callbacks.OnFileComplete(name, rec.BytesTransferred, progress.Complete())
	return nil
}

// looksLikeText reports whether a buffer holds ordinary printable
// text: no NULs, no stray control bytes, no high bit.
func looksLikeText(p []byte) bool {
	for _, b := range p {
		switch {
		case b == '\t', b == '\n', b == '\r', b == 0x0C:
		case b >= 0x20 && b < 0x7F:
		default:
			return false
		}
	}
	return true
}

// expandNewlines converts LF to the CRLF canonical wire form. The
// receive side collapses CRLF back, and the pair of transforms is an
// exact inverse for every input, including bytes that already contain
// CR or CRLF.
func expandNewlines(p []byte) []byte {
	out := make([]byte, 0, len(p)+len(p)/8)
	for _, b := range p {
		if b == '\n' {
			out = append(out, '\r', '\n')
			continue
		}
		out = append(out, b)
	}
	return out
}

// exchange transmits a packet and waits for its acknowledgement,
// retransmitting on NAK, timeout or check failure.
func (s *Sender) exchange(p Packet, params Params) (Packet, error) {
	sess := s.session

	if err := sess.checkCancel(); err != nil {
		return Packet{}, err
	}
	if err := sess.send(p, params); err != nil {
		return Packet{}, err
	}

	for attempt := 0; attempt < sendRetries; {
		reply, err := readPacket(sess.reader, params)
		if err != nil {
			switch {
			case xfer.IsTimeout(err):
				sess.AddErrorMessage("timeout waiting for ACK")
			case xfer.IsCRC(err):
				sess.AddErrorMessage("corrupt reply packet")
			case xfer.IsCancelled(err):
				sess.SendError("transfer cancelled")
				return Packet{}, err
			default:
				sess.SetState(xfer.StateAbort)
				return Packet{}, err
			}
			if sess.CountError() {
				sess.SendError("too many consecutive errors")
				return Packet{}, xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
			attempt++
			if err := sess.resendLast(); err != nil {
				return Packet{}, err
			}
			continue
		}

		switch reply.Type {
		case TypeAck:
			if reply.Seq == p.Seq {
				sess.ResetErrors()
				return reply, nil
			}
			// Stale ack from an earlier packet; keep listening.
			continue
		case TypeNak:
			if reply.Seq == nextSeq(p.Seq) {
				// A NAK for the next packet implies this one arrived.
				sess.ResetErrors()
				return Packet{Type: TypeAck, Seq: p.Seq}, nil
			}
			sess.AddErrorMessage("NAK, retransmitting")
			if sess.CountError() {
				sess.SendError("too many consecutive errors")
				return Packet{}, xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
			attempt++
			if err := sess.resendLast(); err != nil {
				return Packet{}, err
			}
		case TypeError:
			return Packet{}, sess.remoteError(reply)
		default:
			sess.AddErrorMessage("unexpected packet type")
			if sess.CountError() {
				sess.SendError("too many consecutive errors")
				return Packet{}, xfer.NewError(xfer.KindTooManyErrors, "giving up after 10 errors")
			}
			attempt++
		}
	}

	sess.SendError("packet never acknowledged")
	return Packet{}, xfer.NewError(xfer.KindTooManyErrors, "packet never acknowledged")
}

// Cancel cancels the transfer from another goroutine.
func (s *Sender) Cancel(keepPartial bool) {
	s.session.Cancel(keepPartial)
	s.session.Reader().Cancel()
}
