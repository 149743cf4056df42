package xmodem

import (
	"io"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Receiver downloads one file using the Xmodem protocol.
type Receiver struct {
	session *Session
	file    xfer.LocalFile

	// trimEOF strips trailing CP/M EOF bytes after a good transfer.
	// Ymodem turns this off because it truncates to the exact size
	// instead.
	trimEOF bool

	progress *xfer.ProgressTracker
}

// NewReceiver creates a receiver that writes the incoming file to file.
// When overwrite is false and the file already exists, the constructor
// fails rather than clobbering it.
func NewReceiver(flavor Flavor, reader *xfer.TimeoutReader, writer io.Writer, file xfer.LocalFile, overwrite bool) (*Receiver, error) {
	if file.Exists() && !overwrite {
		return nil, xfer.Errorf(xfer.KindFileExists, "%s already exists, will not overwrite", file.Name())
	}

	session := NewSession(flavor, reader, writer, true)
	session.AddFile(&xfer.FileRecord{
		File:      file,
		LocalName: file.Name(),
		Size:      -1,
		Blocks:    -1,
		BlockSize: BlockSize(flavor),
		ModTime:   -1,
	})

	return &Receiver{
		session: session,
		file:    file,
		trimEOF: true,
	}, nil
}

// Session exposes the underlying session for status and cancellation.
func (r *Receiver) Session() *Session {
	return r.session
}

// Receive performs the download. Xmodem is simpler run as a direct
// procedure than as an explicit state machine: send the NCG byte, read
// blocks until EOT, trim the padding.
func (r *Receiver) Receive() error {
	s := r.session
	rec := s.CurrentFile()

	s.SetState(xfer.StateTransfer)
	s.SetCurrentStatus("receiving " + rec.LocalName)
	rec.StartTime = time.Now()

	out, err := r.file.OpenWrite(false)
	if err != nil {
		s.Abort()
		return xfer.Errorf(xfer.KindIO, "open %s: %v", rec.LocalName, err)
	}

	r.progress = xfer.NewProgressTracker(s.Callbacks.OnProgress, 0)
	r.progress.Start(rec.LocalName, -1)
	s.Callbacks.OnFileStart(rec.LocalName, -1)
	s.Logger.Info("xmodem receive: %s flavor=%s", rec.LocalName, FlavorName(s.Flavor()))

	if err := s.SendNCG(); err != nil {
		out.Close()
		return err
	}

	for {
		data, eot, err := s.ReadBlock()
		if err != nil {
			out.Close()
			r.finishAbort()
			return err
		}
		if eot {
			break
		}

		if _, err := out.Write(data); err != nil {
			out.Close()
			s.Abort()
			return xfer.Errorf(xfer.KindIO, "write %s: %v", rec.LocalName, err)
		}

		rec.BytesTransferred += int64(len(data))
		rec.BlocksTransferred++
		s.CountBytes(int64(len(data)), 1)
		r.progress.Update(rec.BytesTransferred)
	}

	if err := out.Close(); err != nil {
		s.Abort()
		return xfer.Errorf(xfer.KindIO, "close %s: %v", rec.LocalName, err)
	}

	// EOT seen: strip trailing CP/M EOF padding. A file that genuinely
	// ends in 0x1A loses those bytes; Xmodem carries no length, so the
	// ambiguity is inherent to the protocol.
	if r.trimEOF {
		if err := xfer.TrimTrailing(r.file, CPMEOF); err != nil {
			s.Logger.Error("trim EOF: %v", err)
		}
	}

	rec.EndTime = time.Now()
	s.SetState(xfer.StateEnd)
	s.SetCurrentStatus("complete")
	s.Callbacks.OnFileComplete(rec.LocalName, rec.BytesTransferred, r.progress.Complete())
	return nil
}

// finishAbort closes out a failed download, deleting the partial file
// when the cancel flag asks for that.
func (r *Receiver) finishAbort() {
	if r.session.CancelFlag() == xfer.CancelDeletePartial {
		if err := r.file.Delete(); err != nil {
			r.session.Logger.Error("delete partial %s: %v", r.file.Name(), err)
		}
	}
	if rec := r.session.CurrentFile(); rec != nil {
		rec.EndTime = time.Now()
	}
}

// Cancel cancels the transfer from another goroutine. The pending read
// is interrupted so the driver wakes promptly.
func (r *Receiver) Cancel(keepPartial bool) {
	r.session.Cancel(keepPartial)
	r.session.Reader().Cancel()
}
