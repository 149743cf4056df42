package xmodem

import (
	"io"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Sender uploads one file using the Xmodem protocol. Xmodem has no
// batch mode; one session moves exactly one file.
type Sender struct {
	session  *Session
	file     xfer.LocalFile
	progress *xfer.ProgressTracker
}

// NewSender creates a sender for the given local file.
func NewSender(flavor Flavor, reader *xfer.TimeoutReader, writer io.Writer, file xfer.LocalFile) *Sender {
	session := NewSession(flavor, reader, writer, false)

	size := int64(-1)
	if n, err := file.Length(); err == nil {
		size = n
	}
	session.AddFile(&xfer.FileRecord{
		File:      file,
		LocalName: file.Name(),
		Size:      size,
		Blocks:    blocksFor(size, BlockSize(flavor)),
		BlockSize: BlockSize(flavor),
		ModTime:   -1,
	})
	if size >= 0 {
		session.SetTotals(size, blocksFor(size, BlockSize(flavor)))
	}

	return &Sender{session: session, file: file}
}

func blocksFor(size int64, blockSize int) int64 {
	if size < 0 {
		return -1
	}
	return (size + int64(blockSize) - 1) / int64(blockSize)
}

// Session exposes the underlying session for status and cancellation.
func (s *Sender) Session() *Session {
	return s.session
}

// Send performs the upload: wait for the receiver's start byte, push
// blocks with retry-on-NAK, then EOT.
func (s *Sender) Send() error {
	sess := s.session
	rec := sess.CurrentFile()

	sess.SetState(xfer.StateTransfer)
	sess.SetCurrentStatus("sending " + rec.LocalName)
	rec.StartTime = time.Now()

	in, err := s.file.OpenRead()
	if err != nil {
		sess.Abort()
		return xfer.Errorf(xfer.KindIO, "open %s: %v", rec.LocalName, err)
	}
	defer in.Close()

	s.progress = xfer.NewProgressTracker(sess.Callbacks.OnProgress, 0)
	s.progress.Start(rec.LocalName, rec.Size)
	sess.Callbacks.OnFileStart(rec.LocalName, rec.Size)

	ncg, err := sess.WaitNCG()
	if err != nil {
		return err
	}
	sess.Logger.Info("xmodem send: %s start=%#02x flavor=%s", rec.LocalName, ncg, FlavorName(sess.Flavor()))

	for {
		data, err := sess.ReadFileBlock(in)
		if err != nil {
			sess.Abort()
			return xfer.Errorf(xfer.KindIO, "read %s: %v", rec.LocalName, err)
		}
		if data == nil {
			break
		}

		if err := sess.SendBlock(data); err != nil {
			rec.EndTime = time.Now()
			return err
		}

		rec.BytesTransferred += int64(len(data))
		rec.BlocksTransferred++
		sess.CountBytes(int64(len(data)), 1)
		s.progress.Update(rec.BytesTransferred)
	}

	if err := sess.SendEOT(); err != nil {
		rec.EndTime = time.Now()
		return err
	}

	rec.EndTime = time.Now()
	sess.SetState(xfer.StateEnd)
	sess.SetCurrentStatus("complete")
	sess.Callbacks.OnFileComplete(rec.LocalName, rec.BytesTransferred, s.progress.Complete())
	return nil
}

// Cancel cancels the transfer from another goroutine.
func (s *Sender) Cancel(keepPartial bool) {
	s.session.Cancel(keepPartial)
	s.session.Reader().Cancel()
}
