package ymodem

import (
	"io"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
	"github.com/drunlade/go-serialxfer/xmodem"
)

// Sender uploads a batch of files using the Ymodem protocol.
type Sender struct {
	session *xmodem.Session
	flavor  Flavor
	files   []xfer.LocalFile
}

// NewSender creates a sender for the given batch.
func NewSender(flavor Flavor, reader *xfer.TimeoutReader, writer io.Writer, files []xfer.LocalFile) *Sender {
	session := xmodem.NewSession(xmodemFlavor(flavor), reader, writer, false)

	var totalBytes, totalBlocks int64
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
			BlockSize: 1024,
			ModTime:   mtime,
		})
		if size >= 0 {
			totalBytes += size
			totalBlocks += (size + 1023) / 1024
		}
	}
	session.SetTotals(totalBytes, totalBlocks)

	return &Sender{session: session, flavor: flavor, files: files}
}

// Session exposes the underlying session for status and cancellation.
func (s *Sender) Session() *xmodem.Session {
	return s.session
}

// Send pushes every file in the batch, then the all-zero terminator
// block. Per file: metadata block at sequence 0, the body as 1K blocks,
// EOT.
func (s *Sender) Send() error {
	sess := s.session
	sess.SetState(xfer.StateTransfer)

	for i, file := range s.files {
		rec := sess.Files()[i]
		if err := s.sendOne(file, rec); err != nil {
			return err
		}
		sess.SetState(xfer.StateFileDone)
	}

	// Empty metadata block terminates the batch.
	if _, err := sess.WaitNCG(); err != nil {
		return err
	}
	sess.SetSeq(0)
	terminator, err := encodeMeta(&FileMeta{})
	if err != nil {
		return err
	}
	if err := sess.SendBlock(terminator); err != nil {
		return err
	}

	sess.SetState(xfer.StateEnd)
	sess.SetCurrentStatus("complete")
	return nil
}

func (s *Sender) sendOne(file xfer.LocalFile, rec *xfer.FileRecord) error {
	sess := s.session
	sess.SetCurrentStatus("sending " + rec.LocalName)
	rec.StartTime = time.Now()

	meta := &FileMeta{
		Name: rec.LocalName,
		Size: rec.Size,
	}
	if rec.ModTime >= 0 {
		meta.ModTime = rec.ModTime / 1000
	} else {
		meta.ModTime = -1
	}

	block0, err := encodeMeta(meta)
	if err != nil {
		return err
	}

	// The receiver starts each file with its NCG byte.
	if _, err := sess.WaitNCG(); err != nil {
		return err
	}

	sess.SetSeq(0)
	if err := sess.SendBlock(block0); err != nil {
		return err
	}

	// After accepting the metadata the receiver requests the body with
	// a second NCG.
	if _, err := sess.WaitNCG(); err != nil {
		return err
	}

	in, err := file.OpenRead()
	if err != nil {
		sess.Abort()
		return xfer.Errorf(xfer.KindIO, "open %s: %v", rec.LocalName, err)
	}
	defer in.Close()

	progress := xfer.NewProgressTracker(sess.Callbacks.OnProgress, 0)
	progress.Start(rec.LocalName, rec.Size)
	sess.Callbacks.OnFileStart(rec.LocalName, rec.Size)
	sess.Logger.Info("ymodem send: %s size=%d", rec.LocalName, rec.Size)

	sess.SetSeq(1)
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
		progress.Update(rec.BytesTransferred)
	}

	if err := sess.SendEOT(); err != nil {
		rec.EndTime = time.Now()
		return err
	}

	rec.EndTime = time.Now()
	sess.Callbacks.OnFileComplete(rec.LocalName, rec.BytesTransferred, progress.Complete())
	return nil
}

// Cancel cancels the transfer from another goroutine.
func (s *Sender) Cancel(keepPartial bool) {
	s.session.Cancel(keepPartial)
	s.session.Reader().Cancel()
}
