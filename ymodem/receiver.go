package ymodem

import (
	"io"
	"path/filepath"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
	"github.com/drunlade/go-serialxfer/xmodem"
)

// Receiver downloads a batch of files using the Ymodem protocol.
type Receiver struct {
	session *xmodem.Session
	flavor  Flavor

	// downloadDir is where received files are written.
	downloadDir string

	overwrite bool

	// newFile builds the local file for an incoming name. Tests swap
	// this out; the default writes into downloadDir.
	newFile func(name string) xfer.LocalFile
}

// NewReceiver creates a batch receiver writing into downloadDir.
func NewReceiver(flavor Flavor, reader *xfer.TimeoutReader, writer io.Writer, downloadDir string, overwrite bool) *Receiver {
	r := &Receiver{
		session:     xmodem.NewSession(xmodemFlavor(flavor), reader, writer, true),
		flavor:      flavor,
		downloadDir: downloadDir,
		overwrite:   overwrite,
	}
	r.newFile = func(name string) xfer.LocalFile {
		return xfer.NewDiskFile(filepath.Join(downloadDir, filepath.Base(name)))
	}
	return r
}

// Session exposes the underlying session for status and cancellation.
func (r *Receiver) Session() *xmodem.Session {
	return r.session
}

// SetFileFactory overrides how incoming names map to local files.
func (r *Receiver) SetFileFactory(f func(name string) xfer.LocalFile) {
	r.newFile = f
}

// Receive runs the batch download until the terminator block or an
// error.
func (r *Receiver) Receive() error {
	sess := r.session
	sess.SetState(xfer.StateTransfer)

	for {
		meta, err := r.readMetaBlock()
		if err != nil {
			return err
		}
		if meta.IsTerminator() {
			sess.SetState(xfer.StateEnd)
			sess.SetCurrentStatus("complete")
			return nil
		}
		if err := r.receiveOne(meta); err != nil {
			return err
		}
		sess.SetState(xfer.StateFileDone)
	}
}

// readMetaBlock requests and reads the sequence-0 metadata block.
func (r *Receiver) readMetaBlock() (*FileMeta, error) {
	sess := r.session
	sess.SetSeq(0)

	if err := sess.SendNCG(); err != nil {
		return nil, err
	}
	block, eot, err := sess.ReadBlock()
	if err != nil {
		return nil, err
	}
	if eot {
		// A stray EOT instead of block 0; treat as end of batch.
		return &FileMeta{Size: -1, ModTime: -1}, nil
	}
	return parseMeta(block)
}

func (r *Receiver) receiveOne(meta *FileMeta) error {
	sess := r.session

	file := r.newFile(meta.Name)
	if file.Exists() && !r.overwrite {
		sess.Abort()
		return xfer.Errorf(xfer.KindFileExists, "%s already exists, will not overwrite", file.Name())
	}

	accept, err := sess.Callbacks.OnFilePrompt(meta.Name, meta.Size, meta.Mode)
	if err != nil {
		sess.Abort()
		return err
	}
	if !accept {
		sess.Abort()
		return xfer.Errorf(xfer.KindFileSkipped, "%s refused", meta.Name)
	}

	rec := &xfer.FileRecord{
		File:       file,
		LocalName:  file.Name(),
		RemoteName: meta.Name,
		Size:       meta.Size,
		BlockSize:  1024,
		ModTime:    -1,
	}
	if meta.ModTime >= 0 {
		rec.ModTime = meta.ModTime * 1000
	}
	rec.StartTime = time.Now()
	sess.AddFile(rec)
	sess.SetCurrentStatus("receiving " + rec.RemoteName)

	out, err := file.OpenWrite(false)
	if err != nil {
		sess.Abort()
		return xfer.Errorf(xfer.KindIO, "open %s: %v", rec.LocalName, err)
	}

	progress := xfer.NewProgressTracker(sess.Callbacks.OnProgress, 0)
	progress.Start(rec.RemoteName, meta.Size)
	sess.Callbacks.OnFileStart(rec.RemoteName, meta.Size)
	sess.Logger.Info("ymodem receive: %s size=%d", rec.RemoteName, meta.Size)

	// Request the file body.
	if err := sess.SendNCG(); err != nil {
		out.Close()
		return err
	}

	sess.SetSeq(1)
	for {
		data, eot, err := sess.ReadBlock()
		if err != nil {
			out.Close()
			r.finishAbort(file)
			return err
		}
		if eot {
			break
		}

		// Never write past the advertised size; the final block is
		// padded to a block boundary.
		if rec.Size >= 0 {
			remaining := rec.Size - rec.BytesTransferred
			if remaining <= 0 {
				rec.BlocksTransferred++
				continue
			}
			if int64(len(data)) > remaining {
				data = data[:remaining]
			}
		}

		if _, err := out.Write(data); err != nil {
			out.Close()
			sess.Abort()
			return xfer.Errorf(xfer.KindIO, "write %s: %v", rec.LocalName, err)
		}
		rec.BytesTransferred += int64(len(data))
		rec.BlocksTransferred++
		sess.CountBytes(int64(len(data)), 1)
		progress.Update(rec.BytesTransferred)
	}

	if err := out.Close(); err != nil {
		sess.Abort()
		return xfer.Errorf(xfer.KindIO, "close %s: %v", rec.LocalName, err)
	}

	// Size from block 0 is authoritative.
	if rec.Size >= 0 {
		if err := file.Truncate(rec.Size); err != nil {
			sess.Logger.Error("truncate %s: %v", rec.LocalName, err)
		}
	}
	if meta.ModTime > 0 {
		if err := file.SetModTime(time.Unix(meta.ModTime, 0)); err != nil {
			sess.Logger.Error("set mtime %s: %v", rec.LocalName, err)
		}
	}

	rec.EndTime = time.Now()
	sess.Callbacks.OnFileComplete(rec.RemoteName, rec.BytesTransferred, progress.Complete())
	return nil
}

// finishAbort deletes the partial file when the cancel flag asks for it.
func (r *Receiver) finishAbort(file xfer.LocalFile) {
	if r.session.CancelFlag() == xfer.CancelDeletePartial {
		if err := file.Delete(); err != nil {
			r.session.Logger.Error("delete partial %s: %v", file.Name(), err)
		}
	}
}

// Cancel cancels the transfer from another goroutine.
func (r *Receiver) Cancel(keepPartial bool) {
	r.session.Cancel(keepPartial)
	r.session.Reader().Cancel()
}
