package zmodem

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

func duplex(t *testing.T) (senderReader *xfer.TimeoutReader, senderWriter io.Writer, receiverReader *xfer.TimeoutReader, receiverWriter io.Writer) {
	t.Helper()
	s2r, s2rw := io.Pipe()
	r2s, r2sw := io.Pipe()
	t.Cleanup(func() {
		s2rw.Close()
		r2sw.Close()
	})
	return xfer.NewTimeoutReader(r2s, 5*time.Second), s2rw,
		xfer.NewTimeoutReader(s2r, 5*time.Second), r2sw
}

func writeTempFile(t *testing.T, dir, name string, content []byte, mtime time.Time) xfer.LocalFile {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	if !mtime.IsZero() {
		if err := os.Chtimes(path, mtime, mtime); err != nil {
			t.Fatal(err)
		}
	}
	return xfer.NewDiskFile(path)
}

// recordWriter tees wire bytes for later inspection.
type recordWriter struct {
	mu  sync.Mutex
	w   io.Writer
	buf bytes.Buffer
}

func (r *recordWriter) Write(p []byte) (int, error) {
	r.mu.Lock()
	r.buf.Write(p)
	r.mu.Unlock()
	return r.w.Write(p)
}

func (r *recordWriter) bytes() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]byte{}, r.buf.Bytes()...)
}

// corruptWriter flips one bit at a byte offset of the stream, once.
type corruptWriter struct {
	w      io.Writer
	offset int
	mask   byte

	written int
	done    bool
}

func (c *corruptWriter) Write(p []byte) (int, error) {
	if !c.done && c.written+len(p) > c.offset {
		q := make([]byte, len(p))
		copy(q, p)
		q[c.offset-c.written] ^= c.mask
		c.done = true
		c.written += len(p)
		return c.w.Write(q)
	}
	c.written += len(p)
	return c.w.Write(p)
}

func TestDownloadCrc32CleanChannel(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	rng := rand.New(rand.NewSource(5))
	content := make([]byte, 15243)
	rng.Read(content)
	mtime := time.Unix(1500000000, 0)

	record := &recordWriter{w: sw}

	cfg := xfer.ZmodemConfig{UseCrc32: true}
	sender := NewSender(cfg, sr, record, []xfer.LocalFile{
		writeTempFile(t, srcDir, "x.jpg", content, mtime),
	})
	recv := NewReceiver(cfg, rr, rw, dstDir, false)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "x.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("x.jpg: %d bytes, want %d; content mismatch", len(got), len(content))
	}

	// The negotiation kept CRC-32.
	if !sender.Session().useCrc32 {
		t.Error("sender fell back to CRC-16 on a CRC-32 channel")
	}

	// The session ends with the "OO" trailer on the sender side.
	if !bytes.HasSuffix(record.bytes(), []byte("OO")) {
		t.Error("wire did not end with the OO trailer")
	}

	// The metadata mtime made it across.
	info, err := os.Stat(filepath.Join(dstDir, "x.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("mtime = %v, want %v", info.ModTime(), mtime)
	}

	if sender.Session().State() != xfer.StateEnd || recv.Session().State() != xfer.StateEnd {
		t.Errorf("states = %v / %v", sender.Session().State(), recv.Session().State())
	}
}

func TestDownloadCrc16Fallback(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := []byte("sixteen bit channel")

	// Receiver without CAN_CRC32 drags the sender down to CRC-16.
	sender := NewSender(xfer.ZmodemConfig{UseCrc32: true}, sr, sw, []xfer.LocalFile{
		writeTempFile(t, srcDir, "f.txt", content, time.Time{}),
	})
	recv := NewReceiver(xfer.ZmodemConfig{UseCrc32: false}, rr, rw, dstDir, false)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	if sender.Session().useCrc32 {
		t.Error("sender kept CRC-32 against a 16-bit receiver")
	}
	got, _ := os.ReadFile(filepath.Join(dstDir, "f.txt"))
	if !bytes.Equal(got, content) {
		t.Errorf("f.txt = %q", got)
	}
}

func TestBatchTransfer(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	rng := rand.New(rand.NewSource(6))
	big := make([]byte, 40000)
	rng.Read(big)

	sender := NewSender(xfer.ZmodemConfig{UseCrc32: true}, sr, sw, []xfer.LocalFile{
		writeTempFile(t, srcDir, "a.txt", []byte("first"), time.Time{}),
		writeTempFile(t, srcDir, "b.bin", big, time.Time{}),
		writeTempFile(t, srcDir, "c.txt", nil, time.Time{}),
	})
	recv := NewReceiver(xfer.ZmodemConfig{UseCrc32: true}, rr, rw, dstDir, false)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	for name, want := range map[string][]byte{
		"a.txt": []byte("first"),
		"b.bin": big,
		"c.txt": {},
	} {
		got, err := os.ReadFile(filepath.Join(dstDir, name))
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
		if !bytes.Equal(got, want) {
			t.Errorf("%s: %d bytes, want %d", name, len(got), len(want))
		}
	}
}

func TestNoisyLineRecovery(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	rng := rand.New(rand.NewSource(8))
	content := make([]byte, 20000)
	rng.Read(content)

	// Flip one bit deep inside the ZDATA stream. The receiver must
	// catch the subpacket CRC, ZRPOS back, and the output must still
	// be byte-identical with no duplication or gap.
	corrupt := &corruptWriter{w: sw, offset: 6000, mask: 0x10}

	sender := NewSender(xfer.ZmodemConfig{UseCrc32: true}, sr, corrupt, []xfer.LocalFile{
		writeTempFile(t, srcDir, "noisy.bin", content, time.Time{}),
	})
	recv := NewReceiver(xfer.ZmodemConfig{UseCrc32: true}, rr, rw, dstDir, false)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "noisy.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("noisy.bin: %d bytes, want %d; content mismatch", len(got), len(content))
	}

	// The recovery leaves a trace in the session log.
	found := false
	for _, msg := range sender.Session().Messages() {
		if msg.Text == "receiver requested reposition" {
			found = true
		}
	}
	if !found {
		t.Error("no reposition recorded; was the stream actually corrupted?")
	}
}

func TestResumeFromExistingPartial(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	rng := rand.New(rand.NewSource(10))
	content := make([]byte, 9000)
	rng.Read(content)

	// The receiver already has the first 4000 bytes.
	if err := os.WriteFile(filepath.Join(dstDir, "part.bin"), content[:4000], 0644); err != nil {
		t.Fatal(err)
	}

	sender := NewSender(xfer.ZmodemConfig{UseCrc32: true}, sr, sw, []xfer.LocalFile{
		writeTempFile(t, srcDir, "part.bin", content, time.Time{}),
	})
	recv := NewReceiver(xfer.ZmodemConfig{UseCrc32: true}, rr, rw, dstDir, false)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "part.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("resumed file mismatch: %d bytes, want %d", len(got), len(content))
	}

	// The count starts at the resume offset, so it ends at the full size.
	rec := recv.Session().Files()[0]
	if rec.BytesTransferred != 9000 {
		t.Errorf("BytesTransferred = %d, want 9000", rec.BytesTransferred)
	}
}

func TestZChallenge(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	content := []byte("challenged transfer")

	sender := NewSender(xfer.ZmodemConfig{UseCrc32: true}, sr, sw, []xfer.LocalFile{
		writeTempFile(t, srcDir, "c.txt", content, time.Time{}),
	})
	recv := NewReceiver(xfer.ZmodemConfig{UseCrc32: true, IssueZChallenge: true}, rr, rw, dstDir, false)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	got, _ := os.ReadFile(filepath.Join(dstDir, "c.txt"))
	if !bytes.Equal(got, content) {
		t.Errorf("c.txt = %q", got)
	}
}

func TestSessionAbortSequence(t *testing.T) {
	// Property: five consecutive Ctrl-X bytes from any state abort the
	// session and produce no further protocol output.
	_, sw, rr, rw := duplex(t)

	record := &recordWriter{w: rw}
	recv := NewReceiver(xfer.ZmodemConfig{UseCrc32: true}, rr, record, t.TempDir(), false)

	errc := make(chan error, 1)
	go func() { errc <- recv.Receive() }()

	// Let the receiver start; it stays silent until a ZRQINIT arrives.
	time.Sleep(50 * time.Millisecond)
	before := len(record.bytes())

	// Feed the abort sequence through the sender-side pipe.
	errFeed := make(chan error, 1)
	go func() {
		_, err := sw.Write(bytes.Repeat([]byte{CAN}, 8))
		errFeed <- err
	}()

	select {
	case err := <-errc:
		if !xfer.IsCancelled(err) {
			t.Errorf("Receive after CAN*5 = %v, want cancelled kind", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("abort sequence did not stop the receiver")
	}
	<-errFeed

	if recv.Session().State() != xfer.StateAbort {
		t.Errorf("state = %v, want ABORT", recv.Session().State())
	}

	// Give any stray writes a moment, then confirm silence.
	time.Sleep(50 * time.Millisecond)
	if after := len(record.bytes()); after != before {
		t.Errorf("receiver emitted %d bytes after the abort sequence", after-before)
	}
}

func TestLocalCancelReachesAbort(t *testing.T) {
	_, _, rr, rw := duplex(t)

	recv := NewReceiver(xfer.ZmodemConfig{UseCrc32: true}, rr, rw, t.TempDir(), false)

	errc := make(chan error, 1)
	go func() { errc <- recv.Receive() }()

	time.Sleep(20 * time.Millisecond)
	recv.Cancel(false)

	select {
	case err := <-errc:
		if !xfer.IsCancelled(err) {
			t.Errorf("Receive after cancel = %v, want cancelled kind", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("cancel did not stop the receiver")
	}
	if recv.Session().State() != xfer.StateAbort {
		t.Errorf("state = %v, want ABORT", recv.Session().State())
	}
}

func TestSkippedFile(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	sender := NewSender(xfer.ZmodemConfig{UseCrc32: true}, sr, sw, []xfer.LocalFile{
		writeTempFile(t, srcDir, "skipme.txt", []byte("unwanted"), time.Time{}),
		writeTempFile(t, srcDir, "keepme.txt", []byte("wanted"), time.Time{}),
	})
	recv := NewReceiver(xfer.ZmodemConfig{UseCrc32: true}, rr, rw, dstDir, false)
	recv.Session().Callbacks = xfer.MergeCallbacks(&xfer.Callbacks{
		OnFilePrompt: func(filename string, size int64, mode uint32) (bool, error) {
			return filename != "skipme.txt", nil
		},
	})

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	if _, err := os.Stat(filepath.Join(dstDir, "skipme.txt")); !os.IsNotExist(err) {
		t.Error("skipped file was written")
	}
	got, _ := os.ReadFile(filepath.Join(dstDir, "keepme.txt"))
	if !bytes.Equal(got, []byte("wanted")) {
		t.Errorf("keepme.txt = %q", got)
	}
}
