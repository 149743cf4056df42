package ymodem

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
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

func TestMetaEncoding(t *testing.T) {
	mtime := int64(1500000000)
	block, err := encodeMeta(&FileMeta{
		Name:    "a.txt",
		Size:    13,
		ModTime: mtime,
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(block) != 128 {
		t.Fatalf("block 0 length = %d, want 128", len(block))
	}

	// Layout: "a.txt" NUL "13" SP octal mtime, NUL padded.
	wantPrefix := append([]byte("a.txt\x00"), []byte("13 "+strconv.FormatInt(mtime, 8))...)
	if !bytes.HasPrefix(block, wantPrefix) {
		t.Errorf("block 0 = %q, want prefix %q", block[:40], wantPrefix)
	}

	meta, err := parseMeta(block)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Name != "a.txt" || meta.Size != 13 || meta.ModTime != mtime {
		t.Errorf("parsed meta = %+v", meta)
	}
}

func TestMetaTerminator(t *testing.T) {
	block, err := encodeMeta(&FileMeta{})
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(block, make([]byte, 128)) {
		t.Error("terminator block is not all zero")
	}

	meta, err := parseMeta(block)
	if err != nil {
		t.Fatal(err)
	}
	if !meta.IsTerminator() {
		t.Error("all-zero block not recognized as terminator")
	}
}

func TestMetaOptionalFields(t *testing.T) {
	block := make([]byte, 128)
	copy(block, "just-a-name\x00")
	meta, err := parseMeta(block)
	if err != nil {
		t.Fatal(err)
	}
	if meta.Name != "just-a-name" || meta.Size != -1 || meta.ModTime != -1 {
		t.Errorf("parsed meta = %+v", meta)
	}
}

func TestBatchOfTwoFiles(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	mtime := time.Unix(1500000000, 0)
	aContent := []byte("Hello, world!")
	rng := rand.New(rand.NewSource(7))
	bContent := make([]byte, 2048)
	rng.Read(bContent)

	files := []xfer.LocalFile{
		writeTempFile(t, srcDir, "a.txt", aContent, mtime),
		writeTempFile(t, srcDir, "b.bin", bContent, mtime),
	}

	sender := NewSender(Vanilla, sr, sw, files)
	recv := NewReceiver(Vanilla, rr, rw, dstDir, false)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	gotA, err := os.ReadFile(filepath.Join(dstDir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotA, aContent) {
		t.Errorf("a.txt = %q (%d bytes), want %q", gotA, len(gotA), aContent)
	}

	gotB, err := os.ReadFile(filepath.Join(dstDir, "b.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(gotB, bContent) {
		t.Errorf("b.bin: %d bytes, want %d, content mismatch", len(gotB), len(bContent))
	}

	// Size metadata makes the lengths exact, no CP/M EOF ambiguity.
	if len(gotA) != 13 || len(gotB) != 2048 {
		t.Errorf("lengths = %d, %d; want 13, 2048", len(gotA), len(gotB))
	}

	// The metadata mtime is applied to the received files.
	info, err := os.Stat(filepath.Join(dstDir, "a.txt"))
	if err != nil {
		t.Fatal(err)
	}
	if !info.ModTime().Equal(mtime) {
		t.Errorf("a.txt mtime = %v, want %v", info.ModTime(), mtime)
	}

	if sender.Session().State() != xfer.StateEnd {
		t.Errorf("sender state = %v", sender.Session().State())
	}
	if recv.Session().State() != xfer.StateEnd {
		t.Errorf("receiver state = %v", recv.Session().State())
	}
}

func TestBatchYmodemG(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	rng := rand.New(rand.NewSource(11))
	content := make([]byte, 5000)
	rng.Read(content)

	sender := NewSender(G, sr, sw, []xfer.LocalFile{
		writeTempFile(t, srcDir, "stream.bin", content, time.Time{}),
	})
	recv := NewReceiver(G, rr, rw, dstDir, false)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dstDir, "stream.bin"))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("stream.bin: %d bytes, want %d", len(got), len(content))
	}
}

func TestReceiverRefusesOverwrite(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	// The destination already exists.
	if err := os.WriteFile(filepath.Join(dstDir, "a.txt"), []byte("old"), 0644); err != nil {
		t.Fatal(err)
	}

	sender := NewSender(Vanilla, sr, sw, []xfer.LocalFile{
		writeTempFile(t, srcDir, "a.txt", []byte("new content"), time.Time{}),
	})
	recv := NewReceiver(Vanilla, rr, rw, dstDir, false)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	err := recv.Receive()
	if err == nil {
		t.Fatal("receive into an existing file succeeded without overwrite")
	}

	// The original file is untouched.
	got, _ := os.ReadFile(filepath.Join(dstDir, "a.txt"))
	if !bytes.Equal(got, []byte("old")) {
		t.Errorf("existing file clobbered: %q", got)
	}

	<-errc
}
