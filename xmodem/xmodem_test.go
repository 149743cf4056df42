package xmodem

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

// recordWriter tees everything written through it, so tests can count
// protocol bytes like ACKs.
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

// duplex builds the two pipes of an in-process transfer and the
// timeout readers over them.
func duplex(t *testing.T) (senderReader *xfer.TimeoutReader, senderWriter io.Writer, receiverReader *xfer.TimeoutReader, receiverWriter io.Writer) {
	t.Helper()
	s2r, s2rw := io.Pipe() // sender writes, receiver reads
	r2s, r2sw := io.Pipe() // receiver writes, sender reads
	t.Cleanup(func() {
		s2rw.Close()
		r2sw.Close()
	})
	return xfer.NewTimeoutReader(r2s, 5*time.Second), s2rw,
		xfer.NewTimeoutReader(s2r, 5*time.Second), r2sw
}

func writeTempFile(t *testing.T, name string, content []byte) xfer.LocalFile {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}
	return xfer.NewDiskFile(path)
}

func TestFlavorProperties(t *testing.T) {
	tests := []struct {
		flavor  Flavor
		block   int
		crc     bool
		ncg     byte
		timeout time.Duration
	}{
		{Vanilla, 128, false, NAK, 10 * time.Second},
		{Relaxed, 128, false, NAK, 100 * time.Second},
		{CRC, 128, true, WantCRC, 10 * time.Second},
		{X1K, 1024, true, WantCRC, 10 * time.Second},
		{X1KG, 1024, true, WantG, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(FlavorName(tt.flavor), func(t *testing.T) {
			if got := BlockSize(tt.flavor); got != tt.block {
				t.Errorf("BlockSize = %d, want %d", got, tt.block)
			}
			if got := UsesCRC(tt.flavor); got != tt.crc {
				t.Errorf("UsesCRC = %v, want %v", got, tt.crc)
			}
			if got := NCG(tt.flavor); got != tt.ncg {
				t.Errorf("NCG = %#02x, want %#02x", got, tt.ncg)
			}
			if got := Timeout(tt.flavor); got != tt.timeout {
				t.Errorf("Timeout = %v, want %v", got, tt.timeout)
			}
		})
	}
}

func TestReadFileBlockPadding(t *testing.T) {
	sr, _, _, rw := duplex(t)
	s := NewSession(X1K, sr, rw, false)

	// A 7-byte tail fits a 128-byte block, padded with CP/M EOF.
	data, err := s.ReadFileBlock(bytes.NewReader([]byte("abcdef\n")))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 128 {
		t.Fatalf("short tail block length = %d, want 128", len(data))
	}
	if !bytes.Equal(data[:7], []byte("abcdef\n")) {
		t.Error("payload mangled")
	}
	for i := 7; i < 128; i++ {
		if data[i] != CPMEOF {
			t.Fatalf("pad byte %d = %#02x, want 0x1A", i, data[i])
		}
	}

	// A 784-byte tail keeps the 1K block size.
	data, err = s.ReadFileBlock(bytes.NewReader(bytes.Repeat([]byte{'x'}, 784)))
	if err != nil {
		t.Fatal(err)
	}
	if len(data) != 1024 {
		t.Fatalf("long tail block length = %d, want 1024", len(data))
	}

	// EOF returns nil.
	data, err = s.ReadFileBlock(bytes.NewReader(nil))
	if err != nil || data != nil {
		t.Errorf("EOF block = %v, %v; want nil, nil", data, err)
	}
}

func TestVanillaSmallAscii(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	content := []byte("abcdef\n")
	inFile := writeTempFile(t, "in.txt", content)
	outPath := filepath.Join(t.TempDir(), "out.txt")

	record := &recordWriter{w: rw}

	recv, err := NewReceiver(Vanilla, rr, record, xfer.NewDiskFile(outPath), false)
	if err != nil {
		t.Fatal(err)
	}
	sender := NewSender(Vanilla, sr, sw, inFile)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("output = %q (%d bytes), want %q after CP/M EOF trim", got, len(got), content)
	}

	// The receiver's whole conversation: the starting NAK, the block
	// ACK, and the EOT ACK.
	want := []byte{NAK, ACK, ACK}
	if !bytes.Equal(record.bytes(), want) {
		t.Errorf("receiver wire bytes = % x, want % x", record.bytes(), want)
	}

	if sender.Session().State() != xfer.StateEnd {
		t.Errorf("sender state = %v", sender.Session().State())
	}
	if recv.Session().State() != xfer.StateEnd {
		t.Errorf("receiver state = %v", recv.Session().State())
	}
}

func TestXmodem1KBinary(t *testing.T) {
	sr, sw, rr, rw := duplex(t)

	rng := rand.New(rand.NewSource(42))
	content := make([]byte, 10000)
	rng.Read(content)
	content[len(content)-1] = 'Z' // keep the tail safe from the EOF trim

	inFile := writeTempFile(t, "in.bin", content)
	outPath := filepath.Join(t.TempDir(), "out.bin")

	recv, err := NewReceiver(X1K, rr, rw, xfer.NewDiskFile(outPath), false)
	if err != nil {
		t.Fatal(err)
	}
	sender := NewSender(X1K, sr, sw, inFile)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	got, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("output length %d, input length %d; content mismatch", len(got), len(content))
	}

	// 9 full 1K blocks plus one padded 1K tail.
	if blocks := sender.Session().CurrentFile().BlocksTransferred; blocks != 10 {
		t.Errorf("blocks transferred = %d, want 10", blocks)
	}
}

func TestChecksumVsCrcMismatchRecovery(t *testing.T) {
	// A receiver in CRC mode paired with a checksum-mode sender
	// converges because WaitNCG adapts to the 'C'.
	sr, sw, rr, rw := duplex(t)

	content := []byte("adaptation test payload")
	inFile := writeTempFile(t, "in.txt", content)
	outPath := filepath.Join(t.TempDir(), "out.txt")

	recv, err := NewReceiver(CRC, rr, rw, xfer.NewDiskFile(outPath), false)
	if err != nil {
		t.Fatal(err)
	}
	sender := NewSender(Vanilla, sr, sw, inFile)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	if err := recv.Receive(); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("send: %v", err)
	}

	if sender.Session().Flavor() != CRC {
		t.Errorf("sender flavor after NCG = %v, want CRC", sender.Session().Flavor())
	}
	got, _ := os.ReadFile(outPath)
	if !bytes.Equal(got, content) {
		t.Errorf("output = %q, want %q", got, content)
	}
}

func TestReceiverCancel(t *testing.T) {
	sr, _, rr, rw := duplex(t)
	_ = sr

	outPath := filepath.Join(t.TempDir(), "out.bin")
	recv, err := NewReceiver(Vanilla, rr, rw, xfer.NewDiskFile(outPath), false)
	if err != nil {
		t.Fatal(err)
	}

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
		t.Errorf("state after cancel = %v, want ABORT", recv.Session().State())
	}
}

func TestSenderAbortsOnCan(t *testing.T) {
	sr, sw, _, rw := duplex(t)

	inFile := writeTempFile(t, "in.txt", []byte("doomed transfer"))
	sender := NewSender(Vanilla, sr, sw, inFile)

	errc := make(chan error, 1)
	go func() { errc <- sender.Send() }()

	// Answer the start byte hunt with a CAN.
	if _, err := rw.Write([]byte{CAN}); err != nil {
		t.Fatal(err)
	}

	select {
	case err := <-errc:
		if !xfer.IsCancelled(err) {
			t.Errorf("Send after CAN = %v, want cancelled kind", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("CAN did not stop the sender")
	}
}
