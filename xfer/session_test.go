package xfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestSessionErrorCounter(t *testing.T) {
	s := NewSession(ProtocolXmodem, true)

	for i := 0; i < 9; i++ {
		if s.CountError() {
			t.Fatalf("cap hit after %d errors", i+1)
		}
	}
	if !s.CountError() {
		t.Error("cap not hit at 10 errors")
	}

	s.ResetErrors()
	if s.ConsecutiveErrors() != 0 {
		t.Errorf("ConsecutiveErrors after reset = %d", s.ConsecutiveErrors())
	}
}

func TestSessionCancelFlags(t *testing.T) {
	s := NewSession(ProtocolZmodem, true)
	if s.CancelFlag() != CancelNone {
		t.Fatalf("fresh session cancel flag = %d", s.CancelFlag())
	}

	s.Cancel(true)
	if s.CancelFlag() != CancelKeepPartial {
		t.Errorf("Cancel(true) flag = %d, want %d", s.CancelFlag(), CancelKeepPartial)
	}

	s.Cancel(false)
	if s.CancelFlag() != CancelDeletePartial {
		t.Errorf("Cancel(false) flag = %d, want %d", s.CancelFlag(), CancelDeletePartial)
	}
}

func TestSessionAbortIsSticky(t *testing.T) {
	s := NewSession(ProtocolKermit, false)
	s.SetState(StateAbort)
	s.SetState(StateEnd)
	if s.State() != StateAbort {
		t.Errorf("state after abort-then-end = %v, want ABORT", s.State())
	}
}

func TestSessionCounters(t *testing.T) {
	s := NewSession(ProtocolYmodem, false)
	s.SetTotals(2048, 2)
	s.CountBytes(1024, 1)
	s.CountBytes(1024, 1)

	bt, btot, blk, blktot := s.Counters()
	if bt != 2048 || btot != 2048 || blk != 2 || blktot != 2 {
		t.Errorf("Counters = %d/%d bytes %d/%d blocks", bt, btot, blk, blktot)
	}
}

func TestSessionMessages(t *testing.T) {
	s := NewSession(ProtocolKermit, true)
	s.AddInfoMessage("starting")
	s.AddErrorMessage("oops")

	msgs := s.Messages()
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if msgs[0].Error || msgs[0].Text != "starting" {
		t.Errorf("first message = %+v", msgs[0])
	}
	if !msgs[1].Error || msgs[1].Text != "oops" {
		t.Errorf("second message = %+v", msgs[1])
	}
}

func TestTrimTrailing(t *testing.T) {
	tests := []struct {
		name    string
		content []byte
		want    []byte
	}{
		{"padded", append([]byte("abcdef\n"), bytes.Repeat([]byte{0x1A}, 121)...), []byte("abcdef\n")},
		{"unpadded", []byte("no padding here"), []byte("no padding here")},
		{"all pad", bytes.Repeat([]byte{0x1A}, 128), []byte{}},
		{"empty", []byte{}, []byte{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "trim.bin")
			if err := os.WriteFile(path, tt.content, 0644); err != nil {
				t.Fatal(err)
			}
			file := NewDiskFile(path)
			if err := TrimTrailing(file, 0x1A); err != nil {
				t.Fatalf("TrimTrailing: %v", err)
			}
			got, err := os.ReadFile(path)
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, tt.want) {
				t.Errorf("after trim = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDiskFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.bin")
	f := NewDiskFile(path)

	if f.Exists() {
		t.Fatal("file should not exist yet")
	}

	w, err := f.OpenWrite(false)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := w.Write([]byte("contents")); err != nil {
		t.Fatal(err)
	}
	w.Close()

	if !f.Exists() {
		t.Error("file should exist")
	}
	if n, err := f.Length(); err != nil || n != 8 {
		t.Errorf("Length = %d, %v", n, err)
	}

	if err := f.Truncate(4); err != nil {
		t.Fatal(err)
	}
	if n, _ := f.Length(); n != 4 {
		t.Errorf("Length after truncate = %d", n)
	}

	if err := f.Delete(); err != nil {
		t.Fatal(err)
	}
	if f.Exists() {
		t.Error("file should be gone")
	}
}
