package sshio

import (
	"bytes"
	"io"
	"os"

	"golang.org/x/term"
)

// zmodemSignature is the start of a ZRQINIT hex header; a remote "sz"
// announces itself with it.
var zmodemSignature = []byte{'*', '*', 0x18, 'B', '0', '0'}

// RawTerminal puts the controlling terminal into raw mode for the
// duration of a transfer and restores it afterwards. Serial transfer
// protocols cannot survive a line discipline that cooks their bytes.
type RawTerminal struct {
	fd    int
	state *term.State
}

// MakeRaw switches the terminal attached to f into raw mode. It is a
// no-op returning nil state when f is not a terminal.
func MakeRaw(f *os.File) (*RawTerminal, error) {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return &RawTerminal{fd: fd}, nil
	}
	state, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return &RawTerminal{fd: fd, state: state}, nil
}

// Restore puts the terminal back the way it was.
func (r *RawTerminal) Restore() error {
	if r == nil || r.state == nil {
		return nil
	}
	return term.Restore(r.fd, r.state)
}

// Size returns the terminal dimensions, or 80x24 when unknown.
func (r *RawTerminal) Size() (width, height int) {
	if r == nil || !term.IsTerminal(r.fd) {
		return 80, 24
	}
	w, h, err := term.GetSize(r.fd)
	if err != nil {
		return 80, 24
	}
	return w, h
}

// ZmodemDetector scans a terminal stream for the Zmodem start
// signature while passing the data through. When the signature shows
// up, Detected reports true and the consumer hands the underlying
// streams to a zmodem receiver.
type ZmodemDetector struct {
	r io.Reader

	window   []byte
	detected bool
}

// NewZmodemDetector wraps r.
func NewZmodemDetector(r io.Reader) *ZmodemDetector {
	return &ZmodemDetector{r: r, window: make([]byte, 0, 2*len(zmodemSignature))}
}

// Read passes data through while watching for the signature.
func (d *ZmodemDetector) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 && !d.detected {
		d.window = append(d.window, p[:n]...)
		if len(d.window) > cap(d.window) {
			d.window = d.window[len(d.window)-cap(d.window):]
		}
		if bytes.Contains(d.window, zmodemSignature) {
			d.detected = true
		}
	}
	return n, err
}

// Detected reports whether the Zmodem signature has been seen.
func (d *ZmodemDetector) Detected() bool {
	return d.detected
}
