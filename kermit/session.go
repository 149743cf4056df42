package kermit

import (
	"io"
	"strings"
	"time"

	"github.com/drunlade/go-serialxfer/xfer"
)

// Session holds the Kermit protocol state shared by sender and
// receiver: the three parameter sets (ours, theirs, active), the packet
// sequence number, and the last framed packet for retransmission.
type Session struct {
	*xfer.Session

	cfg xfer.KermitConfig

	// local is what we advertise, remote what the peer advertised,
	// active the folded result both sides obey.
	local  Params
	remote Params
	active Params

	// seq is the current packet sequence number, 0..63.
	seq int

	reader *xfer.TimeoutReader
	writer io.Writer

	// lastFrame is the most recently transmitted packet, resent on NAK
	// or timeout.
	lastFrame []byte
}

// NewSession creates a Kermit session over the given streams.
func NewSession(cfg xfer.KermitConfig, reader *xfer.TimeoutReader, writer io.Writer, download bool) *Session {
	local := DefaultParams(cfg)
	reader.SetTimeout(10 * time.Second)
	return &Session{
		Session: xfer.NewSession(xfer.ProtocolKermit, download),
		cfg:     cfg,
		local:   local,
		// Until the S/Y exchange completes, both sides speak the
		// lowest common denominator.
		active: initParams(),
		reader: reader,
		writer: writer,
	}
}

// initParams is the parameter set in force before negotiation: short
// packets, single-character checksum, no quoting extensions.
func initParams() Params {
	return Params{
		MaxLen:  94,
		Timeout: 10,
		EOL:     0x0D,
		QCtl:    '#',
		QBin:    ' ',
		Check:   1,
		Rept:    ' ',
		Window:  1,
	}
}

// Active returns the negotiated parameter set.
func (s *Session) Active() Params {
	return s.active
}

// Reader exposes the session's timeout reader.
func (s *Session) Reader() *xfer.TimeoutReader {
	return s.reader
}

// applyNegotiation folds the remote parameters into the active set and
// retunes the read deadline.
func (s *Session) applyNegotiation(remote Params) {
	s.remote = remote
	s.active = negotiate(s.local, remote)
	if !s.cfg.Streaming {
		s.active.Capas &^= CapStreaming
	}
	s.reader.SetTimeout(time.Duration(s.active.Timeout) * time.Second)
	s.Logger.Info("kermit negotiated: maxlen=%d long=%v check=%d qbin=%q rept=%q window=%d streaming=%v",
		s.active.dataLimit(), s.active.longPackets(), s.active.Check,
		s.active.QBin, s.active.Rept, s.active.Window, s.active.streaming())
}

// send frames and transmits a packet under params, remembering the
// frame for retransmission.
func (s *Session) send(p Packet, params Params) error {
	frame := framePacket(p, params)
	s.lastFrame = frame
	if _, err := s.writer.Write(frame); err != nil {
		return xfer.Errorf(xfer.KindIO, "send %c packet: %v", p.Type, err)
	}
	return nil
}

// resendLast retransmits the last packet verbatim.
func (s *Session) resendLast() error {
	if s.lastFrame == nil {
		return nil
	}
	if _, err := s.writer.Write(s.lastFrame); err != nil {
		return xfer.Errorf(xfer.KindIO, "resend packet: %v", err)
	}
	return nil
}

// sendAck acknowledges seq, optionally with a data field.
func (s *Session) sendAck(seq int, data []byte, params Params) error {
	return s.send(Packet{Type: TypeAck, Seq: seq, Data: data}, params)
}

// sendNak requests retransmission of seq.
func (s *Session) sendNak(seq int, params Params) error {
	return s.send(Packet{Type: TypeNak, Seq: seq}, params)
}

// SendError pushes an E packet with the given message and aborts the
// session. Used for protocol violations and local cancellation.
func (s *Session) SendError(message string) {
	if s.State() == xfer.StateAbort {
		// Abort notification already sent; stay quiet.
		return
	}
	wire, _ := encodeData([]byte(message), s.active.dataLimit(), s.active)
	s.send(Packet{Type: TypeError, Seq: s.seq, Data: wire}, s.active)
	s.AddErrorMessage(message)
	s.SetState(xfer.StateAbort)
}

// checkCancel surfaces a pending local cancellation as an E packet.
func (s *Session) checkCancel() error {
	if s.CancelFlag() == xfer.CancelNone {
		return nil
	}
	s.SendError("transfer cancelled by user")
	return xfer.NewError(xfer.KindCancelled, "cancelled by user")
}

// remoteError turns a received E packet into the terminal error.
func (s *Session) remoteError(p Packet) error {
	msg, derr := decodeData(p.Data, s.active)
	if derr != nil {
		msg = p.Data
	}
	s.AddErrorMessage("remote error: " + string(msg))
	s.SetState(xfer.StateAbort)
	return xfer.Errorf(xfer.KindCancelled, "remote error: %s", msg)
}

// robustName mangles a file name into the classic conservative subset:
// uppercase letters, digits and a single dot.
func robustName(name string) string {
	dot := strings.LastIndexByte(name, '.')
	var b strings.Builder
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
			b.WriteByte(c - 'a' + 'A')
		case c >= 'A' && c <= 'Z' || c >= '0' && c <= '9':
			b.WriteByte(c)
		case c == '.' && i == dot:
			b.WriteByte('.')
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
