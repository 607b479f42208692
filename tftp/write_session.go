package tftp

import (
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// writeSession serves one WRQ: it acknowledges the peer's DATA blocks in
// lock step and sinks their payloads into its Writer.
type writeSession struct {
	session
	w Writer

	// expected is the block number of the next DATA the peer owes us.
	expected uint16
	oack     Options

	// tsize as advertised by the peer, informational only
	announced int64
}

func newWriteSession(conn net.PacketConn, peer net.Addr, w Writer, neg *negotiated, cfg Config, log logrus.FieldLogger) *writeSession {
	s := &writeSession{w: w, oack: neg.reply}
	if neg.hasTSize {
		s.announced = neg.tsize
	}
	s.init(conn, peer, neg, cfg, log)
	s.roleName = "write"
	s.start = s.begin
	s.recv = s.onPacket
	s.release = s.finalize
	return s
}

func (s *writeSession) begin() {
	// either reply invites DATA(1); there is no separate negotiation
	// wait on the write path
	s.state = stateActive
	s.expected = 1
	if s.announced > 0 {
		s.log.WithField("tsize", s.announced).Debug("peer announced upload size")
	}
	if len(s.oack) > 0 {
		s.send(&OptionAck{Options: s.oack})
		return
	}
	s.send(&Ack{Block: 0})
}

func (s *writeSession) onPacket(p Packet) {
	d, ok := p.(*Data)
	if !ok {
		s.protoError("unexpected " + p.Op().String() + " during write transfer")
		return
	}
	switch d.Block {
	case s.expected:
		if _, err := s.w.Write(d.Payload); err != nil {
			s.fail(errors.Wrap(ErrIOFailure, err.Error()), errorPacketFor(err))
			return
		}
		s.hash.Write(d.Payload)
		s.nbytes += int64(len(d.Payload))
		s.send(&Ack{Block: d.Block})
		if len(d.Payload) < s.blockSize {
			s.complete()
			return
		}
		s.expected++
	case s.expected - 1:
		// peer retransmission: repeat the matching ACK, write nothing,
		// and leave the retry budget alone
		s.resendLast()
	default:
		s.protoError("DATA out of sequence")
	}
}

func (s *writeSession) finalize(ok bool) {
	var err error
	if ok {
		err = s.w.Finish()
	} else {
		err = s.w.Cancel()
	}
	if err != nil {
		s.log.WithError(err).Warn("releasing writer")
	}
}
