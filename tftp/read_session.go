package tftp

import (
	"io"
	"net"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// readSession serves one RRQ: it drains its Reader block by block, in
// lock step with the peer's ACKs.
type readSession struct {
	session
	r Reader

	// block is the number of the DATA currently in flight.
	block uint16
	buf   []byte
	// payload is the chunk in flight, a prefix of buf.
	payload []byte
	oack    Options
}

func newReadSession(conn net.PacketConn, peer net.Addr, r Reader, neg *negotiated, cfg Config, log logrus.FieldLogger) *readSession {
	s := &readSession{r: r, oack: neg.reply}
	s.init(conn, peer, neg, cfg, log)
	s.buf = make([]byte, s.blockSize)
	s.roleName = "read"
	s.start = s.begin
	s.recv = s.onPacket
	s.release = s.finalize
	return s
}

func (s *readSession) begin() {
	if len(s.oack) > 0 {
		s.state = stateNegotiating
		s.send(&OptionAck{Options: s.oack})
		return
	}
	s.state = stateActive
	s.block = 1
	if !s.loadChunk() {
		return
	}
	s.sendData()
}

// loadChunk fills the next block from the reader. A short fill marks the
// final block. Reports false when the session died on a backend error.
func (s *readSession) loadChunk() bool {
	n, err := io.ReadFull(s.r, s.buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = nil
	}
	if err != nil {
		s.fail(errors.Wrap(ErrIOFailure, err.Error()),
			&TransferError{Code: CodeUndefined, Message: err.Error()})
		return false
	}
	s.payload = s.buf[:n]
	s.hash.Write(s.payload)
	s.nbytes += int64(n)
	return true
}

func (s *readSession) sendData() {
	s.send(&Data{Block: s.block, Payload: s.payload})
	if len(s.payload) < s.blockSize {
		s.state = stateFinalAck
	}
}

func (s *readSession) onPacket(p Packet) {
	ack, ok := p.(*Ack)
	if !ok {
		s.protoError("unexpected " + p.Op().String() + " during read transfer")
		return
	}
	switch s.state {
	case stateNegotiating:
		if ack.Block != 0 {
			s.protoError("expected ACK 0 for options")
			return
		}
		s.state = stateActive
		s.block = 1
		if !s.loadChunk() {
			return
		}
		s.sendData()
	case stateActive:
		switch ack.Block {
		case s.block:
			s.block++
			if !s.loadChunk() {
				return
			}
			s.sendData()
		case s.block - 1:
			// the peer re-acknowledged the previous block; the DATA in
			// flight will be retransmitted by the timer if it was lost
		default:
			s.protoError("ACK out of sequence")
		}
	case stateFinalAck:
		switch ack.Block {
		case s.block:
			s.complete()
		case s.block - 1:
		default:
			s.protoError("ACK out of sequence")
		}
	}
}

func (s *readSession) finalize(ok bool) {
	var err error
	if ok {
		err = s.r.Finish()
	} else {
		err = s.r.Cancel()
	}
	if err != nil {
		s.log.WithError(err).Warn("releasing reader")
	}
}
