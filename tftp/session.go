package tftp

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"hash"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/wjholden/tftpd/internal/metrics"
)

// DATA header: opcode plus block number.
const headerSize = 4

// state is the session lifecycle tag.
type state int

const (
	// stateNegotiating: an OACK is in flight, waiting for ACK(0).
	stateNegotiating state = iota
	// stateActive: the lock-step transfer loop.
	stateActive
	// stateFinalAck: a short DATA is in flight; its ACK ends the
	// transfer. Read sessions only.
	stateFinalAck
	// stateDone and stateFailed are terminal.
	stateDone
	stateFailed
)

// event is one input to the session state machine: an inbound datagram,
// a retransmit timer expiry, or an external cancellation.
type event struct {
	data      []byte
	from      net.Addr
	timer     bool
	cancelled bool
}

// session is the machinery shared by read and write sessions: the bound
// socket, the peer TID, the retransmit driver, and terminal bookkeeping.
// All fields are owned by the single goroutine running the event loop;
// handle is the only entry point and events are strictly serialized.
type session struct {
	conn net.PacketConn
	peer net.Addr
	log  logrus.FieldLogger
	cfg  Config

	state     state
	blockSize int
	interval  time.Duration

	// lastSent is retained verbatim until the peer acknowledges it.
	lastSent []byte
	retries  int
	// rearm tells the event loop to reset the retransmit timer before
	// the next wait. Datagrams that advance state and timer-driven
	// retransmissions set it; repeats via resendLast do not.
	rearm bool

	err error

	// roleName, start, recv and release are bound by the concrete
	// read/write session at construction.
	roleName string
	start    func()
	recv     func(Packet)
	release  func(ok bool)

	hash    hash.Hash
	nbytes  int64
	started time.Time
}

func (s *session) init(conn net.PacketConn, peer net.Addr, neg *negotiated, cfg Config, log logrus.FieldLogger) {
	s.conn = conn
	s.peer = peer
	s.cfg = cfg
	s.blockSize = neg.blockSize
	s.interval = neg.interval
	s.log = log
	s.hash = md5.New()
	s.started = time.Now()
}

func (s *session) terminal() bool {
	return s.state == stateDone || s.state == stateFailed
}

// run drives the session to a terminal state. It owns the socket and the
// retransmit timer; both are released before it returns.
func (s *session) run(ctx context.Context) error {
	defer s.conn.Close()

	metrics.SessionsStarted.WithLabelValues(s.roleName).Inc()

	incoming := make(chan event)
	done := make(chan struct{})
	defer close(done)
	go s.readLoop(incoming, done)

	s.start()
	timer := time.NewTimer(s.interval)
	defer timer.Stop()
	s.rearm = false

	for !s.terminal() {
		select {
		case <-ctx.Done():
			s.handle(event{cancelled: true})
		case ev := <-incoming:
			s.handle(ev)
		case <-timer.C:
			s.handle(event{timer: true})
		}
		if s.rearm {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(s.interval)
			s.rearm = false
		}
	}
	return s.err
}

// readLoop pumps raw datagrams into the event loop. It exits when the
// socket is closed.
func (s *session) readLoop(out chan<- event, done <-chan struct{}) {
	size := s.blockSize + headerSize
	if size < 516 {
		// always leave room for a full default-size datagram, so a
		// peer ERROR longer than a tiny negotiated block still decodes
		size = 516
	}
	for {
		buf := make([]byte, size)
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			return
		}
		select {
		case out <- event{data: buf[:n], from: addr}:
		case <-done:
			return
		}
	}
}

// handle is the single event-dispatch entry of the state machine.
func (s *session) handle(ev event) {
	if s.terminal() {
		return
	}
	switch {
	case ev.cancelled:
		s.fail(ErrCancelled, nil)
	case ev.timer:
		s.onTimeout()
	default:
		s.onDatagram(ev.data, ev.from)
	}
}

func (s *session) onDatagram(data []byte, from net.Addr) {
	if from.String() != s.peer.String() {
		// a stray sender gets told, the session stays untouched
		metrics.StrayDatagrams.Inc()
		s.writeTo(&TransferError{Code: CodeUnknownTID, Message: "unknown transfer ID"}, from)
		return
	}
	p, err := Decode(data)
	if err != nil {
		s.log.WithError(err).Debug("undecodable datagram")
		s.fail(err, &TransferError{Code: CodeIllegalOp, Message: err.Error()})
		return
	}
	if te, ok := p.(*TransferError); ok {
		s.log.WithField("code", te.Code.String()).Info("peer aborted transfer")
		if te.Code == CodeOptionsRefused {
			s.fail(ErrOptionsRefused, nil)
		} else {
			s.fail(te, nil)
		}
		return
	}
	s.recv(p)
}

// onTimeout re-emits the last unacknowledged datagram, up to the retry
// budget; beyond it the peer is presumed gone.
func (s *session) onTimeout() {
	if s.retries >= s.cfg.MaxRetries {
		s.log.WithField("retries", s.retries).Warn("giving up on unresponsive peer")
		s.fail(ErrTooManyRetries, nil)
		return
	}
	s.retries++
	metrics.Retransmits.Inc()
	s.conn.WriteTo(s.lastSent, s.peer)
	s.rearm = true
}

// send transmits a datagram that advances the transfer: it becomes the
// retained retransmit payload and resets the retry budget.
func (s *session) send(p Packet) {
	b := Encode(p)
	s.conn.WriteTo(b, s.peer)
	s.lastSent = b
	s.retries = 0
	s.rearm = true
}

// resendLast repeats the retained datagram in response to a peer
// retransmission. Deliberately no counter reset and no timer rearm.
func (s *session) resendLast() {
	s.conn.WriteTo(s.lastSent, s.peer)
}

func (s *session) writeTo(p Packet, addr net.Addr) {
	s.conn.WriteTo(Encode(p), addr)
}

// protoError reports a peer protocol violation and terminates.
func (s *session) protoError(msg string) {
	s.fail(&TransferError{Code: CodeIllegalOp, Message: msg},
		&TransferError{Code: CodeIllegalOp, Message: msg})
}

// fail moves to stateFailed. wire, if non-nil, is sent to the peer as a
// farewell; local failures pass nil.
func (s *session) fail(kind error, wire *TransferError) {
	if s.terminal() {
		return
	}
	if wire != nil {
		s.writeTo(wire, s.peer)
	}
	s.state = stateFailed
	s.err = kind
	s.release(false)
	metrics.SessionsFailed.WithLabelValues(s.roleName).Inc()
	s.log.WithError(kind).Info("transfer failed")
}

// complete moves to stateDone and logs the transfer report: byte count,
// md5 of the stream, and the rate.
func (s *session) complete() {
	s.state = stateDone
	s.release(true)
	metrics.SessionsCompleted.WithLabelValues(s.roleName).Inc()
	metrics.TransferBytes.WithLabelValues(s.roleName).Add(float64(s.nbytes))
	elapsed := time.Since(s.started)
	s.log.WithFields(logrus.Fields{
		"bytes":   s.nbytes,
		"md5":     hex.EncodeToString(s.hash.Sum(nil)),
		"seconds": elapsed.Seconds(),
		"rate":    rate(s.nbytes, elapsed),
	}).Info("transfer complete")
}

func rate(nbytes int64, elapsed time.Duration) string {
	if elapsed <= 0 {
		return "0 bps"
	}
	r := float64(nbytes*8) / elapsed.Seconds()
	switch {
	case r >= 1e6:
		return formatRate(r/1e6, "Mbps")
	case r >= 1e3:
		return formatRate(r/1e3, "kbps")
	}
	return formatRate(r, "bps")
}

func formatRate(v float64, unit string) string {
	return strconv.FormatFloat(v, 'f', 2, 64) + " " + unit
}
