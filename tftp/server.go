package tftp

import (
	"context"
	"net"
	"sync"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// DefaultAddr is the well-known TFTP port.
const DefaultAddr = ":69"

// Server accepts RRQs and WRQs on the well-known port and hands each
// accepted request to a fresh session bound to an ephemeral port, which
// then owns the rest of the exchange. Sessions share nothing.
type Server struct {
	// Addr is the listen address, DefaultAddr when empty.
	Addr string

	// Backend resolves filenames to readers and writers.
	Backend Backend

	Config Config

	// Log defaults to the logrus standard logger.
	Log logrus.FieldLogger
}

func (s *Server) logger() logrus.FieldLogger {
	if s.Log != nil {
		return s.Log
	}
	return logrus.StandardLogger()
}

// ListenAndServe binds the well-known port and serves until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.Addr
	if addr == "" {
		addr = DefaultAddr
	}
	conn, err := net.ListenPacket("udp", addr)
	if err != nil {
		return errors.Wrap(err, "tftp: listen")
	}
	return s.Serve(ctx, conn)
}

// Serve runs the accept loop on conn. It returns nil after a clean
// shutdown (ctx cancelled) once every session has terminated; conn is
// closed on return.
func (s *Server) Serve(ctx context.Context, conn net.PacketConn) error {
	cfg := s.Config.withDefaults()
	log := s.logger()
	log.WithField("addr", conn.LocalAddr().String()).Info("tftp server listening")

	var wg sync.WaitGroup
	defer wg.Wait()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
			conn.Close()
		}
	}()

	for {
		// requests are small; 2048 comfortably holds any option list
		buf := make([]byte, 2048)
		n, raddr, err := conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrap(err, "tftp: accept")
		}
		wg.Add(1)
		go func(req []byte, raddr net.Addr) {
			defer wg.Done()
			s.dispatch(ctx, cfg, log, conn, req, raddr)
		}(buf[:n], raddr)
	}
}

// dispatch vets one initial datagram and, for an acceptable request,
// runs a session to completion on its own socket.
func (s *Server) dispatch(ctx context.Context, cfg Config, log logrus.FieldLogger, conn net.PacketConn, data []byte, raddr net.Addr) {
	p, err := Decode(data)
	if err != nil {
		s.reject(conn, raddr, &TransferError{Code: CodeIllegalOp, Message: err.Error()})
		return
	}

	req, ok := p.(*Request)
	if !ok {
		switch p.(type) {
		case *Data, *Ack:
			// a datagram that belongs to no session we know of
			s.reject(conn, raddr, &TransferError{Code: CodeUnknownTID, Message: "no transfer in progress"})
		case *TransferError:
			// nothing to abort; never answer an ERROR with an ERROR
		default:
			s.reject(conn, raddr, &TransferError{Code: CodeIllegalOp, Message: "unexpected " + p.Op().String()})
		}
		return
	}

	slog := log.WithFields(logrus.Fields{
		"peer": raddr.String(),
		"file": req.Filename,
		"op":   req.OpCode.String(),
	})

	if req.Mode != ModeOctet {
		slog.WithField("mode", string(req.Mode)).Info("rejecting request")
		s.reject(conn, raddr, &TransferError{Code: CodeIllegalOp, Message: "only octet mode is supported"})
		return
	}

	// the session's own socket; its ephemeral port is our half of the TID
	sconn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		slog.WithError(err).Error("binding session socket")
		s.reject(conn, raddr, &TransferError{Code: CodeUndefined, Message: "cannot allocate transfer port"})
		return
	}

	slog.Info("request accepted")

	switch req.OpCode {
	case OpRRQ:
		r, err := s.Backend.GetReader(req.Filename)
		if err != nil {
			slog.WithError(err).Info("backend refused read")
			s.reject(sconn, raddr, errorPacketFor(err))
			sconn.Close()
			return
		}
		neg, err := negotiate(req.Options, cfg, r.Size)
		if err != nil {
			r.Cancel()
			s.rejectNegotiation(sconn, raddr, slog, err)
			return
		}
		sess := newReadSession(sconn, raddr, r, neg, cfg, slog)
		sess.run(ctx)
	case OpWRQ:
		w, err := s.Backend.GetWriter(req.Filename)
		if err != nil {
			slog.WithError(err).Info("backend refused write")
			s.reject(sconn, raddr, errorPacketFor(err))
			sconn.Close()
			return
		}
		neg, err := negotiate(req.Options, cfg, nil)
		if err != nil {
			w.Cancel()
			s.rejectNegotiation(sconn, raddr, slog, err)
			return
		}
		sess := newWriteSession(sconn, raddr, w, neg, cfg, slog)
		sess.run(ctx)
	}
}

func (s *Server) reject(conn net.PacketConn, raddr net.Addr, te *TransferError) {
	conn.WriteTo(Encode(te), raddr)
}

func (s *Server) rejectNegotiation(sconn net.PacketConn, raddr net.Addr, log logrus.FieldLogger, err error) {
	log.WithError(err).Info("rejecting options")
	te, ok := err.(*TransferError)
	if !ok {
		te = &TransferError{Code: CodeOptionsRefused, Message: err.Error()}
	}
	s.reject(sconn, raddr, te)
	sconn.Close()
}
