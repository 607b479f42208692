package tftp

import (
	"context"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Client performs single-file transfers against a TFTP server. The
// server answers from an ephemeral port; the client adopts the source
// address of the first reply as the server's TID and ignores datagrams
// from anywhere else.
type Client struct {
	// Addr is the server's well-known endpoint, e.g. "host:69".
	Addr string

	// BlockSize, when not 0 or 512, is negotiated via the blksize
	// option.
	BlockSize int

	// Timeout is the per-attempt retransmit interval.
	Timeout time.Duration

	// Retries bounds retransmissions of an unacknowledged datagram.
	Retries int
}

func (c *Client) config() Config {
	return Config{
		MaxRetries:   c.Retries,
		Timeout:      c.Timeout,
		MaxBlockSize: maxBlockSize,
	}.withDefaults()
}

// Get fetches filename into w and reports the byte count.
func (c *Client) Get(ctx context.Context, filename string, w io.Writer) (int64, error) {
	t, err := c.open()
	if err != nil {
		return 0, err
	}
	defer t.conn.Close()

	opts := c.requestOptions(0)
	t.send(&Request{OpCode: OpRRQ, Filename: filename, Mode: ModeOctet, Options: opts})

	var (
		total    int64
		expected uint16 = 1
	)
	for {
		p, err := t.recv(ctx)
		if err != nil {
			return total, err
		}
		switch p := p.(type) {
		case *OptionAck:
			if len(opts) == 0 || expected != 1 || total != 0 {
				return total, errors.New("tftp: unexpected OACK")
			}
			if err := t.applyOACK(p.Options); err != nil {
				t.abort(CodeOptionsRefused, err.Error())
				return total, err
			}
			t.send(&Ack{Block: 0})
		case *Data:
			switch p.Block {
			case expected:
				n, err := w.Write(p.Payload)
				total += int64(n)
				if err != nil {
					t.abort(CodeUndefined, err.Error())
					return total, errors.Wrap(err, "tftp: sink")
				}
				t.send(&Ack{Block: p.Block})
				if len(p.Payload) < t.blockSize {
					return total, nil
				}
				expected++
			case expected - 1:
				// retransmitted block; our ACK was lost
				t.resend()
			default:
				t.abort(CodeIllegalOp, "DATA out of sequence")
				return total, errors.New("tftp: DATA out of sequence")
			}
		case *TransferError:
			return total, p
		default:
			t.abort(CodeIllegalOp, "unexpected "+p.Op().String())
			return total, errors.Errorf("tftp: unexpected %s", p.Op())
		}
	}
}

// Put uploads everything r yields until EOF as filename. A positive size
// is announced with the tsize option; zero or a negative size omits it.
func (c *Client) Put(ctx context.Context, filename string, r io.Reader, size int64) (int64, error) {
	t, err := c.open()
	if err != nil {
		return 0, err
	}
	defer t.conn.Close()

	opts := c.requestOptions(size)
	t.send(&Request{OpCode: OpWRQ, Filename: filename, Mode: ModeOctet, Options: opts})

	// the handshake reply, OACK or ACK(0), opens the data phase
	for {
		p, err := t.recv(ctx)
		if err != nil {
			return 0, err
		}
		if p, ok := p.(*TransferError); ok {
			return 0, p
		}
		if p, ok := p.(*OptionAck); ok && len(opts) > 0 {
			if err := t.applyOACK(p.Options); err != nil {
				t.abort(CodeOptionsRefused, err.Error())
				return 0, err
			}
			break
		}
		if p, ok := p.(*Ack); ok && p.Block == 0 {
			break
		}
		t.abort(CodeIllegalOp, "unexpected handshake reply")
		return 0, errors.Errorf("tftp: unexpected %s", p.Op())
	}

	var (
		total int64
		block uint16 = 1
		buf          = make([]byte, t.blockSize)
	)
	for {
		n, err := io.ReadFull(r, buf)
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			err = nil
		}
		if err != nil {
			t.abort(CodeUndefined, err.Error())
			return total, errors.Wrap(err, "tftp: source")
		}
		t.send(&Data{Block: block, Payload: buf[:n]})
		if err := t.awaitAck(ctx, block); err != nil {
			return total, err
		}
		total += int64(n)
		if n < t.blockSize {
			return total, nil
		}
		block++
	}
}

func (c *Client) requestOptions(tsize int64) Options {
	var opts Options
	if c.BlockSize != 0 && c.BlockSize != defaultBlockSize {
		opts = append(opts, Option{optBlockSize, strconv.Itoa(c.BlockSize)})
	}
	if tsize > 0 {
		opts = append(opts, Option{optTransferSize, strconv.FormatInt(tsize, 10)})
	}
	return opts
}

func (c *Client) open() (*clientTransfer, error) {
	raddr, err := net.ResolveUDPAddr("udp", c.Addr)
	if err != nil {
		return nil, errors.Wrap(err, "tftp: resolve")
	}
	conn, err := net.ListenPacket("udp", ":0")
	if err != nil {
		return nil, errors.Wrap(err, "tftp: bind")
	}
	cfg := c.config()
	return &clientTransfer{
		conn:      conn,
		server:    raddr,
		interval:  cfg.Timeout,
		maxRetry:  cfg.MaxRetries,
		blockSize: defaultBlockSize,
	}, nil
}

// clientTransfer is the client half of one exchange: the socket, the
// server TID once learned, and the retransmit bookkeeping.
type clientTransfer struct {
	conn      net.PacketConn
	server    net.Addr
	learned   bool
	interval  time.Duration
	maxRetry  int
	last      []byte
	blockSize int
}

func (t *clientTransfer) send(p Packet) {
	t.last = Encode(p)
	t.conn.WriteTo(t.last, t.server)
}

func (t *clientTransfer) resend() {
	t.conn.WriteTo(t.last, t.server)
}

func (t *clientTransfer) abort(code ErrorCode, msg string) {
	t.conn.WriteTo(Encode(&TransferError{Code: code, Message: msg}), t.server)
}

// recv waits for the next datagram from the server, retransmitting the
// last sent datagram on each timeout until the retry budget runs out.
func (t *clientTransfer) recv(ctx context.Context) (Packet, error) {
	buf := make([]byte, t.blockSize+headerSize+512)
	retries := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(ErrCancelled, err.Error())
		}
		t.conn.SetReadDeadline(time.Now().Add(t.interval))
		n, addr, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if retries >= t.maxRetry {
					return nil, ErrTooManyRetries
				}
				retries++
				t.resend()
				continue
			}
			return nil, errors.Wrap(err, "tftp: recv")
		}
		if !t.learned {
			// first reply pins the server's transfer port
			t.server = addr
			t.learned = true
		} else if addr.String() != t.server.String() {
			continue
		}
		p, err := Decode(buf[:n])
		if err != nil {
			return nil, errors.Wrap(err, "tftp: recv")
		}
		return p, nil
	}
}

// awaitAck absorbs duplicate ACKs for already-confirmed blocks, which a
// retransmitting server may produce.
func (t *clientTransfer) awaitAck(ctx context.Context, block uint16) error {
	for {
		p, err := t.recv(ctx)
		if err != nil {
			return err
		}
		switch p := p.(type) {
		case *Ack:
			if p.Block == block {
				return nil
			}
			if p.Block == block-1 {
				continue
			}
			t.abort(CodeIllegalOp, "ACK out of sequence")
			return errors.New("tftp: ACK out of sequence")
		case *TransferError:
			return p
		default:
			t.abort(CodeIllegalOp, "unexpected "+p.Op().String())
			return errors.Errorf("tftp: unexpected %s", p.Op())
		}
	}
}

// applyOACK validates the server's accepted options against what was
// asked for.
func (t *clientTransfer) applyOACK(opts Options) error {
	for _, opt := range opts {
		switch opt.Name {
		case optBlockSize:
			n, err := strconv.Atoi(opt.Value)
			if err != nil || n < minBlockSize || n > maxBlockSize {
				return errors.Errorf("tftp: bad blksize in OACK: %q", opt.Value)
			}
			t.blockSize = n
		case optTimeout:
			n, err := strconv.Atoi(opt.Value)
			if err != nil || n < minTimeoutSeconds || n > maxTimeoutSeconds {
				return errors.Errorf("tftp: bad timeout in OACK: %q", opt.Value)
			}
			t.interval = time.Duration(n) * time.Second
		case optTransferSize:
			if _, err := strconv.ParseInt(opt.Value, 10, 64); err != nil {
				return errors.Errorf("tftp: bad tsize in OACK: %q", opt.Value)
			}
		default:
			return errors.Errorf("tftp: server granted unrequested option %q", opt.Name)
		}
	}
	return nil
}
