package tftp

import (
	"strconv"
	"time"
)

// Option names recognized by the negotiator (RFC 2348, RFC 2349).
const (
	optBlockSize    = "blksize"
	optTimeout      = "timeout"
	optTransferSize = "tsize"
)

const (
	defaultBlockSize = 512
	minBlockSize     = 8
	maxBlockSize     = 65464

	minTimeoutSeconds = 1
	maxTimeoutSeconds = 255
)

// Config carries the server-side protocol knobs. The zero value is
// usable; withDefaults fills in anything left unset.
type Config struct {
	// MaxRetries is how many times an unacknowledged datagram is re-sent
	// before the session gives up.
	MaxRetries int

	// Timeout is the per-attempt retransmit interval, unless the peer
	// negotiates its own with the timeout option.
	Timeout time.Duration

	// MaxBlockSize caps blksize negotiation. Requests above it are
	// clamped down, per RFC 2348.
	MaxBlockSize int
}

const (
	DefaultMaxRetries = 4
	DefaultTimeout    = 3 * time.Second

	// DefaultMaxBlockSize keeps a full DATA datagram inside a typical
	// 1500-byte MTU.
	DefaultMaxBlockSize = 1468
)

func (c Config) withDefaults() Config {
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxBlockSize < minBlockSize || c.MaxBlockSize > maxBlockSize {
		c.MaxBlockSize = DefaultMaxBlockSize
	}
	return c
}

// negotiated is the outcome of option negotiation for one session.
type negotiated struct {
	blockSize int
	interval  time.Duration

	// reply holds the accepted options in request order. A non-empty
	// reply means the session opens with an OACK.
	reply Options

	// tsize is the peer's advertised upload size on the WRQ path,
	// informational only.
	tsize    int64
	hasTSize bool
}

// negotiate filters a request's options against the local bounds.
// Unrecognized names and unacceptable values are dropped silently per
// RFC 2347; a duplicated name is a protocol violation and kills the
// request before a session exists. size reports the file length for tsize
// on the RRQ path; the WRQ path passes nil and echoes the peer's value.
func negotiate(requested Options, cfg Config, size func() (int64, bool)) (*negotiated, error) {
	out := &negotiated{
		blockSize: defaultBlockSize,
		interval:  cfg.Timeout,
	}
	seen := make(map[string]bool, len(requested))
	for _, opt := range requested {
		if seen[opt.Name] {
			return nil, &TransferError{
				Code:    CodeIllegalOp,
				Message: "duplicate option " + opt.Name,
			}
		}
		seen[opt.Name] = true

		switch opt.Name {
		case optBlockSize:
			n, err := strconv.Atoi(opt.Value)
			if err != nil || n < minBlockSize {
				continue
			}
			if n > cfg.MaxBlockSize {
				n = cfg.MaxBlockSize
			}
			out.blockSize = n
			out.reply = append(out.reply, Option{optBlockSize, strconv.Itoa(n)})
		case optTimeout:
			n, err := strconv.Atoi(opt.Value)
			if err != nil || n < minTimeoutSeconds || n > maxTimeoutSeconds {
				continue
			}
			out.interval = time.Duration(n) * time.Second
			out.reply = append(out.reply, Option{optTimeout, strconv.Itoa(n)})
		case optTransferSize:
			n, err := strconv.ParseInt(opt.Value, 10, 64)
			if err != nil || n < 0 {
				continue
			}
			if size != nil {
				// RRQ: answer with the actual file size, or drop the
				// option when the backend doesn't know it.
				actual, ok := size()
				if !ok {
					continue
				}
				n = actual
			}
			out.tsize = n
			out.hasTSize = true
			out.reply = append(out.reply, Option{optTransferSize, strconv.FormatInt(n, 10)})
		}
	}
	return out, nil
}
