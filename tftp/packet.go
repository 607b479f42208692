// Package tftp implements the Trivial File Transfer Protocol server core:
// the packet codec, option negotiation, the per-transfer session state
// machines, and the request dispatcher.
//
// https://datatracker.ietf.org/doc/html/rfc1350
// https://datatracker.ietf.org/doc/html/rfc2347
// https://datatracker.ietf.org/doc/html/rfc2348
// https://datatracker.ietf.org/doc/html/rfc2349
package tftp

import (
	"bytes"
	"encoding/binary"
	"strings"

	"github.com/pkg/errors"
)

type OpCode uint16

const (
	OpRRQ   OpCode = 1
	OpWRQ   OpCode = 2
	OpDATA  OpCode = 3
	OpACK   OpCode = 4
	OpERROR OpCode = 5
	OpOACK  OpCode = 6
)

func (o OpCode) String() string {
	switch o {
	case OpRRQ:
		return "RRQ"
	case OpWRQ:
		return "WRQ"
	case OpDATA:
		return "DATA"
	case OpACK:
		return "ACK"
	case OpERROR:
		return "ERROR"
	case OpOACK:
		return "OACK"
	}
	return "UNKNOWN"
}

// Transfer modes defined by RFC 1350. Mode tokens compare
// case-insensitively; the decoder folds them to lowercase.
type Mode string

const (
	ModeNetASCII Mode = "netascii"
	ModeOctet    Mode = "octet"
	ModeMail     Mode = "mail"
)

var (
	ErrInvalidOpcode    = errors.New("invalid opcode")
	ErrTruncatedPacket  = errors.New("truncated packet")
	ErrMalformedRequest = errors.New("malformed request")
	ErrUnknownMode      = errors.New("unknown transfer mode")
)

// Option is a single name/value pair from an RRQ, WRQ or OACK. Names are
// lowercase after decoding; values are opaque to the codec and validated
// by the negotiator.
type Option struct {
	Name  string
	Value string
}

// Options preserves request order so an OACK can echo accepted options in
// the order they were asked for, and so duplicates remain visible.
type Options []Option

// Get returns the value of the first option with the given name.
func (o Options) Get(name string) (string, bool) {
	for _, opt := range o {
		if opt.Name == name {
			return opt.Value, true
		}
	}
	return "", false
}

// Packet is one of the six TFTP datagram types.
type Packet interface {
	Op() OpCode
	marshal(buf *bytes.Buffer)
}

// Request is an RRQ or WRQ.
type Request struct {
	OpCode   OpCode
	Filename string
	Mode     Mode
	Options  Options
}

func (p *Request) Op() OpCode { return p.OpCode }

func (p *Request) marshal(buf *bytes.Buffer) {
	writeUint16(buf, uint16(p.OpCode))
	buf.WriteString(p.Filename)
	buf.WriteByte(0)
	buf.WriteString(string(p.Mode))
	buf.WriteByte(0)
	for _, opt := range p.Options {
		buf.WriteString(opt.Name)
		buf.WriteByte(0)
		buf.WriteString(opt.Value)
		buf.WriteByte(0)
	}
}

// Data carries one block. Payload aliases the buffer the packet was
// decoded from; callers that retain it across reads must copy.
type Data struct {
	Block   uint16
	Payload []byte
}

func (p *Data) Op() OpCode { return OpDATA }

func (p *Data) marshal(buf *bytes.Buffer) {
	writeUint16(buf, uint16(OpDATA))
	writeUint16(buf, p.Block)
	buf.Write(p.Payload)
}

type Ack struct {
	Block uint16
}

func (p *Ack) Op() OpCode { return OpACK }

func (p *Ack) marshal(buf *bytes.Buffer) {
	writeUint16(buf, uint16(OpACK))
	writeUint16(buf, p.Block)
}

// OptionAck is the OACK reply confirming the accepted option subset.
type OptionAck struct {
	Options Options
}

func (p *OptionAck) Op() OpCode { return OpOACK }

func (p *OptionAck) marshal(buf *bytes.Buffer) {
	writeUint16(buf, uint16(OpOACK))
	for _, opt := range p.Options {
		buf.WriteString(opt.Name)
		buf.WriteByte(0)
		buf.WriteString(opt.Value)
		buf.WriteByte(0)
	}
}

// TransferError doubles as the ERROR packet and a Go error, so a received
// ERROR can travel up an error chain unchanged.
func (p *TransferError) Op() OpCode { return OpERROR }

func (p *TransferError) marshal(buf *bytes.Buffer) {
	writeUint16(buf, uint16(OpERROR))
	writeUint16(buf, uint16(p.Code))
	buf.WriteString(p.Message)
	buf.WriteByte(0)
}

// Encode serializes p into its wire form.
func Encode(p Packet) []byte {
	var buf bytes.Buffer
	p.marshal(&buf)
	return buf.Bytes()
}

// Decode parses a single datagram. Byte-slice fields of the returned
// packet alias b.
func Decode(b []byte) (Packet, error) {
	if len(b) < 2 {
		return nil, ErrTruncatedPacket
	}
	op := OpCode(binary.BigEndian.Uint16(b[0:2]))
	switch op {
	case OpRRQ, OpWRQ:
		return decodeRequest(op, b[2:])
	case OpDATA:
		if len(b) < 4 {
			return nil, ErrTruncatedPacket
		}
		return &Data{
			Block:   binary.BigEndian.Uint16(b[2:4]),
			Payload: b[4:],
		}, nil
	case OpACK:
		if len(b) != 4 {
			return nil, ErrTruncatedPacket
		}
		return &Ack{Block: binary.BigEndian.Uint16(b[2:4])}, nil
	case OpERROR:
		if len(b) < 5 {
			return nil, ErrTruncatedPacket
		}
		if b[len(b)-1] != 0 {
			return nil, ErrMalformedRequest
		}
		return &TransferError{
			Code:    ErrorCode(binary.BigEndian.Uint16(b[2:4])),
			Message: string(b[4 : len(b)-1]),
		}, nil
	case OpOACK:
		opts, err := decodeOptions(b[2:])
		if err != nil {
			return nil, err
		}
		return &OptionAck{Options: opts}, nil
	}
	return nil, ErrInvalidOpcode
}

func decodeRequest(op OpCode, b []byte) (*Request, error) {
	filename, rest, err := readString(b)
	if err != nil {
		return nil, err
	}
	if filename == "" {
		return nil, ErrMalformedRequest
	}
	mode, rest, err := readString(rest)
	if err != nil {
		return nil, err
	}
	m := Mode(strings.ToLower(mode))
	switch m {
	case ModeNetASCII, ModeOctet, ModeMail:
	default:
		return nil, ErrUnknownMode
	}
	opts, err := decodeOptions(rest)
	if err != nil {
		return nil, err
	}
	return &Request{OpCode: op, Filename: filename, Mode: m, Options: opts}, nil
}

func decodeOptions(b []byte) (Options, error) {
	var opts Options
	for len(b) > 0 {
		name, rest, err := readString(b)
		if err != nil {
			return nil, err
		}
		value, rest, err := readString(rest)
		if err != nil {
			return nil, err
		}
		if name == "" {
			return nil, ErrMalformedRequest
		}
		opts = append(opts, Option{Name: strings.ToLower(name), Value: value})
		b = rest
	}
	return opts, nil
}

// readString consumes one NUL-terminated string.
func readString(b []byte) (string, []byte, error) {
	i := bytes.IndexByte(b, 0)
	if i < 0 {
		return "", nil, ErrMalformedRequest
	}
	return string(b[:i]), b[i+1:], nil
}

func writeUint16(buf *bytes.Buffer, v uint16) {
	buf.WriteByte(byte(v >> 8))
	buf.WriteByte(byte(v))
}
