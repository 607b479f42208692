package tftp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPacketRoundTrip(t *testing.T) {
	packets := map[string]Packet{
		"rrq": &Request{
			OpCode:   OpRRQ,
			Filename: "boot/pxelinux.0",
			Mode:     ModeOctet,
		},
		"rrq with options": &Request{
			OpCode:   OpRRQ,
			Filename: "vmlinuz",
			Mode:     ModeOctet,
			Options: Options{
				{"blksize", "1428"},
				{"tsize", "0"},
			},
		},
		"wrq": &Request{
			OpCode:   OpWRQ,
			Filename: "upload.bin",
			Mode:     ModeNetASCII,
			Options:  Options{{"timeout", "5"}},
		},
		"data":       &Data{Block: 7, Payload: []byte("hello, world")},
		"empty data": &Data{Block: 9, Payload: []byte{}},
		"ack":        &Ack{Block: 65535},
		"error":      &TransferError{Code: CodeFileNotFound, Message: "no such file"},
		"oack": &OptionAck{
			Options: Options{{"blksize", "1024"}, {"tsize", "4096"}},
		},
	}
	for name, p := range packets {
		t.Run(name, func(t *testing.T) {
			got, err := Decode(Encode(p))
			require.NoError(t, err)
			assert.Equal(t, p, got)
		})
	}
}

func TestDecodeNormalizesCase(t *testing.T) {
	p, err := Decode(Encode(&Request{
		OpCode:   OpRRQ,
		Filename: "File.Bin",
		Mode:     "OCTET",
		Options:  Options{{"BlkSize", "1024"}},
	}))
	require.NoError(t, err)
	req := p.(*Request)
	assert.Equal(t, ModeOctet, req.Mode)
	assert.Equal(t, "File.Bin", req.Filename, "filenames keep their case")
	assert.Equal(t, Options{{"blksize", "1024"}}, req.Options)
}

func TestDecodePayloadAliasesInput(t *testing.T) {
	raw := Encode(&Data{Block: 1, Payload: []byte{1, 2, 3}})
	p, err := Decode(raw)
	require.NoError(t, err)
	d := p.(*Data)
	raw[4] = 99
	assert.Equal(t, byte(99), d.Payload[0])
}

func TestDecodeErrors(t *testing.T) {
	cases := map[string]struct {
		raw  []byte
		want error
	}{
		"empty":              {nil, ErrTruncatedPacket},
		"one byte":           {[]byte{0}, ErrTruncatedPacket},
		"bad opcode":         {[]byte{0, 9, 0, 0}, ErrInvalidOpcode},
		"short data":         {[]byte{0, 3, 0}, ErrTruncatedPacket},
		"short ack":          {[]byte{0, 4, 1}, ErrTruncatedPacket},
		"long ack":           {[]byte{0, 4, 0, 1, 0}, ErrTruncatedPacket},
		"short error":        {[]byte{0, 5, 0, 1}, ErrTruncatedPacket},
		"unterminated error": {[]byte{0, 5, 0, 1, 'x'}, ErrMalformedRequest},
		"empty filename":     {append([]byte{0, 1}, "\x00octet\x00"...), ErrMalformedRequest},
		"missing mode":       {append([]byte{0, 1}, "foo\x00"...), ErrMalformedRequest},
		"unterminated mode":  {append([]byte{0, 1}, "foo\x00octet"...), ErrMalformedRequest},
		"unknown mode":       {append([]byte{0, 1}, "foo\x00carrier-pigeon\x00"...), ErrUnknownMode},
		"dangling option":    {append([]byte{0, 1}, "foo\x00octet\x00blksize\x00"...), ErrMalformedRequest},
		"empty option name":  {append([]byte{0, 1}, "foo\x00octet\x00\x00512\x00"...), ErrMalformedRequest},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			assert.ErrorIs(t, err, tc.want)
		})
	}
}

func TestDecodeAcceptsAllModes(t *testing.T) {
	for _, mode := range []string{"netascii", "octet", "mail", "Mail", "NETASCII"} {
		raw := append([]byte{0, 2}, []byte("f\x00"+mode+"\x00")...)
		p, err := Decode(raw)
		require.NoError(t, err, mode)
		require.IsType(t, &Request{}, p)
	}
}
