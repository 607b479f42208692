package tftp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{}.withDefaults()
}

func knownSize(n int64) func() (int64, bool) {
	return func() (int64, bool) { return n, true }
}

func unknownSize() (int64, bool) { return 0, false }

func TestNegotiateNoOptions(t *testing.T) {
	neg, err := negotiate(nil, testConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, defaultBlockSize, neg.blockSize)
	assert.Equal(t, DefaultTimeout, neg.interval)
	assert.Empty(t, neg.reply, "no options means no OACK")
}

func TestNegotiateBlockSize(t *testing.T) {
	neg, err := negotiate(Options{{"blksize", "1024"}}, testConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1024, neg.blockSize)
	assert.Equal(t, Options{{"blksize", "1024"}}, neg.reply)
}

func TestNegotiateClampsBlockSize(t *testing.T) {
	// an unknown option rides along and must vanish from the reply
	neg, err := negotiate(Options{
		{"foo", "bar"},
		{"blksize", "8192"},
	}, testConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 1468, neg.blockSize)
	assert.Equal(t, Options{{"blksize", "1468"}}, neg.reply)
}

func TestNegotiateDropsBadValues(t *testing.T) {
	neg, err := negotiate(Options{
		{"blksize", "4"},       // below the protocol minimum
		{"blksize2", "x"},      // unknown name
		{"timeout", "0"},       // out of range
		{"timeout2", "999"},    // unknown name
		{"tsize", "-1"},        // negative
		{"windowsize", "16"},   // RFC 7440, not offered
	}, testConfig(), knownSize(100))
	require.NoError(t, err)
	assert.Equal(t, defaultBlockSize, neg.blockSize)
	assert.Equal(t, DefaultTimeout, neg.interval)
	assert.Empty(t, neg.reply)
}

func TestNegotiateTimeout(t *testing.T) {
	neg, err := negotiate(Options{{"timeout", "7"}}, testConfig(), nil)
	require.NoError(t, err)
	assert.Equal(t, 7*time.Second, neg.interval)
	assert.Equal(t, Options{{"timeout", "7"}}, neg.reply)
}

func TestNegotiateTSizeRead(t *testing.T) {
	// the RRQ path answers with the actual size, whatever was asked
	neg, err := negotiate(Options{{"tsize", "0"}}, testConfig(), knownSize(1234))
	require.NoError(t, err)
	require.True(t, neg.hasTSize)
	assert.Equal(t, int64(1234), neg.tsize)
	assert.Equal(t, Options{{"tsize", "1234"}}, neg.reply)
}

func TestNegotiateTSizeReadUnknown(t *testing.T) {
	neg, err := negotiate(Options{{"tsize", "0"}}, testConfig(), unknownSize)
	require.NoError(t, err)
	assert.False(t, neg.hasTSize)
	assert.Empty(t, neg.reply, "unknown size drops the option and the OACK")
}

func TestNegotiateTSizeWrite(t *testing.T) {
	// the WRQ path echoes the peer's announcement
	neg, err := negotiate(Options{{"tsize", "2048"}}, testConfig(), nil)
	require.NoError(t, err)
	require.True(t, neg.hasTSize)
	assert.Equal(t, int64(2048), neg.tsize)
	assert.Equal(t, Options{{"tsize", "2048"}}, neg.reply)
}

func TestNegotiateDuplicateOption(t *testing.T) {
	_, err := negotiate(Options{
		{"blksize", "512"},
		{"blksize", "1024"},
	}, testConfig(), nil)
	var te *TransferError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeIllegalOp, te.Code)
}

func TestNegotiateReplyKeepsRequestOrder(t *testing.T) {
	neg, err := negotiate(Options{
		{"tsize", "0"},
		{"blksize", "1024"},
		{"timeout", "2"},
	}, testConfig(), knownSize(10))
	require.NoError(t, err)
	assert.Equal(t, Options{
		{"tsize", "10"},
		{"blksize", "1024"},
		{"timeout", "2"},
	}, neg.reply)
}

func TestConfigDefaults(t *testing.T) {
	cfg := Config{}.withDefaults()
	assert.Equal(t, DefaultMaxRetries, cfg.MaxRetries)
	assert.Equal(t, DefaultTimeout, cfg.Timeout)
	assert.Equal(t, DefaultMaxBlockSize, cfg.MaxBlockSize)

	cfg = Config{MaxRetries: 2, Timeout: time.Second, MaxBlockSize: 8192}.withDefaults()
	assert.Equal(t, 2, cfg.MaxRetries)
	assert.Equal(t, time.Second, cfg.Timeout)
	assert.Equal(t, 8192, cfg.MaxBlockSize)
}
