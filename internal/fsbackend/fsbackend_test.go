package fsbackend

import (
	"io"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wjholden/tftpd/tftp"
)

var testData = []byte("line1\nline2\nline3\n")

func newTestBackend(t *testing.T) (*Backend, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/srv/dir/foo", testData, 0o644))
	return New(fs, "/srv"), fs
}

func TestReadSupportedByDefault(t *testing.T) {
	b, _ := newTestBackend(t)
	r, err := b.GetReader("dir/foo")
	require.NoError(t, err)
	defer r.Cancel()
}

func TestWriteSupportedByDefault(t *testing.T) {
	b, _ := newTestBackend(t)
	w, err := b.GetWriter("dir/bar")
	require.NoError(t, err)
	defer w.Cancel()
}

func TestReadUnsupported(t *testing.T) {
	b, _ := newTestBackend(t)
	b.CanRead = false
	_, err := b.GetReader("dir/foo")
	assert.ErrorIs(t, err, tftp.ErrUnsupported)
}

func TestWriteUnsupported(t *testing.T) {
	b, _ := newTestBackend(t)
	b.CanWrite = false
	_, err := b.GetWriter("dir/bar")
	assert.ErrorIs(t, err, tftp.ErrUnsupported)
}

func TestInsecureReader(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.GetReader("../foo")
	assert.ErrorIs(t, err, tftp.ErrAccessViolation)
}

func TestInsecureWriter(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.GetWriter("../foo")
	assert.ErrorIs(t, err, tftp.ErrAccessViolation)

	_, err = b.GetWriter("dir/../../foo")
	assert.ErrorIs(t, err, tftp.ErrAccessViolation)
}

func TestReadIgnoresLeadingAndTrailingSlashes(t *testing.T) {
	b, _ := newTestBackend(t)
	r, err := b.GetReader("/dir/foo/")
	require.NoError(t, err)
	defer r.Cancel()
}

func TestFileNotFound(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.GetReader("dir/bar")
	assert.ErrorIs(t, err, tftp.ErrFileNotFound)
}

func TestReadExistingFile(t *testing.T) {
	b, _ := newTestBackend(t)
	r, err := b.GetReader("dir/foo")
	require.NoError(t, err)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, testData, got)

	// exhausted readers keep reporting EOF
	buf := make([]byte, 8)
	for i := 0; i < 3; i++ {
		n, err := r.Read(buf)
		assert.Zero(t, n)
		assert.ErrorIs(t, err, io.EOF)
	}
}

func TestReaderSize(t *testing.T) {
	b, _ := newTestBackend(t)
	r, err := b.GetReader("dir/foo")
	require.NoError(t, err)
	defer r.Cancel()

	size, ok := r.Size()
	require.True(t, ok)
	assert.Equal(t, int64(len(testData)), size)
}

func TestReaderSizeWhenFinished(t *testing.T) {
	b, _ := newTestBackend(t)
	r, err := b.GetReader("dir/foo")
	require.NoError(t, err)

	require.NoError(t, r.Finish())
	_, ok := r.Size()
	assert.False(t, ok)

	// release is idempotent
	require.NoError(t, r.Finish())
	require.NoError(t, r.Cancel())
}

func TestWriteExistingFile(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.GetWriter("dir/foo")
	assert.ErrorIs(t, err, tftp.ErrFileExists)
}

func TestFinishedWrite(t *testing.T) {
	b, fs := newTestBackend(t)
	w, err := b.GetWriter("dir/bar")
	require.NoError(t, err)

	_, err = w.Write(testData)
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	got, err := afero.ReadFile(fs, "/srv/dir/bar")
	require.NoError(t, err)
	assert.Equal(t, testData, got)
}

func TestWriteToNonExistentDirectory(t *testing.T) {
	b, fs := newTestBackend(t)
	w, err := b.GetWriter("new/baz")
	require.NoError(t, err)

	_, err = w.Write(testData)
	require.NoError(t, err)
	require.NoError(t, w.Finish())

	got, err := afero.ReadFile(fs, "/srv/new/baz")
	require.NoError(t, err)
	assert.Equal(t, testData, got)
}

func TestCancelledWrite(t *testing.T) {
	b, fs := newTestBackend(t)
	w, err := b.GetWriter("dir/bar")
	require.NoError(t, err)

	_, err = w.Write(testData)
	require.NoError(t, err)
	require.NoError(t, w.Cancel())

	exists, err := afero.Exists(fs, "/srv/dir/bar")
	require.NoError(t, err)
	assert.False(t, exists, "a cancelled write must leave no file behind")

	// no scratch files either
	infos, err := afero.ReadDir(fs, "/srv")
	require.NoError(t, err)
	for _, info := range infos {
		assert.False(t, strings.HasPrefix(info.Name(), ".tftpd-upload"), "leftover scratch file %s", info.Name())
	}

	// release is idempotent
	require.NoError(t, w.Cancel())
	require.NoError(t, w.Finish())
}

func TestDiscardWriter(t *testing.T) {
	b, fs := newTestBackend(t)
	b.Discard = true
	w, err := b.GetWriter("dir/bar")
	require.NoError(t, err)

	n, err := w.Write(testData)
	require.NoError(t, err)
	assert.Equal(t, len(testData), n)
	require.NoError(t, w.Finish())

	exists, err := afero.Exists(fs, "/srv/dir/bar")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestEmptyFilename(t *testing.T) {
	b, _ := newTestBackend(t)
	_, err := b.GetReader("/")
	assert.ErrorIs(t, err, tftp.ErrAccessViolation)
}
