// Package fsbackend serves TFTP transfers from a directory tree,
// sandboxed under a root. Uploads are staged in a scratch file and only
// renamed into place on commit, so a cancelled or failed transfer never
// leaves a partial file behind.
package fsbackend

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/afero"

	"github.com/wjholden/tftpd/tftp"
)

// Backend implements tftp.Backend over an afero filesystem.
type Backend struct {
	// Fs is the filesystem the root lives on.
	Fs afero.Fs

	// Root is the directory all request filenames resolve under.
	Root string

	// CanRead and CanWrite gate RRQ and WRQ respectively.
	CanRead  bool
	CanWrite bool

	// Discard accepts uploads but throws the bytes away. Benchmarking
	// aid; reads are unaffected.
	Discard bool
}

// New returns a backend with both capabilities enabled.
func New(fs afero.Fs, root string) *Backend {
	return &Backend{Fs: fs, Root: root, CanRead: true, CanWrite: true}
}

// resolve maps a request filename into the root. Leading and trailing
// slashes are ignored; any path escaping the root is an access
// violation.
func (b *Backend) resolve(name string) (string, error) {
	name = strings.Trim(name, "/")
	if name == "" {
		return "", errors.Wrap(tftp.ErrAccessViolation, "empty filename")
	}
	for _, seg := range strings.Split(name, "/") {
		if seg == ".." {
			return "", errors.Wrapf(tftp.ErrAccessViolation, "%q escapes the served root", name)
		}
	}
	clean := path.Clean(name)
	return filepath.Join(b.Root, filepath.FromSlash(clean)), nil
}

func (b *Backend) GetReader(filename string) (tftp.Reader, error) {
	if !b.CanRead {
		return nil, errors.Wrap(tftp.ErrUnsupported, "reading is disabled")
	}
	p, err := b.resolve(filename)
	if err != nil {
		return nil, err
	}
	f, err := b.Fs.Open(p)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(tftp.ErrFileNotFound, "%s", filename)
		}
		if os.IsPermission(err) {
			return nil, errors.Wrapf(tftp.ErrAccessViolation, "%s", filename)
		}
		return nil, err
	}
	r := &fileReader{f: f}
	if info, err := f.Stat(); err == nil && info.Mode().IsRegular() {
		r.size = info.Size()
		r.hasSize = true
	}
	return r, nil
}

func (b *Backend) GetWriter(filename string) (tftp.Writer, error) {
	if !b.CanWrite {
		return nil, errors.Wrap(tftp.ErrUnsupported, "writing is disabled")
	}
	p, err := b.resolve(filename)
	if err != nil {
		return nil, err
	}
	if _, err := b.Fs.Stat(p); err == nil {
		return nil, errors.Wrapf(tftp.ErrFileExists, "%s", filename)
	}
	if b.Discard {
		return &discardWriter{}, nil
	}
	scratch, err := afero.TempFile(b.Fs, b.Root, ".tftpd-upload-*")
	if err != nil {
		return nil, errors.Wrap(err, "staging upload")
	}
	return &fileWriter{fs: b.Fs, f: scratch, dest: p}, nil
}

// fileReader streams one file. The handle closes as soon as the last
// byte is out, or on Finish/Cancel, whichever comes first.
type fileReader struct {
	f       afero.File
	size    int64
	hasSize bool
	closed  bool
}

func (r *fileReader) Read(p []byte) (int, error) {
	if r.closed {
		return 0, io.EOF
	}
	n, err := r.f.Read(p)
	if err == io.EOF {
		r.close()
	}
	return n, err
}

func (r *fileReader) Size() (int64, bool) {
	if r.closed {
		return 0, false
	}
	return r.size, r.hasSize
}

func (r *fileReader) Finish() error { return r.close() }
func (r *fileReader) Cancel() error { return r.close() }

func (r *fileReader) close() error {
	if r.closed {
		return nil
	}
	r.closed = true
	return r.f.Close()
}

// fileWriter stages bytes in a scratch file. Finish creates any missing
// parent directories and renames the scratch file to its destination;
// Cancel removes it.
type fileWriter struct {
	fs   afero.Fs
	f    afero.File
	dest string
	done bool
}

func (w *fileWriter) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	if err != nil && isNoSpace(err) {
		err = errors.Wrap(tftp.ErrDiskFull, err.Error())
	}
	return n, err
}

func (w *fileWriter) Finish() error {
	if w.done {
		return nil
	}
	w.done = true
	if err := w.f.Close(); err != nil {
		w.fs.Remove(w.f.Name())
		return err
	}
	if err := w.fs.MkdirAll(filepath.Dir(w.dest), 0o755); err != nil {
		w.fs.Remove(w.f.Name())
		return err
	}
	if err := w.fs.Rename(w.f.Name(), w.dest); err != nil {
		w.fs.Remove(w.f.Name())
		return err
	}
	return nil
}

func (w *fileWriter) Cancel() error {
	if w.done {
		return nil
	}
	w.done = true
	w.f.Close()
	return w.fs.Remove(w.f.Name())
}

func isNoSpace(err error) bool {
	return errors.Is(err, syscall.ENOSPC)
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
func (discardWriter) Finish() error               { return nil }
func (discardWriter) Cancel() error               { return nil }
