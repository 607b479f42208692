package tftp

import "io"

// Reader hands file bytes to a read session. Read follows io.Reader
// semantics; the session fills whole blocks with io.ReadFull, so a short
// count only ends the transfer together with io.EOF.
type Reader interface {
	io.Reader

	// Size is the total length if the backend knows it. It answers tsize
	// negotiation and nothing else.
	Size() (int64, bool)

	// Finish releases the reader after a completed transfer. Idempotent.
	Finish() error

	// Cancel releases the reader after an aborted transfer. Idempotent.
	Cancel() error
}

// Writer sinks uploaded bytes for a write session. Write may fail with
// ErrDiskFull wrapped in the returned error.
type Writer interface {
	io.Writer

	// Finish commits the upload. Called exactly once, when the session
	// sees the peer's short DATA. Idempotent.
	Finish() error

	// Cancel discards anything buffered or partially written. Idempotent.
	Cancel() error
}

// Backend resolves request filenames. Filenames arrive exactly as the
// peer sent them; canonicalization and sandboxing are the backend's
// problem. Failures should wrap ErrFileNotFound, ErrFileExists,
// ErrAccessViolation or ErrUnsupported so the dispatcher can pick the
// wire code.
type Backend interface {
	GetReader(filename string) (Reader, error)
	GetWriter(filename string) (Writer, error)
}
