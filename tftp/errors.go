package tftp

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode is a wire error code from RFC 1350 section 5, plus the option
// negotiation code from RFC 2347.
type ErrorCode uint16

const (
	CodeUndefined       ErrorCode = 0
	CodeFileNotFound    ErrorCode = 1
	CodeAccessViolation ErrorCode = 2
	CodeDiskFull        ErrorCode = 3
	CodeIllegalOp       ErrorCode = 4
	CodeUnknownTID      ErrorCode = 5
	CodeFileExists      ErrorCode = 6
	CodeNoSuchUser      ErrorCode = 7
	CodeOptionsRefused  ErrorCode = 8
)

func (c ErrorCode) String() string {
	switch c {
	case CodeUndefined:
		return "undefined"
	case CodeFileNotFound:
		return "file not found"
	case CodeAccessViolation:
		return "access violation"
	case CodeDiskFull:
		return "disk full"
	case CodeIllegalOp:
		return "illegal operation"
	case CodeUnknownTID:
		return "unknown transfer ID"
	case CodeFileExists:
		return "file already exists"
	case CodeNoSuchUser:
		return "no such user"
	case CodeOptionsRefused:
		return "options refused"
	}
	return "unknown"
}

// TransferError is an ERROR packet. It is returned as a Go error wherever
// the peer aborted a transfer.
type TransferError struct {
	Code    ErrorCode
	Message string
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("tftp error %d (%s): %s", e.Code, e.Code, e.Message)
}

// Errors a Backend reports from GetReader and GetWriter. The dispatcher
// maps them onto wire codes 1, 6, 2 and 4 respectively; anything else
// becomes code 0 with the error text as the message.
var (
	ErrFileNotFound    = errors.New("file not found")
	ErrFileExists      = errors.New("file already exists")
	ErrAccessViolation = errors.New("access violation")
	ErrUnsupported     = errors.New("operation not supported")

	// ErrDiskFull may be reported by Writer.Write; it maps to wire code 3.
	ErrDiskFull = errors.New("disk full")
)

// Local failure kinds. These terminate a session without a wire ERROR:
// the peer is unreachable, already gone, or told separately.
var (
	ErrTimeout            = errors.New("transfer timed out")
	ErrTooManyRetries     = errors.New("too many retransmissions without progress")
	ErrCancelled          = errors.New("transfer cancelled")
	ErrIOFailure          = errors.New("backend i/o failure")
	ErrBackendUnavailable = errors.New("backend unavailable")
	ErrOptionsRefused     = errors.New("peer refused negotiated options")
)

// errorPacketFor maps a backend error onto the ERROR packet the peer sees.
func errorPacketFor(err error) *TransferError {
	var code ErrorCode
	switch {
	case errors.Is(err, ErrFileNotFound):
		code = CodeFileNotFound
	case errors.Is(err, ErrFileExists):
		code = CodeFileExists
	case errors.Is(err, ErrAccessViolation):
		code = CodeAccessViolation
	case errors.Is(err, ErrUnsupported):
		code = CodeIllegalOp
	case errors.Is(err, ErrDiskFull):
		code = CodeDiskFull
	default:
		code = CodeUndefined
	}
	return &TransferError{Code: code, Message: err.Error()}
}
