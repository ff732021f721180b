package windowsapi

import (
	"errors"
	"fmt"
	"syscall"
)

// NTStatus is a native API status code.
type NTStatus uint32

const (
	StatusSuccess            NTStatus = 0x00000000
	StatusInfoLengthMismatch NTStatus = 0xC0000004
	StatusAccessDenied       NTStatus = 0xC0000022
	StatusBufferTooSmall     NTStatus = 0xC0000023
)

func (s NTStatus) Error() string {
	switch s {
	case StatusInfoLengthMismatch:
		return "STATUS_INFO_LENGTH_MISMATCH"
	case StatusAccessDenied:
		return "STATUS_ACCESS_DENIED"
	case StatusBufferTooSmall:
		return "STATUS_BUFFER_TOO_SMALL"
	}
	return fmt.Sprintf("NTSTATUS 0x%08X", uint32(s))
}

// Win32 error codes the governor reacts to.
const (
	ErrorAccessDenied       = syscall.Errno(5)
	ErrorInvalidHandle      = syscall.Errno(6)
	ErrorInvalidParameter   = syscall.Errno(87)
	ErrorInsufficientBuffer = syscall.Errno(122)
	ErrorPartialCopy        = syscall.Errno(299)
)

// Kind classifies OS failures so each can be recovered locally.
type Kind int

const (
	KindHandle Kind = iota + 1 // open denied or invalid
	KindQuery                  // cycle count, affinity, priority or module query failed
	KindApply                  // pin or priority change rejected
)

func (k Kind) String() string {
	switch k {
	case KindHandle:
		return "handle_failure"
	case KindQuery:
		return "query_failure"
	case KindApply:
		return "apply_failure"
	}
	return "unknown_failure"
}

// OpError records a classified failure of a single OS operation.
type OpError struct {
	Kind Kind
	Op   string
	PID  uint32
	TID  uint32 // 0 for process-level operations
	Err  error
}

// NewOpError wraps err. It returns nil when err is nil.
func NewOpError(kind Kind, op string, pid, tid uint32, err error) *OpError {
	if err == nil {
		return nil
	}
	return &OpError{Kind: kind, Op: op, PID: pid, TID: tid, Err: err}
}

func (e *OpError) Error() string {
	if e.TID != 0 {
		return fmt.Sprintf("%s: %s pid=%d tid=%d: %v", e.Kind, e.Op, e.PID, e.TID, e.Err)
	}
	return fmt.Sprintf("%s: %s pid=%d: %v", e.Kind, e.Op, e.PID, e.Err)
}

func (e *OpError) Unwrap() error { return e.Err }

// Code extracts the numeric OS error code from err, or 0 if there is none.
func Code(err error) uint32 {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return uint32(errno)
	}
	var status NTStatus
	if errors.As(err, &status) {
		return uint32(status)
	}
	return 0
}

// IsAccessDenied reports whether err is an access-denied failure.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrorAccessDenied) || errors.Is(err, StatusAccessDenied)
}
