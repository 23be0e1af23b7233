package transfer

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrCancelled = errors.New("operation cancelled")
	ErrVerify    = errors.New("verify error")
)

// CancelledError is returned when the context ends between chunks. It
// matches ErrCancelled and unwraps to the context error.
type CancelledError struct {
	Cause error
}

func (e *CancelledError) Error() string        { return "cancelled: " + e.Cause.Error() }
func (e *CancelledError) Is(target error) bool { return target == ErrCancelled }
func (e *CancelledError) Unwrap() error        { return e.Cause }

// SizeMismatchError reports that a transfer ended at Offset although Size
// bytes were expected.
type SizeMismatchError struct {
	Offset int64
	Size   int64
}

func (e *SizeMismatchError) Error() string {
	return fmt.Sprintf("size mismatch: stopped at offset %d of %d", e.Offset, e.Size)
}

// ByteMismatchError reports the first differing byte found by Verify.
type ByteMismatchError struct {
	Offset      int64
	Source      byte
	Destination byte
}

func (e *ByteMismatchError) Error() string {
	return fmt.Sprintf("byte mismatch at offset %d: source 0x%02x, destination 0x%02x", e.Offset, e.Source, e.Destination)
}

// RetryExhaustedError wraps the last I/O error of an operation that failed
// on every attempt.
type RetryExhaustedError struct {
	Op       string
	Offset   int64
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("%s at offset %d failed after %d attempts: %v", e.Op, e.Offset, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }
