// Package stream holds the block-device stream decorators used by the
// imaging engines: sector alignment guards, block caches, bounded windows
// and the persistent copy-on-write layer.
package stream

import (
	"io"
	"strconv"

	"github.com/pkg/errors"
)

// SectorSize is the addressing unit of physical drives.
const SectorSize = 512

// Caps describes what a Stream supports.
type Caps uint8

const (
	CapRead Caps = 1 << iota
	CapWrite
	CapSeek
)

// Has reports whether all bits in c2 are set.
func (c Caps) Has(c2 Caps) bool { return c&c2 == c2 }

// Stream is a positioned, possibly resizable byte container. Decorators own
// the stream they wrap and close it from their own Close.
type Stream interface {
	io.ReadWriteSeeker
	io.Closer

	// Size returns the logical length in bytes.
	Size() int64
	// Truncate sets the logical length.
	Truncate(size int64) error
	// Sync flushes buffered state down to the wrapped stream.
	Sync() error
	Caps() Caps
}

var (
	ErrAlignment      = errors.New("unaligned sector access")
	ErrClosed         = errors.New("stream closed")
	ErrNotInitialized = errors.New("stream not initialized")
	ErrCapacity       = errors.New("write beyond declared capacity")
	ErrNotSupported   = errors.New("operation not supported")
)

// AlignmentError reports an access whose length or offset is not a
// multiple of SectorSize.
type AlignmentError struct {
	Op    string
	Value int64
}

func (e *AlignmentError) Error() string {
	return "sector stream: " + e.Op + " of " + strconv.FormatInt(e.Value, 10) + " is not a multiple of 512"
}

func (e *AlignmentError) Is(target error) bool { return target == ErrAlignment }

// FormatError reports a corrupt or foreign layer file.
type FormatError struct {
	Reason string
}

func (e *FormatError) Error() string { return "layer format: " + e.Reason }

// Position returns the current offset of s.
func Position(s io.Seeker) (int64, error) {
	return s.Seek(0, io.SeekCurrent)
}

// ReadFull reads until buf is full or the reader reports EOF. Unlike
// io.ReadFull a short read at end of stream is not an error.
func ReadFull(r io.Reader, buf []byte) (int, error) {
	n, err := io.ReadFull(r, buf)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return n, nil
	}
	return n, err
}

// ResolveSeek computes an absolute offset for Seek implementations that
// know their current position and length.
func ResolveSeek(offset int64, whence int, pos, length int64) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = pos + offset
	case io.SeekEnd:
		abs = length + offset
	default:
		return 0, errors.Errorf("invalid whence %d", whence)
	}
	if abs < 0 {
		return 0, errors.Errorf("negative position %d", abs)
	}
	return abs, nil
}
