package stream

import (
	"io"

	"github.com/pkg/errors"
)

// VirtualStream exposes a window of base starting at startOffset. Position
// 0 of the window is startOffset in the base. A maxSize of 0 leaves the
// window unbounded.
type VirtualStream struct {
	base        Stream
	startOffset int64
	maxSize     int64
	size        int64
	pos         int64
}

func NewVirtualStream(base Stream, startOffset, maxSize, currentSize int64) (*VirtualStream, error) {
	if startOffset < 0 || maxSize < 0 || currentSize < 0 {
		return nil, errors.New("virtual stream: negative offset or size")
	}
	if maxSize > 0 && currentSize > maxSize {
		return nil, errors.Errorf("virtual stream: current size %d exceeds max size %d", currentSize, maxSize)
	}
	return &VirtualStream{
		base:        base,
		startOffset: startOffset,
		maxSize:     maxSize,
		size:        currentSize,
	}, nil
}

// clip returns how many of n bytes at the current position fit the window.
func (v *VirtualStream) clip(n int) int {
	if v.maxSize == 0 {
		return n
	}
	if v.pos >= v.maxSize {
		return 0
	}
	return int(min(int64(n), v.maxSize-v.pos))
}

func (v *VirtualStream) Read(p []byte) (int, error) {
	count := v.clip(len(p))
	if count == 0 && len(p) > 0 {
		return 0, io.EOF
	}
	if _, err := v.base.Seek(v.startOffset+v.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := v.base.Read(p[:count])
	v.advance(n)
	return n, err
}

func (v *VirtualStream) Write(p []byte) (int, error) {
	count := v.clip(len(p))
	if count == 0 && len(p) > 0 {
		return 0, errors.Wrapf(ErrCapacity, "virtual stream at %d", v.pos)
	}
	if _, err := v.base.Seek(v.startOffset+v.pos, io.SeekStart); err != nil {
		return 0, err
	}
	n, err := v.base.Write(p[:count])
	v.advance(n)
	if err == nil && count < len(p) {
		err = io.ErrShortWrite
	}
	return n, err
}

func (v *VirtualStream) advance(n int) {
	v.pos += int64(n)
	if v.pos > v.size {
		v.size = v.pos
	}
}

func (v *VirtualStream) Seek(offset int64, whence int) (int64, error) {
	abs, err := ResolveSeek(offset, whence, v.pos, v.size)
	if err != nil {
		return v.pos, err
	}
	if abs > v.size {
		return v.pos, errors.Errorf("virtual stream: seek to %d beyond length %d", abs, v.size)
	}
	v.pos = abs
	return abs, nil
}

func (v *VirtualStream) Size() int64 { return v.size }

func (v *VirtualStream) Truncate(size int64) error {
	if size < 0 {
		return errors.Errorf("negative length %d", size)
	}
	if v.maxSize > 0 && size > v.maxSize {
		return errors.Errorf("virtual stream: length %d exceeds max size %d", size, v.maxSize)
	}
	v.size = size
	return nil
}

func (v *VirtualStream) Sync() error  { return v.base.Sync() }
func (v *VirtualStream) Caps() Caps   { return v.base.Caps() }
func (v *VirtualStream) Close() error { return v.base.Close() }
