package stream

import (
	"io"

	"github.com/pkg/errors"
)

// Memory is a growable in-memory Stream.
type Memory struct {
	buf    []byte
	pos    int64
	closed bool
}

func NewMemory(data []byte) *Memory {
	return &Memory{buf: data}
}

// Bytes returns the underlying buffer without copying.
func (m *Memory) Bytes() []byte { return m.buf }

func (m *Memory) Read(p []byte) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	if m.pos >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}

func (m *Memory) Write(p []byte) (int, error) {
	if m.closed {
		return 0, ErrClosed
	}
	end := m.pos + int64(len(p))
	if end > int64(len(m.buf)) {
		m.grow(end)
	}
	n := copy(m.buf[m.pos:end], p)
	m.pos = end
	return n, nil
}

// grow extends the buffer to size; the new region reads as zeros.
func (m *Memory) grow(size int64) {
	if size <= int64(cap(m.buf)) {
		old := len(m.buf)
		m.buf = m.buf[:size]
		clear(m.buf[old:])
		return
	}
	nb := make([]byte, size, size+size/4)
	copy(nb, m.buf)
	m.buf = nb
}

func (m *Memory) Seek(offset int64, whence int) (int64, error) {
	abs, err := ResolveSeek(offset, whence, m.pos, int64(len(m.buf)))
	if err != nil {
		return m.pos, err
	}
	m.pos = abs
	return abs, nil
}

func (m *Memory) Size() int64 { return int64(len(m.buf)) }

func (m *Memory) Truncate(size int64) error {
	if size < 0 {
		return errors.Errorf("negative length %d", size)
	}
	if size > int64(len(m.buf)) {
		m.grow(size)
		return nil
	}
	m.buf = m.buf[:size]
	return nil
}

func (m *Memory) Sync() error { return nil }

func (m *Memory) Caps() Caps { return CapRead | CapWrite | CapSeek }

func (m *Memory) Close() error {
	m.closed = true
	return nil
}
