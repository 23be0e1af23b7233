package stream

import (
	"io"
	"os"

	"github.com/pkg/errors"
)

// File adapts an *os.File (image file or raw device node) to Stream. The
// length is tracked locally because block devices do not report it through
// Stat.
type File struct {
	f    *os.File
	size int64
	pos  int64
	caps Caps
}

// NewFile wraps f whose current length is size.
func NewFile(f *os.File, size int64, caps Caps) *File {
	return &File{f: f, size: size, caps: caps | CapSeek}
}

// OpenFile opens path with the given flags and sizes it with Stat.
func OpenFile(path string, flag int, perm os.FileMode) (*File, error) {
	f, err := os.OpenFile(path, flag, perm)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	return NewFile(f, st.Size(), capsForFlag(flag)), nil
}

func capsForFlag(flag int) Caps {
	switch flag & (os.O_RDONLY | os.O_WRONLY | os.O_RDWR) {
	case os.O_WRONLY:
		return CapWrite
	case os.O_RDWR:
		return CapRead | CapWrite
	default:
		return CapRead
	}
}

func (s *File) Name() string { return s.f.Name() }

func (s *File) Read(p []byte) (int, error) {
	if s.pos >= s.size {
		return 0, io.EOF
	}
	if remain := s.size - s.pos; int64(len(p)) > remain {
		p = p[:remain]
	}
	n, err := s.f.Read(p)
	s.pos += int64(n)
	return n, err
}

func (s *File) Write(p []byte) (int, error) {
	n, err := s.f.Write(p)
	s.pos += int64(n)
	if s.pos > s.size {
		s.size = s.pos
	}
	return n, err
}

func (s *File) Seek(offset int64, whence int) (int64, error) {
	abs, err := ResolveSeek(offset, whence, s.pos, s.size)
	if err != nil {
		return s.pos, err
	}
	if _, err := s.f.Seek(abs, io.SeekStart); err != nil {
		return s.pos, errors.Wrapf(err, "seek %s", s.f.Name())
	}
	s.pos = abs
	return abs, nil
}

func (s *File) Size() int64 { return s.size }

func (s *File) Truncate(size int64) error {
	if err := s.f.Truncate(size); err != nil {
		return errors.Wrapf(err, "truncate %s", s.f.Name())
	}
	s.size = size
	return nil
}

func (s *File) Sync() error { return s.f.Sync() }

func (s *File) Caps() Caps { return s.caps }

func (s *File) Close() error { return s.f.Close() }
