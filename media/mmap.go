package media

import (
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"

	"diskimager/stream"
)

// MmapStream is a read-only stream over a memory mapped image file.
type MmapStream struct {
	f      *os.File
	m      mmap.MMap
	pos    int64
	closed bool
}

func OpenMmap(path string) (*MmapStream, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "stat %s", path)
	}

	s := &MmapStream{f: f}
	// empty files cannot be mapped
	if st.Size() > 0 {
		s.m, err = mmap.Map(f, mmap.RDONLY, 0)
		if err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "mmap %s", path)
		}
	}
	return s, nil
}

func (s *MmapStream) Read(p []byte) (int, error) {
	if s.closed {
		return 0, stream.ErrClosed
	}
	if s.pos >= int64(len(s.m)) {
		return 0, io.EOF
	}
	n := copy(p, s.m[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *MmapStream) ReadAt(p []byte, off int64) (int, error) {
	if s.closed {
		return 0, stream.ErrClosed
	}
	if off >= int64(len(s.m)) {
		return 0, io.EOF
	}
	n := copy(p, s.m[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (s *MmapStream) Write([]byte) (int, error) {
	return 0, errors.Wrap(stream.ErrNotSupported, "write to memory mapped image")
}

func (s *MmapStream) Seek(offset int64, whence int) (int64, error) {
	abs, err := stream.ResolveSeek(offset, whence, s.pos, int64(len(s.m)))
	if err != nil {
		return s.pos, err
	}
	s.pos = abs
	return abs, nil
}

func (s *MmapStream) Size() int64 { return int64(len(s.m)) }

func (s *MmapStream) Truncate(int64) error {
	return errors.Wrap(stream.ErrNotSupported, "truncate memory mapped image")
}

func (s *MmapStream) Sync() error { return nil }

func (s *MmapStream) Caps() stream.Caps { return stream.CapRead | stream.CapSeek }

func (s *MmapStream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.m != nil {
		err = s.m.Unmap()
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
