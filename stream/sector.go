package stream

import "io"

// SectorStream guards raw device access: every read, write and resulting
// seek position must be a multiple of SectorSize. Aligned calls are passed
// to the base unchanged.
type SectorStream struct {
	base      Stream
	byteSwap  bool
	leaveOpen bool
	swapBuf   []byte
}

type SectorOption func(*SectorStream)

// WithByteSwap swaps each byte pair on the way in and out, for images of
// byte-swapped IDE drives.
func WithByteSwap() SectorOption {
	return func(s *SectorStream) { s.byteSwap = true }
}

// WithLeaveOpen keeps the base stream open when the sector stream closes.
func WithLeaveOpen() SectorOption {
	return func(s *SectorStream) { s.leaveOpen = true }
}

func NewSectorStream(base Stream, opts ...SectorOption) *SectorStream {
	s := &SectorStream{base: base}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SectorStream) Read(p []byte) (int, error) {
	if len(p)%SectorSize != 0 {
		return 0, &AlignmentError{Op: "read length", Value: int64(len(p))}
	}
	n, err := s.base.Read(p)
	if s.byteSwap {
		swapPairs(p[:n])
	}
	return n, err
}

func (s *SectorStream) Write(p []byte) (int, error) {
	if len(p)%SectorSize != 0 {
		return 0, &AlignmentError{Op: "write length", Value: int64(len(p))}
	}
	if !s.byteSwap {
		return s.base.Write(p)
	}
	if cap(s.swapBuf) < len(p) {
		s.swapBuf = make([]byte, len(p))
	}
	buf := s.swapBuf[:len(p)]
	copy(buf, p)
	swapPairs(buf)
	return s.base.Write(buf)
}

func (s *SectorStream) Seek(offset int64, whence int) (int64, error) {
	pos, err := Position(s.base)
	if err != nil {
		return 0, err
	}
	abs, err := ResolveSeek(offset, whence, pos, s.base.Size())
	if err != nil {
		return pos, err
	}
	if abs%SectorSize != 0 {
		return pos, &AlignmentError{Op: "seek", Value: abs}
	}
	return s.base.Seek(abs, io.SeekStart)
}

func (s *SectorStream) Size() int64               { return s.base.Size() }
func (s *SectorStream) Truncate(size int64) error { return s.base.Truncate(size) }
func (s *SectorStream) Sync() error               { return s.base.Sync() }
func (s *SectorStream) Caps() Caps                { return s.base.Caps() }

func (s *SectorStream) Close() error {
	if s.leaveOpen {
		return nil
	}
	return s.base.Close()
}

func swapPairs(b []byte) {
	for i := 0; i+1 < len(b); i += 2 {
		b[i], b[i+1] = b[i+1], b[i]
	}
}
