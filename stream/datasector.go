package stream

import (
	"bytes"
	"io"
	"iter"

	"github.com/pkg/errors"
)

// Sector is one window of a buffer classified by Classify or read by a
// DataSectorReader. Data aliases the source buffer.
type Sector struct {
	Start      int64
	End        int64
	Size       int64
	ZeroFilled bool
	Data       []byte
}

var zeroSlab = make([]byte, 64*1024)

// IsZeroFilled reports whether buf[offset:offset+count] holds only zeros.
func IsZeroFilled(buf []byte, offset, count int) bool {
	b := buf[offset : offset+count]
	for len(b) > 0 {
		n := min(len(b), len(zeroSlab))
		if !bytes.Equal(b[:n], zeroSlab[:n]) {
			return false
		}
		b = b[n:]
	}
	return true
}

// Classify walks buf[:length] in sectorSize windows and yields each window,
// skipping zero-filled ones unless includeZeroFilled is set. Offsets are
// relative to buf. length must not exceed len(buf) and must be a multiple
// of SectorSize.
func Classify(buf []byte, sectorSize, length int, includeZeroFilled bool) iter.Seq[Sector] {
	if length > len(buf) {
		panic("stream: classify length exceeds buffer")
	}
	if length%SectorSize != 0 || sectorSize <= 0 || sectorSize%SectorSize != 0 {
		panic("stream: classify length and sector size must be multiples of 512")
	}

	return func(yield func(Sector) bool) {
		for start := 0; start < length; start += sectorSize {
			end := min(start+sectorSize, length)
			zero := IsZeroFilled(buf, start, end-start)
			if zero && !includeZeroFilled {
				continue
			}
			s := Sector{
				Start:      int64(start),
				End:        int64(end) - 1,
				Size:       int64(end - start),
				ZeroFilled: zero,
				Data:       buf[start:end],
			}
			if !yield(s) {
				return
			}
		}
	}
}

// Run is a span of adjacent non-zero sectors.
type Run struct {
	Start int64
	Size  int64
}

// DataRuns merges the non-zero sectors of buf[:length] into contiguous
// runs. A trailing window shorter than sectorSize is checked on its own.
func DataRuns(buf []byte, sectorSize, length int) []Run {
	aligned := length - length%SectorSize
	var runs []Run
	add := func(start, size int64) {
		if n := len(runs); n > 0 && runs[n-1].Start+runs[n-1].Size == start {
			runs[n-1].Size += size
			return
		}
		runs = append(runs, Run{Start: start, Size: size})
	}
	for s := range Classify(buf, sectorSize, aligned, false) {
		add(s.Start, s.Size)
	}
	if tail := length - aligned; tail > 0 && !IsZeroFilled(buf, aligned, tail) {
		add(int64(aligned), int64(tail))
	}
	return runs
}

// SectorResult is one chunk read by DataSectorReader. Data holds the whole
// chunk; Sectors alias it.
type SectorResult struct {
	Start        int64
	End          int64
	BytesRead    int
	EndOfSectors bool
	Data         []byte
	Sectors      []Sector
}

// DataSectorReader reads a stream chunk by chunk and classifies each chunk
// into sectors with absolute offsets.
type DataSectorReader struct {
	r                 io.Reader
	sectorSize        int
	buf               []byte
	offset            int64
	includeZeroFilled bool
}

func NewDataSectorReader(r io.Reader, sectorSize, bufferSize int, includeZeroFilled bool) (*DataSectorReader, error) {
	if sectorSize <= 0 || sectorSize%SectorSize != 0 {
		return nil, errors.Errorf("sector size %d is not a multiple of 512", sectorSize)
	}
	if bufferSize <= 0 || bufferSize%SectorSize != 0 {
		return nil, errors.Errorf("buffer size %d is not a multiple of 512", bufferSize)
	}
	if bufferSize < sectorSize {
		return nil, errors.Errorf("buffer size %d is smaller than sector size %d", bufferSize, sectorSize)
	}
	return &DataSectorReader{
		r:                 r,
		sectorSize:        sectorSize,
		buf:               make([]byte, bufferSize),
		includeZeroFilled: includeZeroFilled,
	}, nil
}

// ReadNext reads up to length bytes (at most the buffer size). The
// returned sectors alias the reader's buffer and are valid until the next
// call.
func (d *DataSectorReader) ReadNext(length int) (SectorResult, error) {
	if length <= 0 || length > len(d.buf) {
		length = len(d.buf)
	}
	n, err := ReadFull(d.r, d.buf[:length])
	if err != nil {
		return SectorResult{}, errors.Wrapf(err, "read at %d", d.offset)
	}

	res := SectorResult{
		Start:        d.offset,
		End:          d.offset + int64(n) - 1,
		BytesRead:    n,
		EndOfSectors: n < length,
		Data:         d.buf[:n],
	}

	aligned := n - n%SectorSize
	for s := range Classify(d.buf, d.sectorSize, aligned, d.includeZeroFilled) {
		s.Start += d.offset
		s.End += d.offset
		res.Sectors = append(res.Sectors, s)
	}
	if tail := n - aligned; tail > 0 {
		zero := IsZeroFilled(d.buf, aligned, tail)
		if !zero || d.includeZeroFilled {
			res.Sectors = append(res.Sectors, Sector{
				Start:      d.offset + int64(aligned),
				End:        d.offset + int64(n) - 1,
				Size:       int64(tail),
				ZeroFilled: zero,
				Data:       d.buf[aligned:n],
			})
		}
	}

	d.offset += int64(n)
	return res, nil
}
