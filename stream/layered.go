package stream

import (
	"context"
	"encoding/binary"
	"io"
	"os"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

// Layer file format, little-endian:
//
//	header  "HILY" | size int64 | blockSize int32
//	BAT     one int64 record offset per block, 0 when absent
//	record  blockNumber int64 | storedLength int32 | blockSize payload bytes
const (
	layerMagic      = "HILY"
	LayerHeaderSize = 4 + 8 + 4
	BlockHeaderSize = 8 + 4
)

type layerItem struct {
	offset int64
	stored int64
}

// LayeredStream redirects all reads and writes of base into a layer stream
// holding block copies. The base is only modified by FlushLayer, so writes
// can be reviewed or discarded and a persisted layer survives restarts.
type LayeredStream struct {
	base      Stream
	layer     Stream
	size      int64
	blockSize int64
	blocks    int64

	items []layerItem
	dirty bitset.BitSet

	length int64
	pos    int64
	next   int64

	layerPath   string
	initialized bool
	closed      bool

	hdr [BlockHeaderSize]byte
}

type LayerOption func(*LayeredStream)

// WithLayerPath marks the layer as a temporary file that is removed on
// Close.
func WithLayerPath(path string) LayerOption {
	return func(l *LayeredStream) { l.layerPath = path }
}

func NewLayeredStream(base, layer Stream, size int64, blockSize int, opts ...LayerOption) (*LayeredStream, error) {
	if size <= 0 {
		return nil, errors.Errorf("layered stream: invalid size %d", size)
	}
	if blockSize <= 0 || blockSize%SectorSize != 0 {
		return nil, errors.Errorf("layered stream: block size %d is not a positive multiple of 512", blockSize)
	}
	l := &LayeredStream{
		base:      base,
		layer:     layer,
		size:      size,
		blockSize: int64(blockSize),
		blocks:    (size + int64(blockSize) - 1) / int64(blockSize),
	}
	for _, o := range opts {
		o(l)
	}
	return l, nil
}

// OpenLayerFile opens or creates the layer file at path over base. A
// temporary layer is deleted when the stream closes.
func OpenLayerFile(base Stream, path string, size int64, blockSize int, temporary bool) (*LayeredStream, error) {
	layer, err := OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, err
	}
	var opts []LayerOption
	if temporary {
		opts = append(opts, WithLayerPath(path))
	}
	l, err := NewLayeredStream(base, layer, size, blockSize, opts...)
	if err != nil {
		layer.Close()
		return nil, err
	}
	return l, nil
}

func (l *LayeredStream) batSize() int64 { return l.blocks * 8 }

func (l *LayeredStream) slotSize() int64 { return BlockHeaderSize + l.blockSize }

// Initialize writes a fresh header and allocation table into an empty
// layer, or validates and loads an existing one.
func (l *LayeredStream) Initialize() error {
	if l.closed {
		return ErrClosed
	}
	l.items = make([]layerItem, l.blocks)
	l.length = min(l.base.Size(), l.size)
	l.next = LayerHeaderSize + l.batSize()

	if l.layer.Size() == 0 {
		if err := l.writeHeader(); err != nil {
			return err
		}
	} else if err := l.load(); err != nil {
		return err
	}

	l.initialized = true
	return nil
}

func (l *LayeredStream) writeHeader() error {
	var hdr [LayerHeaderSize]byte
	copy(hdr[:4], layerMagic)
	binary.LittleEndian.PutUint64(hdr[4:12], uint64(l.size))
	binary.LittleEndian.PutUint32(hdr[12:16], uint32(l.blockSize))

	if _, err := l.layer.Seek(0, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek layer header")
	}
	if _, err := l.layer.Write(hdr[:]); err != nil {
		return errors.Wrap(err, "write layer header")
	}

	zero := make([]byte, min(l.batSize(), 64*1024))
	for left := l.batSize(); left > 0; {
		n := min(left, int64(len(zero)))
		if _, err := l.layer.Write(zero[:n]); err != nil {
			return errors.Wrap(err, "write block allocation table")
		}
		left -= n
	}
	return nil
}

// ReadLayerHeader reads the covered size and block size from the header of
// a layer file.
func ReadLayerHeader(r io.ReadSeeker) (int64, int, error) {
	var hdr [LayerHeaderSize]byte
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return 0, 0, errors.Wrap(err, "seek layer header")
	}
	if n, err := ReadFull(r, hdr[:]); err != nil {
		return 0, 0, errors.Wrap(err, "read layer header")
	} else if n < LayerHeaderSize {
		return 0, 0, &FormatError{Reason: "truncated header"}
	}
	if string(hdr[:4]) != layerMagic {
		return 0, 0, &FormatError{Reason: "invalid magic"}
	}
	size := int64(binary.LittleEndian.Uint64(hdr[4:12]))
	blockSize := int(binary.LittleEndian.Uint32(hdr[12:16]))
	return size, blockSize, nil
}

func (l *LayeredStream) load() error {
	size, blockSize, err := ReadLayerHeader(l.layer)
	if err != nil {
		return err
	}
	if size != l.size {
		return &FormatError{Reason: "size mismatch"}
	}
	if int64(blockSize) != l.blockSize {
		return &FormatError{Reason: "block size mismatch"}
	}

	bat := make([]byte, l.batSize())
	if n, err := ReadFull(l.layer, bat); err != nil {
		return errors.Wrap(err, "read block allocation table")
	} else if int64(n) < l.batSize() {
		return &FormatError{Reason: "truncated block allocation table"}
	}

	for block := int64(0); block < l.blocks; block++ {
		offset := int64(binary.LittleEndian.Uint64(bat[block*8:]))
		if offset == 0 {
			continue
		}
		number, stored, err := l.readRecordHeader(offset)
		if err != nil {
			return err
		}
		if number != block {
			return &FormatError{Reason: "block number mismatch"}
		}
		l.items[block] = layerItem{offset: offset, stored: stored}
		l.next = max(l.next, offset+l.slotSize())
		l.length = max(l.length, block*l.blockSize+stored)
	}
	return nil
}

func (l *LayeredStream) readRecordHeader(offset int64) (int64, int64, error) {
	if _, err := l.layer.Seek(offset, io.SeekStart); err != nil {
		return 0, 0, errors.Wrapf(err, "seek record at %d", offset)
	}
	if n, err := ReadFull(l.layer, l.hdr[:]); err != nil {
		return 0, 0, errors.Wrapf(err, "read record at %d", offset)
	} else if n < BlockHeaderSize {
		return 0, 0, &FormatError{Reason: "truncated block record"}
	}
	number := int64(binary.LittleEndian.Uint64(l.hdr[0:8]))
	stored := int64(binary.LittleEndian.Uint32(l.hdr[8:12]))
	if stored > l.blockSize {
		return 0, 0, &FormatError{Reason: "stored length exceeds block size"}
	}
	return number, stored, nil
}

// materialize copies block from the base into a new layer record and
// persists its allocation table entry. With overwrite the base is not read.
func (l *LayeredStream) materialize(block int64, overwrite bool) (layerItem, error) {
	if it := l.items[block]; it.offset != 0 {
		return it, nil
	}

	rec := make([]byte, l.slotSize())
	data := rec[BlockHeaderSize:]
	off := block * l.blockSize

	var stored int64
	if baseLen := min(l.base.Size(), l.size); !overwrite && off < baseLen {
		if _, err := l.base.Seek(off, io.SeekStart); err != nil {
			return layerItem{}, errors.Wrapf(err, "seek base block %d", block)
		}
		n, err := ReadFull(l.base, data[:min(l.blockSize, baseLen-off)])
		if err != nil {
			return layerItem{}, errors.Wrapf(err, "read base block %d", block)
		}
		stored = int64(n)
	}

	binary.LittleEndian.PutUint64(rec[0:8], uint64(block))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(stored))

	it := layerItem{offset: l.next, stored: stored}
	if _, err := l.layer.Seek(it.offset, io.SeekStart); err != nil {
		return layerItem{}, errors.Wrapf(err, "seek layer record %d", block)
	}
	if _, err := l.layer.Write(rec); err != nil {
		return layerItem{}, errors.Wrapf(err, "write layer record %d", block)
	}

	var entry [8]byte
	binary.LittleEndian.PutUint64(entry[:], uint64(it.offset))
	if _, err := l.layer.Seek(LayerHeaderSize+block*8, io.SeekStart); err != nil {
		return layerItem{}, errors.Wrapf(err, "seek allocation entry %d", block)
	}
	if _, err := l.layer.Write(entry[:]); err != nil {
		return layerItem{}, errors.Wrapf(err, "write allocation entry %d", block)
	}

	l.items[block] = it
	l.next += l.slotSize()
	return it, nil
}

func (l *LayeredStream) ready() error {
	if l.closed {
		return ErrClosed
	}
	if !l.initialized {
		return ErrNotInitialized
	}
	return nil
}

func (l *LayeredStream) Read(p []byte) (int, error) {
	if err := l.ready(); err != nil {
		return 0, err
	}
	if l.pos >= l.length {
		return 0, io.EOF
	}

	want := min(int64(len(p)), l.length-l.pos)
	var done int64
	for done < want {
		block := l.pos / l.blockSize
		inBlock := l.pos % l.blockSize
		n := min(l.blockSize-inBlock, want-done)

		it, err := l.materialize(block, false)
		if err != nil {
			return int(done), err
		}
		if _, err := l.layer.Seek(it.offset+BlockHeaderSize+inBlock, io.SeekStart); err != nil {
			return int(done), errors.Wrapf(err, "seek layer block %d", block)
		}
		if _, err := io.ReadFull(l.layer, p[done:done+n]); err != nil {
			return int(done), errors.Wrapf(err, "read layer block %d", block)
		}
		done += n
		l.pos += n
	}
	return int(done), nil
}

func (l *LayeredStream) Write(p []byte) (int, error) {
	if err := l.ready(); err != nil {
		return 0, err
	}
	if len(p) > 0 && l.pos >= l.size {
		return 0, errors.Wrapf(ErrCapacity, "layered stream at %d", l.pos)
	}

	want := min(int64(len(p)), l.size-l.pos)
	var done int64
	for done < want {
		block := l.pos / l.blockSize
		inBlock := l.pos % l.blockSize
		n := min(l.blockSize-inBlock, want-done)

		it, err := l.materialize(block, n == l.blockSize)
		if err != nil {
			return int(done), err
		}
		if _, err := l.layer.Seek(it.offset+BlockHeaderSize+inBlock, io.SeekStart); err != nil {
			return int(done), errors.Wrapf(err, "seek layer block %d", block)
		}
		if _, err := l.layer.Write(p[done : done+n]); err != nil {
			return int(done), errors.Wrapf(err, "write layer block %d", block)
		}
		if end := inBlock + n; end > it.stored {
			if err := l.setStored(block, end); err != nil {
				return int(done), err
			}
		}
		l.dirty.Set(uint(block))
		done += n
		l.pos += n
		l.length = max(l.length, l.pos)
	}

	if want < int64(len(p)) {
		return int(done), errors.Wrapf(ErrCapacity, "layered stream at %d", l.pos)
	}
	return int(done), nil
}

func (l *LayeredStream) setStored(block, stored int64) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(stored))
	off := l.items[block].offset + 8
	if _, err := l.layer.Seek(off, io.SeekStart); err != nil {
		return errors.Wrapf(err, "seek record length %d", block)
	}
	if _, err := l.layer.Write(b[:]); err != nil {
		return errors.Wrapf(err, "write record length %d", block)
	}
	l.items[block].stored = stored
	return nil
}

func (l *LayeredStream) Seek(offset int64, whence int) (int64, error) {
	abs, err := ResolveSeek(offset, whence, l.pos, l.length)
	if err != nil {
		return l.pos, err
	}
	l.pos = abs
	return abs, nil
}

// Size returns the logical length: the base length capped at the declared
// size, grown by writes.
func (l *LayeredStream) Size() int64 { return l.length }

func (l *LayeredStream) Truncate(size int64) error {
	if size < 0 || size > l.size {
		return errors.Errorf("layered stream: length %d outside 0..%d", size, l.size)
	}
	l.length = size
	return nil
}

// Sync flushes the layer stream only; the base is written by FlushLayer.
func (l *LayeredStream) Sync() error { return l.layer.Sync() }

func (l *LayeredStream) Caps() Caps { return CapRead | CapWrite | CapSeek }

// MarkAllDirty flags every materialized block for the next FlushLayer, used
// when applying a layer loaded from disk.
func (l *LayeredStream) MarkAllDirty() {
	for block, it := range l.items {
		if it.offset != 0 {
			l.dirty.Set(uint(block))
		}
	}
}

// Materialized returns the number of blocks held in the layer.
func (l *LayeredStream) Materialized() int {
	n := 0
	for _, it := range l.items {
		if it.offset != 0 {
			n++
		}
	}
	return n
}

// Dirty returns the number of blocks not yet flushed to the base.
func (l *LayeredStream) Dirty() int { return int(l.dirty.Count()) }

// FlushLayer writes every changed block record back to the base at its
// block offset.
func (l *LayeredStream) FlushLayer(ctx context.Context) error {
	if err := l.ready(); err != nil {
		return err
	}

	buf := make([]byte, l.blockSize)
	for i, ok := l.dirty.NextSet(0); ok; i, ok = l.dirty.NextSet(i + 1) {
		if err := ctx.Err(); err != nil {
			return err
		}
		block := int64(i)
		it := l.items[block]

		number, stored, err := l.readRecordHeader(it.offset)
		if err != nil {
			return err
		}
		if number != block {
			return &FormatError{Reason: "block number mismatch during flush"}
		}
		if _, err := io.ReadFull(l.layer, buf[:stored]); err != nil {
			return errors.Wrapf(err, "read layer block %d", block)
		}

		if _, err := l.base.Seek(block*l.blockSize, io.SeekStart); err != nil {
			return errors.Wrapf(err, "seek base block %d", block)
		}
		if _, err := l.base.Write(buf[:stored]); err != nil {
			return errors.Wrapf(err, "write base block %d", block)
		}
		l.dirty.Clear(i)
	}
	return l.base.Sync()
}

// Detach closes both streams without applying the layer, leaving its blocks
// for a later Initialize and FlushLayer. A temporary layer file is still
// removed.
func (l *LayeredStream) Detach() error {
	if l.closed {
		return nil
	}
	l.initialized = false
	err := l.layer.Sync()
	return errors.Wrap(l.closeStreams(err), "detach layer")
}

// Close flushes the layer into the base, closes both streams and removes a
// temporary layer file.
func (l *LayeredStream) Close() error {
	if l.closed {
		return nil
	}

	var err error
	if l.initialized {
		err = l.FlushLayer(context.Background())
	}
	return l.closeStreams(err)
}

func (l *LayeredStream) closeStreams(err error) error {
	l.closed = true

	if cerr := l.layer.Close(); err == nil {
		err = cerr
	}
	if cerr := l.base.Close(); err == nil {
		err = cerr
	}
	if l.layerPath != "" {
		if rerr := os.Remove(l.layerPath); rerr != nil && !os.IsNotExist(rerr) && err == nil {
			err = rerr
		}
	}
	return err
}
