package stream

import (
	"io"
	"slices"

	"github.com/bits-and-blooms/bitset"
	"github.com/pkg/errors"
)

type cachedBlock struct {
	offset int64
	data   []byte
}

// CachedBlockStream buffers reads and writes in whole blocks. Writes stay in
// memory until Sync, which resizes the base if needed and writes back the
// dirty blocks.
type CachedBlockStream struct {
	// MaxBlocks bounds the blocks held in memory. When a new block would
	// exceed it the cache is written back first. Zero means no bound.
	MaxBlocks int

	base      Stream
	blockSize int64
	length    int64
	pos       int64

	index map[int64]int
	slots []cachedBlock
	dirty bitset.BitSet

	closed bool
}

func NewCachedBlockStream(base Stream, blockSize int) (*CachedBlockStream, error) {
	if blockSize <= 0 || blockSize%SectorSize != 0 {
		return nil, errors.Errorf("block size %d is not a positive multiple of 512", blockSize)
	}
	return &CachedBlockStream{
		base:      base,
		blockSize: int64(blockSize),
		length:    base.Size(),
		index:     make(map[int64]int),
	}, nil
}

// fetch returns the arena slot for block, loading it from the base unless
// overwrite says the caller replaces the whole block.
func (c *CachedBlockStream) fetch(block int64, overwrite bool) (int, error) {
	if slot, ok := c.index[block]; ok {
		return slot, nil
	}

	if c.MaxBlocks > 0 && len(c.slots) >= c.MaxBlocks {
		if err := c.writeBack(); err != nil {
			return 0, err
		}
	}

	b := cachedBlock{offset: block * c.blockSize, data: make([]byte, c.blockSize)}
	if baseLen := c.base.Size(); !overwrite && b.offset < baseLen {
		if _, err := c.base.Seek(b.offset, io.SeekStart); err != nil {
			return 0, errors.Wrapf(err, "seek block at %d", b.offset)
		}
		n, err := ReadFull(c.base, b.data)
		if err != nil {
			return 0, errors.Wrapf(err, "read block at %d", b.offset)
		}
		if want := min(c.blockSize, baseLen-b.offset); int64(n) < want {
			return 0, errors.Wrapf(io.ErrUnexpectedEOF, "read block at %d: got %d of %d bytes", b.offset, n, want)
		}
	}

	c.slots = append(c.slots, b)
	slot := len(c.slots) - 1
	c.index[block] = slot
	return slot, nil
}

func (c *CachedBlockStream) Read(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}
	if c.pos >= c.length {
		return 0, io.EOF
	}

	want := min(int64(len(p)), c.length-c.pos)
	var done int64
	for done < want {
		block := c.pos / c.blockSize
		inBlock := c.pos % c.blockSize
		n := min(c.blockSize-inBlock, want-done)

		slot, err := c.fetch(block, false)
		if err != nil {
			return int(done), err
		}
		copy(p[done:done+n], c.slots[slot].data[inBlock:inBlock+n])
		done += n
		c.pos += n
	}
	return int(done), nil
}

func (c *CachedBlockStream) Write(p []byte) (int, error) {
	if c.closed {
		return 0, ErrClosed
	}

	var done int64
	for done < int64(len(p)) {
		block := c.pos / c.blockSize
		inBlock := c.pos % c.blockSize
		n := min(c.blockSize-inBlock, int64(len(p))-done)

		slot, err := c.fetch(block, n == c.blockSize)
		if err != nil {
			return int(done), err
		}
		copy(c.slots[slot].data[inBlock:inBlock+n], p[done:done+n])
		c.dirty.Set(uint(slot))
		done += n
		c.pos += n
		if c.pos > c.length {
			c.length = c.pos
		}
	}
	return int(done), nil
}

func (c *CachedBlockStream) Seek(offset int64, whence int) (int64, error) {
	abs, err := ResolveSeek(offset, whence, c.pos, c.length)
	if err != nil {
		return c.pos, err
	}
	c.pos = abs
	return abs, nil
}

func (c *CachedBlockStream) Size() int64 { return c.length }

// Truncate changes the logical length only; the base is resized on Sync.
func (c *CachedBlockStream) Truncate(size int64) error {
	if size < 0 {
		return errors.Errorf("negative length %d", size)
	}
	if size < c.length {
		for block, slot := range c.index {
			b := c.slots[slot]
			switch {
			case b.offset >= size:
				delete(c.index, block)
				c.dirty.Clear(uint(slot))
			case b.offset+c.blockSize > size:
				clear(b.data[size-b.offset:])
			}
		}
	}
	c.length = size
	return nil
}

// Sync writes every dirty block to the base and drops the cache.
func (c *CachedBlockStream) Sync() error {
	if c.closed {
		return ErrClosed
	}
	if err := c.writeBack(); err != nil {
		return err
	}
	return c.base.Sync()
}

func (c *CachedBlockStream) writeBack() error {
	if c.base.Size() != c.length {
		if err := c.base.Truncate(c.length); err != nil {
			return errors.Wrap(err, "resize base")
		}
	}

	for i, ok := c.dirty.NextSet(0); ok; i, ok = c.dirty.NextSet(i + 1) {
		b := c.slots[i]
		n := min(c.blockSize, c.length-b.offset)
		if n <= 0 {
			continue
		}
		if _, err := c.base.Seek(b.offset, io.SeekStart); err != nil {
			return errors.Wrapf(err, "seek block at %d", b.offset)
		}
		if _, err := c.base.Write(b.data[:n]); err != nil {
			return errors.Wrapf(err, "write block at %d", b.offset)
		}
	}

	c.index = make(map[int64]int)
	c.slots = c.slots[:0]
	c.dirty.ClearAll()
	return nil
}

func (c *CachedBlockStream) Caps() Caps { return c.base.Caps() }

// Blocks returns the offsets of the blocks currently held in memory.
func (c *CachedBlockStream) Blocks() []int64 {
	offsets := make([]int64, 0, len(c.index))
	for _, slot := range c.index {
		offsets = append(offsets, c.slots[slot].offset)
	}
	slices.Sort(offsets)
	return offsets
}

func (c *CachedBlockStream) Close() error {
	if c.closed {
		return nil
	}
	err := c.Sync()
	c.closed = true
	if cerr := c.base.Close(); err == nil {
		err = cerr
	}
	return err
}
