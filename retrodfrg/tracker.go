package retrodfrg

import (
	"strings"
	"sync"

	"github.com/bits-and-blooms/bitset"
)

const (
	glyphDone   = '█'
	glyphFree   = '░'
	glyphFailed = '■'
)

// Legend explains the block map glyphs.
func Legend() []string {
	return []string{string(glyphDone) + " done   " + string(glyphFree) + " pending   " + string(glyphFailed) + " i/o error"}
}

// Tracker records which blocks of a transfer are done or failed, one map
// cell per block. A zero total grows with the marks.
type Tracker struct {
	mu        sync.Mutex
	blockSize int64
	blocks    int64
	done      *bitset.BitSet
	failed    *bitset.BitSet
	current   int64
}

func NewTracker(totalBytes, blockSize int64) *Tracker {
	if blockSize <= 0 {
		blockSize = 512
	}
	blocks := (totalBytes + blockSize - 1) / blockSize
	return &Tracker{
		blockSize: blockSize,
		blocks:    blocks,
		done:      bitset.New(uint(blocks)),
		failed:    bitset.New(uint(blocks)),
	}
}

// span returns the blocks touched by [offset, offset+length).
func (t *Tracker) span(offset, length int64) (uint, uint, bool) {
	if length <= 0 || offset < 0 {
		return 0, 0, false
	}
	first := offset / t.blockSize
	last := (offset + length - 1) / t.blockSize
	if last >= t.blocks {
		t.blocks = last + 1
	}
	t.current = last
	return uint(first), uint(last), true
}

func (t *Tracker) MarkDone(offset, length int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first, last, ok := t.span(offset, length)
	if !ok {
		return
	}
	for i := first; i <= last; i++ {
		t.done.Set(i)
	}
}

func (t *Tracker) MarkFailed(offset, length int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	first, last, ok := t.span(offset, length)
	if !ok {
		return
	}
	for i := first; i <= last; i++ {
		t.failed.Set(i)
	}
}

// Counts returns the done, failed and total block counts.
func (t *Tracker) Counts() (done, failed, total int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return int64(t.done.Count()), int64(t.failed.Count()), t.blocks
}

// Current returns the block of the most recent mark.
func (t *Tracker) Current() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Lines renders the map in rows of width cells. When the map is larger
// than the view, the view scrolls to keep the current block visible.
func (t *Tracker) Lines(width, rows int) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if width <= 0 || rows <= 0 || t.blocks == 0 {
		return nil
	}

	cells := int64(width * rows)
	start := int64(0)
	if t.blocks > cells {
		if t.current >= cells-1 {
			start = t.current - (cells - 1)
		}
		start = max(min(start, t.blocks-cells), 0)
	}

	var lines []string
	for row := int64(0); row < int64(rows); row++ {
		var b strings.Builder
		for col := int64(0); col < int64(width); col++ {
			abs := start + row*int64(width) + col
			if abs >= t.blocks {
				break
			}
			switch {
			case t.failed.Test(uint(abs)):
				b.WriteRune(glyphFailed)
			case t.done.Test(uint(abs)):
				b.WriteRune(glyphDone)
			default:
				b.WriteRune(glyphFree)
			}
		}
		if b.Len() == 0 {
			break
		}
		lines = append(lines, b.String())
	}
	return lines
}
