package stream

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func patterned(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i*7 + 3)
	}
	return b
}

func TestCachedBlockStreamRejectsBadBlockSize(t *testing.T) {
	_, err := NewCachedBlockStream(NewMemory(nil), 1000)
	require.Error(t, err)
	_, err = NewCachedBlockStream(NewMemory(nil), 0)
	require.Error(t, err)
}

func TestCachedBlockStreamReadsThroughWholeBlocks(t *testing.T) {
	data := patterned(4096)
	base := NewMonitor(NewMemory(bytes.Clone(data)), nil)
	c, err := NewCachedBlockStream(base, 1024)
	require.NoError(t, err)

	_, err = c.Seek(1000, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 100)
	n, err := c.Read(got)
	require.NoError(t, err)
	assert.Equal(t, 100, n)
	assert.Equal(t, data[1000:1100], got)
	assert.Equal(t, []int64{0, 1024}, c.Blocks())

	reads := base.Count("read")
	_, err = c.Seek(10, io.SeekStart)
	require.NoError(t, err)
	_, err = c.Read(got)
	require.NoError(t, err)
	assert.Equal(t, reads, base.Count("read"), "cached block must not be read again")
	assert.Equal(t, data[10:110], got)
}

func TestCachedBlockStreamWritesStayInMemoryUntilSync(t *testing.T) {
	data := patterned(4096)
	base := NewMemory(bytes.Clone(data))
	c, err := NewCachedBlockStream(base, 1024)
	require.NoError(t, err)

	_, err = c.Seek(1500, io.SeekStart)
	require.NoError(t, err)
	_, err = c.Write([]byte{0xAA, 0xBB})
	require.NoError(t, err)
	assert.Equal(t, data, base.Bytes(), "base must be untouched before sync")

	require.NoError(t, c.Sync())
	want := bytes.Clone(data)
	want[1500], want[1501] = 0xAA, 0xBB
	assert.Equal(t, want, base.Bytes())
	assert.Empty(t, c.Blocks())
}

func TestCachedBlockStreamGrowsBase(t *testing.T) {
	base := NewMemory(patterned(1024))
	c, err := NewCachedBlockStream(base, 512)
	require.NoError(t, err)

	_, err = c.Seek(0, io.SeekEnd)
	require.NoError(t, err)
	_, err = c.Write(bytes.Repeat([]byte{1}, 700))
	require.NoError(t, err)
	assert.Equal(t, int64(1724), c.Size())
	assert.Equal(t, int64(1024), base.Size())

	require.NoError(t, c.Close())
	assert.Equal(t, 1724, len(base.Bytes()))
	assert.Equal(t, bytes.Repeat([]byte{1}, 700), base.Bytes()[1024:])
}

func TestCachedBlockStreamTruncateShrinksBaseOnSync(t *testing.T) {
	base := NewMemory(patterned(2048))
	c, err := NewCachedBlockStream(base, 512)
	require.NoError(t, err)

	require.NoError(t, c.Truncate(1000))
	_, err = c.Seek(990, io.SeekStart)
	require.NoError(t, err)
	got := make([]byte, 64)
	n, err := c.Read(got)
	require.NoError(t, err)
	assert.Equal(t, 10, n)

	require.NoError(t, c.Sync())
	assert.Equal(t, int64(1000), base.Size())
}

type shortReader struct {
	*Memory
}

func (s shortReader) Read(p []byte) (int, error) {
	if len(p) > 100 {
		p = p[:100]
	}
	n, err := s.Memory.Read(p)
	if err == nil {
		return n, io.EOF
	}
	return n, err
}

func TestCachedBlockStreamShortBaseReadIsFatal(t *testing.T) {
	c, err := NewCachedBlockStream(shortReader{NewMemory(patterned(2048))}, 512)
	require.NoError(t, err)

	_, err = c.Read(make([]byte, 512))
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestCachedBlockStreamWritesBackAtMaxBlocks(t *testing.T) {
	data := patterned(4096)
	base := NewMemory(bytes.Clone(data))
	c, err := NewCachedBlockStream(base, 1024)
	require.NoError(t, err)
	c.MaxBlocks = 2

	_, err = c.Seek(100, io.SeekStart)
	require.NoError(t, err)
	_, err = c.Write(bytes.Repeat([]byte{0xEE}, 1900))
	require.NoError(t, err)
	assert.Equal(t, data, base.Bytes())
	assert.Equal(t, []int64{0, 1024}, c.Blocks())

	// a third block pushes the first two out
	_, err = c.Write(bytes.Repeat([]byte{0xEE}, 100))
	require.NoError(t, err)
	assert.Equal(t, []int64{2048}, c.Blocks())
	want := bytes.Clone(data)
	copy(want[100:2048], bytes.Repeat([]byte{0xEE}, 1948))
	assert.Equal(t, want, base.Bytes())

	require.NoError(t, c.Sync())
	copy(want[2048:2100], bytes.Repeat([]byte{0xEE}, 52))
	assert.Equal(t, want, base.Bytes())
}

func TestCachedBlockStreamAlignsSectorWrites(t *testing.T) {
	data := patterned(4096)
	mem := NewMemory(bytes.Clone(data))
	c, err := NewCachedBlockStream(NewSectorStream(mem), 512)
	require.NoError(t, err)

	_, err = c.Seek(700, io.SeekStart)
	require.NoError(t, err)
	_, err = c.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, c.Sync())

	want := bytes.Clone(data)
	copy(want[700:], []byte{1, 2, 3})
	assert.Equal(t, want, mem.Bytes())
}
