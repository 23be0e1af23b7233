package stream

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVirtualStreamMapsOffsets(t *testing.T) {
	base := NewMemory(patterned(4096))
	v, err := NewVirtualStream(base, 1024, 2048, 2048)
	require.NoError(t, err)

	got := make([]byte, 16)
	_, err = v.Read(got)
	require.NoError(t, err)
	assert.Equal(t, base.Bytes()[1024:1040], got)

	_, err = v.Seek(100, io.SeekStart)
	require.NoError(t, err)
	_, err = v.Write([]byte{9, 9})
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9}, base.Bytes()[1124:1126])
}

func TestVirtualStreamClipsAtMaxSize(t *testing.T) {
	base := NewMemory(patterned(4096))
	v, err := NewVirtualStream(base, 0, 1000, 1000)
	require.NoError(t, err)

	_, err = v.Seek(900, io.SeekStart)
	require.NoError(t, err)
	n, err := v.Read(make([]byte, 500))
	require.NoError(t, err)
	assert.Equal(t, 100, n)

	_, err = v.Read(make([]byte, 10))
	assert.ErrorIs(t, err, io.EOF)

	_, err = v.Seek(950, io.SeekStart)
	require.NoError(t, err)
	n, err = v.Write(make([]byte, 100))
	assert.ErrorIs(t, err, io.ErrShortWrite)
	assert.Equal(t, 50, n)

	_, err = v.Write([]byte{1})
	assert.ErrorIs(t, err, ErrCapacity)
}

func TestVirtualStreamUnboundedWhenMaxSizeZero(t *testing.T) {
	base := NewMemory(nil)
	v, err := NewVirtualStream(base, 512, 0, 0)
	require.NoError(t, err)

	n, err := v.Write(make([]byte, 10_000))
	require.NoError(t, err)
	assert.Equal(t, 10_000, n)
	assert.Equal(t, int64(10_000), v.Size())
	assert.Equal(t, int64(10_512), base.Size())
	require.NoError(t, v.Truncate(1<<30))
}

func TestVirtualStreamRejectsInvalidGeometry(t *testing.T) {
	_, err := NewVirtualStream(NewMemory(nil), 0, 100, 200)
	require.Error(t, err)

	v, err := NewVirtualStream(NewMemory(nil), 0, 100, 50)
	require.NoError(t, err)
	require.Error(t, v.Truncate(101))
	require.NoError(t, v.Truncate(100))

	_, err = v.Seek(101, io.SeekStart)
	require.Error(t, err)
	_, err = v.Seek(-1, io.SeekStart)
	require.Error(t, err)
}
