package transfer

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskimager/stream"
)

func TestNewConverterRequiresSectorMultiple(t *testing.T) {
	_, err := NewConverter(WithBufferSize(1000))
	require.Error(t, err)

	_, err = NewConverter(WithBufferSize(4096))
	require.NoError(t, err)
}

func TestConvertFull(t *testing.T) {
	src := patterned(3000)
	dst := stream.NewMemory(nil)
	rec := &recorder{}
	c, err := NewConverter(WithBufferSize(1024), WithObserver(rec))
	require.NoError(t, err)

	require.NoError(t, c.Convert(context.Background(), stream.NewMemory(src), dst, 0, false))
	assert.Equal(t, src, dst.Bytes())
	assert.Equal(t, int64(3000), rec.last().BytesProcessed)
}

func TestConvertSkipZeroFilledWritesOnlyData(t *testing.T) {
	src := make([]byte, 8*512)
	copy(src[512:1536], patterned(1024))
	copy(src[3072:3584], filled(512, 0x42))

	mem := stream.NewMemory(nil)
	require.NoError(t, mem.Truncate(int64(len(src))))
	dst := stream.NewMonitor(mem, nil)

	c, err := NewConverter(WithBufferSize(2048))
	require.NoError(t, err)
	require.NoError(t, c.Convert(context.Background(), stream.NewMemory(src), dst, int64(len(src)), true))

	assert.Equal(t, src, mem.Bytes())
	// adjacent sectors 1-2 coalesce, sector 6 stands alone
	assert.Equal(t, 2, dst.Count("write"))
}

func TestConvertRewindsStreams(t *testing.T) {
	src := stream.NewMemory(patterned(1024))
	_, err := src.Seek(700, 0)
	require.NoError(t, err)
	dst := stream.NewMemory(nil)

	c, err := NewConverter(WithBufferSize(512))
	require.NoError(t, err)
	require.NoError(t, c.Convert(context.Background(), src, dst, 1024, false))
	assert.Equal(t, patterned(1024), dst.Bytes())
}

func TestConvertShortSource(t *testing.T) {
	c, err := NewConverter(WithBufferSize(512))
	require.NoError(t, err)

	err = c.Convert(context.Background(), stream.NewMemory(patterned(1024)), stream.NewMemory(nil), 4096, false)
	var mismatch *SizeMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(1024), mismatch.Offset)
}

func TestConvertCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c, err := NewConverter(WithBufferSize(512))
	require.NoError(t, err)
	err = c.Convert(ctx, stream.NewMemory(patterned(1024)), stream.NewMemory(nil), 0, false)
	require.ErrorIs(t, err, ErrCancelled)
}
