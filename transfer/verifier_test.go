package transfer

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskimager/stream"
)

func TestVerifyReportsFirstMismatch(t *testing.T) {
	v, err := NewVerifier()
	require.NoError(t, err)

	err = v.Verify(context.Background(),
		stream.NewMemory([]byte{1, 2, 3}), 0,
		stream.NewMemory([]byte{1, 0xFF, 3}), 0,
		3, false)

	var mismatch *ByteMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(1), mismatch.Offset)
	assert.Equal(t, byte(0x02), mismatch.Source)
	assert.Equal(t, byte(0xFF), mismatch.Destination)
}

func TestVerifyMismatchOffsetAcrossChunks(t *testing.T) {
	src := patterned(5000)
	dst := bytes.Clone(src)
	dst[3333] ^= 0x55

	v, err := NewVerifier(WithBufferSize(1024))
	require.NoError(t, err)
	err = v.Verify(context.Background(), stream.NewMemory(src), 0, stream.NewMemory(dst), 0, 5000, false)

	var mismatch *ByteMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(3333), mismatch.Offset)
}

func TestVerifyWithOffsets(t *testing.T) {
	src := patterned(4096)
	dst := append(make([]byte, 100), src[512:]...)

	v, err := NewVerifier(WithBufferSize(1000))
	require.NoError(t, err)
	require.NoError(t, v.Verify(context.Background(), stream.NewMemory(src), 512, stream.NewMemory(dst), 100, 4096-512, false))
}

func TestVerifySkipsZeroSourceChunks(t *testing.T) {
	src := make([]byte, 2048)
	copy(src[1024:], patterned(1024))
	dst := append(filled(1024, 0xEE), patterned(1024)...)

	v, err := NewVerifier(WithBufferSize(1024))
	require.NoError(t, err)
	require.NoError(t, v.Verify(context.Background(), stream.NewMemory(src), 0, stream.NewMemory(dst), 0, 2048, true))

	err = v.Verify(context.Background(), stream.NewMemory(src), 0, stream.NewMemory(dst), 0, 2048, false)
	var mismatch *ByteMismatchError
	require.ErrorAs(t, err, &mismatch)
	assert.Equal(t, int64(0), mismatch.Offset)
}

func TestVerifyUnboundedEqualStreams(t *testing.T) {
	data := patterned(2500)
	rec := &recorder{}
	v, err := NewVerifier(WithBufferSize(1024), WithObserver(rec))
	require.NoError(t, err)

	require.NoError(t, v.Verify(context.Background(), stream.NewMemory(data), 0, stream.NewMemory(bytes.Clone(data)), 0, 0, false))
	assert.Equal(t, int64(2500), rec.last().BytesProcessed)
	assert.Equal(t, float64(100), rec.last().PercentComplete)
}

func TestVerifyLengthDifference(t *testing.T) {
	v, err := NewVerifier(WithBufferSize(1024))
	require.NoError(t, err)

	t.Run("unbounded", func(t *testing.T) {
		data := patterned(2000)
		err := v.Verify(context.Background(), stream.NewMemory(data), 0, stream.NewMemory(data[:1500]), 0, 0, false)
		var mismatch *SizeMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, int64(1500), mismatch.Offset)
	})

	t.Run("bounded", func(t *testing.T) {
		data := patterned(1000)
		err := v.Verify(context.Background(), stream.NewMemory(data), 0, stream.NewMemory(bytes.Clone(data)), 0, 2048, false)
		var mismatch *SizeMismatchError
		require.ErrorAs(t, err, &mismatch)
		assert.Equal(t, int64(1000), mismatch.Offset)
		assert.Equal(t, int64(2048), mismatch.Size)
	})
}

func TestVerifyRetriesAndForce(t *testing.T) {
	data := patterned(2048)

	t.Run("retried read succeeds", func(t *testing.T) {
		rec := &recorder{}
		v, err := NewVerifier(WithBufferSize(1024), WithRetries(2), WithObserver(rec))
		require.NoError(t, err)
		src := &faultyStream{Memory: stream.NewMemory(data), readFaults: 2}
		require.NoError(t, v.Verify(context.Background(), src, 0, stream.NewMemory(bytes.Clone(data)), 0, 2048, false))
		assert.Len(t, rec.srcErrors, 2)
	})

	t.Run("exhausted", func(t *testing.T) {
		v, err := NewVerifier(WithBufferSize(1024), WithRetries(1))
		require.NoError(t, err)
		dst := &faultyStream{Memory: stream.NewMemory(bytes.Clone(data)), readFaults: 2}
		err = v.Verify(context.Background(), stream.NewMemory(data), 0, dst, 0, 2048, false)
		var exhausted *RetryExhaustedError
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, "read destination", exhausted.Op)
	})

	t.Run("forced past unreadable chunk", func(t *testing.T) {
		rec := &recorder{}
		v, err := NewVerifier(WithBufferSize(1024), WithForce(true), WithObserver(rec))
		require.NoError(t, err)
		dst := &faultyStream{Memory: stream.NewMemory(bytes.Clone(data)), readFaults: 1}
		require.NoError(t, v.Verify(context.Background(), stream.NewMemory(data), 0, dst, 0, 2048, false))
		assert.Len(t, rec.destErrors, 1)
		assert.Equal(t, int64(2048), rec.last().BytesProcessed)
	})
}

func TestVerifyCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v, err := NewVerifier()
	require.NoError(t, err)
	data := patterned(512)
	err = v.Verify(ctx, stream.NewMemory(data), 0, stream.NewMemory(data), 0, 512, false)
	require.ErrorIs(t, err, ErrCancelled)
}

func TestVerifyStructuralErrorsAreNeverForced(t *testing.T) {
	for _, force := range []bool{false, true} {
		src := stream.NewMonitor(stream.NewSectorStream(stream.NewMemory(patterned(2048))), nil)
		rec := &recorder{}
		v, err := NewVerifier(WithRetries(3), WithForce(force), WithObserver(rec))
		require.NoError(t, err)

		err = v.Verify(context.Background(), src, 0, stream.NewMemory(filled(2048, 0x5A)), 0, 1000, false)
		require.ErrorIs(t, err, stream.ErrAlignment, "force=%v", force)
		assert.Equal(t, 1, src.Count("read"))
		assert.Empty(t, rec.srcErrors)
	}
}
