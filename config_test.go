package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		config, err := ParseConfig()
		require.NoError(t, err)

		assert.Equal(t, byteSize(1<<20), config.BufferSize)
		assert.Equal(t, 5, config.Retries)
		assert.Equal(t, byteSize(1<<20), config.LayerBlockSize)
		assert.Empty(t, config.LayerDir)
		assert.False(t, config.Debug)
	})

	t.Run("overrides", func(t *testing.T) {
		t.Setenv("DISKIMAGER_BUFFER_SIZE", "64KiB")
		t.Setenv("DISKIMAGER_RETRIES", "0")
		t.Setenv("DISKIMAGER_LAYER_DIR", "/var/tmp")
		t.Setenv("DISKIMAGER_LAYER_BLOCK_SIZE", "4096")
		t.Setenv("DISKIMAGER_DEBUG", "true")

		config, err := ParseConfig()
		require.NoError(t, err)

		assert.Equal(t, byteSize(64*1024), config.BufferSize)
		assert.Equal(t, 0, config.Retries)
		assert.Equal(t, "/var/tmp", config.LayerDir)
		assert.Equal(t, byteSize(4096), config.LayerBlockSize)
		assert.True(t, config.Debug)
	})

	t.Run("invalid size", func(t *testing.T) {
		t.Setenv("DISKIMAGER_BUFFER_SIZE", "lots")

		_, err := ParseConfig()
		require.Error(t, err)
	})
}

func TestByteSizeFlag(t *testing.T) {
	var b byteSize
	require.NoError(t, b.Set("1.5MB"))
	assert.Equal(t, byteSize(1500000), b)
	require.NoError(t, b.Set("1474560"))
	assert.Equal(t, "1474560", b.String())
	require.NoError(t, b.Set("2 MiB"))
	assert.Equal(t, byteSize(2<<20), b)
	require.Error(t, b.Set("-1"))
}
