package media

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diskimager/stream"
)

func writeAt(t *testing.T, s stream.Stream, off int64, data []byte) {
	t.Helper()
	_, err := s.Seek(off, io.SeekStart)
	require.NoError(t, err)
	n, err := s.Write(data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

func TestIsPhysicalDrive(t *testing.T) {
	assert.True(t, IsPhysicalDrive("/dev/sda"))
	assert.True(t, IsPhysicalDrive(`\\.\PhysicalDrive1`))
	assert.True(t, IsPhysicalDrive(`\\.\E:`))
	assert.False(t, IsPhysicalDrive("disk.img"))
	assert.False(t, IsPhysicalDrive("/tmp/dev/disk.img"))
}

func TestOpenWritableCreatesSizedImage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "disk.img")
	p := &Provider{}

	m, err := p.OpenWritable(path, 4096, true, Options{})
	require.NoError(t, err)
	assert.Equal(t, KindFile, m.Kind)
	assert.Equal(t, int64(4096), m.Size)
	require.NoError(t, m.Close())

	st, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(4096), st.Size())
}

func TestOpenWritableSizing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 1000), 0o644))
	p := &Provider{}

	// an existing image only grows
	m, err := p.OpenWritable(path, 512, false, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(1000), m.Size)
	require.NoError(t, m.Close())

	// create replaces it at the requested size
	m, err = p.OpenWritable(path, 512, true, Options{})
	require.NoError(t, err)
	assert.Equal(t, int64(512), m.Size)
	require.NoError(t, m.Close())

	_, err = p.OpenWritable(filepath.Join(t.TempDir(), "missing.img"), 512, false, Options{})
	require.Error(t, err)
}

func TestOpenReadable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	data := []byte("boot sector")
	require.NoError(t, os.WriteFile(path, data, 0o644))
	p := &Provider{}

	for _, tc := range []struct {
		opts Options
		kind Kind
	}{
		{opts: Options{}, kind: KindFile},
		{opts: Options{Mmap: true}, kind: KindMapped},
	} {
		m, err := p.OpenReadable(path, tc.opts)
		require.NoError(t, err)
		assert.Equal(t, tc.kind, m.Kind)
		assert.Equal(t, int64(len(data)), m.Size)
		got, err := io.ReadAll(m.Stream)
		require.NoError(t, err)
		assert.Equal(t, data, got)
		require.NoError(t, m.Close())
	}
}

func TestOpenWritableRejectsMmap(t *testing.T) {
	p := &Provider{}
	_, err := p.OpenWritable(filepath.Join(t.TempDir(), "disk.img"), 512, true, Options{Mmap: true})
	require.ErrorIs(t, err, stream.ErrNotSupported)
}

func TestLayeredWritableAppliesOnClose(t *testing.T) {
	dir := t.TempDir()
	layerDir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	p := &Provider{LayerDir: layerDir, LayerBlockSize: 4096}

	m, err := p.OpenWritable(path, 8192, true, Options{Layered: true})
	require.NoError(t, err)
	_, ok := m.Layer()
	require.True(t, ok)

	writeAt(t, m.Stream, 100, []byte("hello"))

	base, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8192), base, "base is untouched until close")
	layers, err := os.ReadDir(layerDir)
	require.NoError(t, err)
	require.Len(t, layers, 1)

	require.NoError(t, m.Close())

	base, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), base[100:105])
	layers, err = os.ReadDir(layerDir)
	require.NoError(t, err)
	assert.Empty(t, layers, "temporary layer is removed")
}

func TestPersistentLayerResumes(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "disk.img")
	layerPath := filepath.Join(dir, "disk.layer")
	p := &Provider{LayerBlockSize: 4096}

	m, err := p.OpenWritable(path, 8192, true, Options{Persist: layerPath})
	require.NoError(t, err)
	writeAt(t, m.Stream, 5000, []byte("pending"))
	l, ok := m.Layer()
	require.True(t, ok)
	require.NoError(t, l.Detach())
	require.NoError(t, m.Close())

	base, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 8192), base)

	m, err = p.OpenWritable(path, 8192, false, Options{Persist: layerPath})
	require.NoError(t, err)
	l, _ = m.Layer()
	assert.Equal(t, 1, l.Materialized())
	l.MarkAllDirty()
	require.NoError(t, m.Close())

	base, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte("pending"), base[5000:5007])
	_, err = os.Stat(layerPath)
	assert.NoError(t, err, "persistent layer is kept")
}

func TestLayeredNeedsSize(t *testing.T) {
	p := &Provider{LayerDir: t.TempDir()}
	_, err := p.OpenWritable(filepath.Join(t.TempDir(), "disk.img"), 0, true, Options{Layered: true})
	require.Error(t, err)
}

func TestDriveCacheWritesWholeSectors(t *testing.T) {
	mem := stream.NewMemory(make([]byte, 4096))
	m := &Media{Path: "/dev/test", Kind: KindPhysicalDrive, Size: 4096, Stream: stream.NewSectorStream(mem)}

	// unaligned writes are rejected by the drive itself
	_, err := m.Stream.Seek(100, io.SeekStart)
	require.ErrorIs(t, err, stream.ErrAlignment)

	p := &Provider{}
	require.NoError(t, p.cache(m, 1024))
	c, ok := m.Stream.(*stream.CachedBlockStream)
	require.True(t, ok)
	assert.Equal(t, cacheBudget/1024, c.MaxBlocks)

	writeAt(t, m.Stream, 100, []byte("unaligned"))
	require.NoError(t, m.Close())

	want := make([]byte, 4096)
	copy(want[100:], "unaligned")
	assert.Equal(t, want, mem.Bytes())

	require.Error(t, p.cache(&Media{Stream: stream.NewMemory(nil)}, 1000))
}

func TestWindow(t *testing.T) {
	data := []byte("0123456789abcdef")
	m := &Media{Path: "disk.img", Size: int64(len(data)), Stream: stream.NewMemory(bytes.Clone(data))}

	w, err := m.Window(4, 8)
	require.NoError(t, err)
	assert.Equal(t, int64(8), w.Size())
	got, err := io.ReadAll(w)
	require.NoError(t, err)
	assert.Equal(t, data[4:12], got)

	// an open-ended window runs to the end of the media
	w, err = m.Window(10, 0)
	require.NoError(t, err)
	got, err = io.ReadAll(w)
	require.NoError(t, err)
	assert.Equal(t, data[10:], got)

	_, err = m.Window(17, 0)
	require.Error(t, err)
}
