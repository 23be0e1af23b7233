// Package media opens the endpoints of a transfer: image files, memory
// mapped images and physical drives, optionally behind a layer file.
package media

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diskimager/stream"
)

type Kind int

const (
	KindFile Kind = iota
	KindPhysicalDrive
	KindMapped
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindPhysicalDrive:
		return "physical drive"
	case KindMapped:
		return "mapped file"
	default:
		return "unknown"
	}
}

// Media is an opened endpoint. Stream is positioned at 0.
type Media struct {
	Path   string
	Kind   Kind
	Size   int64
	Stream stream.Stream

	release func()
}

// Close closes the stream and releases any volume lock taken on open.
func (m *Media) Close() error {
	err := m.Stream.Close()
	if m.release != nil {
		m.release()
		m.release = nil
	}
	return err
}

// Layer returns the layered stream when the media was opened with a layer.
func (m *Media) Layer() (*stream.LayeredStream, bool) {
	l, ok := m.Stream.(*stream.LayeredStream)
	return l, ok
}

type Options struct {
	// Mmap maps image files read-only instead of reading through the file.
	Mmap bool
	// Layered redirects writes into a layer file that is applied to the
	// media when it is closed.
	Layered bool
	// Persist names the layer file and keeps it after Close. Without it a
	// temporary layer is created in the provider's LayerDir.
	Persist string
	// ByteSwap swaps byte pairs on physical drives.
	ByteSwap bool
	// Cache stages writes to a physical drive in blocks of this many bytes,
	// so that transfers at unaligned offsets reach the drive as whole
	// sectors. Zero writes straight through.
	Cache int
}

const (
	DefaultLayerBlockSize = 1024 * 1024
	// cacheBudget bounds the memory a drive write cache holds.
	cacheBudget = 64 * 1024 * 1024
)

type Provider struct {
	Logger         *zap.Logger
	LayerDir       string
	LayerBlockSize int
}

func (p *Provider) logger() *zap.Logger {
	if p.Logger == nil {
		return zap.NewNop()
	}
	return p.Logger
}

// IsPhysicalDrive reports whether path names a raw device rather than an
// image file.
func IsPhysicalDrive(path string) bool {
	switch {
	case strings.HasPrefix(path, `\\.\`):
		return true
	case strings.HasPrefix(path, "/dev/"):
		return true
	default:
		return false
	}
}

// OpenReadable opens path for reading.
func (p *Provider) OpenReadable(path string, opts Options) (*Media, error) {
	var m *Media
	switch {
	case IsPhysicalDrive(path):
		dm, err := p.openDrive(path, false, opts)
		if err != nil {
			return nil, err
		}
		m = dm
	case opts.Mmap:
		s, err := OpenMmap(path)
		if err != nil {
			return nil, err
		}
		m = &Media{Path: path, Kind: KindMapped, Size: s.Size(), Stream: s}
	default:
		s, err := stream.OpenFile(path, os.O_RDONLY, 0)
		if err != nil {
			return nil, err
		}
		m = &Media{Path: path, Kind: KindFile, Size: s.Size(), Stream: s}
	}

	p.logger().Debug("media opened",
		zap.String("path", path),
		zap.Stringer("kind", m.Kind),
		zap.Int64("size", m.Size),
		zap.Bool("write", false),
	)
	return m, nil
}

// OpenWritable opens path for reading and writing. An image file is
// created when create is set and sized to size so that sectors skipped by
// a zero-skipping transfer still count towards its length. A drive must be
// at least size bytes.
func (p *Provider) OpenWritable(path string, size int64, create bool, opts Options) (*Media, error) {
	if opts.Mmap {
		return nil, errors.Wrap(stream.ErrNotSupported, "memory mapped media are read-only")
	}

	var m *Media
	if IsPhysicalDrive(path) {
		dm, err := p.openDrive(path, true, opts)
		if err != nil {
			return nil, err
		}
		if size > dm.Size {
			dm.Close()
			return nil, errors.Errorf("device too small: has %d bytes, need %d", dm.Size, size)
		}
		if opts.Cache > 0 {
			if err := p.cache(dm, opts.Cache); err != nil {
				dm.Close()
				return nil, err
			}
		}
		m = dm
	} else {
		fm, err := openImage(path, size, create)
		if err != nil {
			return nil, err
		}
		m = fm
	}

	if opts.Layered || opts.Persist != "" {
		if err := p.layer(m, size, opts); err != nil {
			m.Close()
			return nil, err
		}
	}

	p.logger().Debug("media opened",
		zap.String("path", path),
		zap.Stringer("kind", m.Kind),
		zap.Int64("size", m.Size),
		zap.Bool("write", true),
		zap.Bool("layered", opts.Layered || opts.Persist != ""),
		zap.Int("cache", opts.Cache),
	)
	return m, nil
}

// cache puts m's stream behind a CachedBlockStream of blockSize blocks.
func (p *Provider) cache(m *Media, blockSize int) error {
	c, err := stream.NewCachedBlockStream(m.Stream, blockSize)
	if err != nil {
		return errors.Wrap(err, "drive cache")
	}
	c.MaxBlocks = max(cacheBudget/blockSize, 1)
	m.Stream = c
	return nil
}

// Window returns a view of m's stream starting at offset. A size of 0
// leaves the view open-ended. Closing the view closes the media stream, so
// callers close the media instead.
func (m *Media) Window(offset, size int64) (*stream.VirtualStream, error) {
	if offset > m.Size {
		return nil, errors.Errorf("offset %d is past the end of %s (%d bytes)", offset, m.Path, m.Size)
	}
	current := m.Size - offset
	if size > 0 {
		current = min(current, size)
	}
	return stream.NewVirtualStream(m.Stream, offset, size, current)
}

func openImage(path string, size int64, create bool) (*Media, error) {
	flag := os.O_RDWR
	if create {
		flag |= os.O_CREATE
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "create directory for %s", path)
		}
	}
	s, err := stream.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, err
	}
	if (create && s.Size() != size) || s.Size() < size {
		if err := s.Truncate(size); err != nil {
			s.Close()
			return nil, err
		}
	}
	return &Media{Path: path, Kind: KindFile, Size: s.Size(), Stream: s}, nil
}

func (p *Provider) openDrive(path string, write bool, opts Options) (*Media, error) {
	f, release, err := openDevice(path, write)
	if err != nil {
		return nil, err
	}
	size, err := deviceSize(f)
	if err != nil {
		f.Close()
		release()
		return nil, errors.Wrapf(err, "size of %s", path)
	}

	caps := stream.CapRead
	if write {
		caps |= stream.CapWrite
	}
	var sopts []stream.SectorOption
	if opts.ByteSwap {
		sopts = append(sopts, stream.WithByteSwap())
	}
	s := stream.NewSectorStream(stream.NewFile(f, size, caps), sopts...)
	return &Media{Path: path, Kind: KindPhysicalDrive, Size: size, Stream: s, release: release}, nil
}

// layer puts m's stream behind a LayeredStream covering size bytes, or the
// media size when size is 0.
func (p *Provider) layer(m *Media, size int64, opts Options) error {
	if size == 0 {
		size = m.Size
	}
	if size <= 0 {
		return errors.New("a layered destination needs a known size")
	}

	blockSize := p.LayerBlockSize
	if blockSize == 0 {
		blockSize = DefaultLayerBlockSize
	}

	path, temporary := opts.Persist, false
	if path == "" {
		dir := p.LayerDir
		if dir == "" {
			dir = os.TempDir()
		}
		path, temporary = filepath.Join(dir, "diskimager-"+uuid.NewString()+".layer"), true
	}

	l, err := stream.OpenLayerFile(m.Stream, path, size, blockSize, temporary)
	if err != nil {
		return err
	}
	if err := l.Initialize(); err != nil {
		l.Detach()
		// already closed, so the caller's Close is a no-op
		m.Stream = l
		return err
	}

	p.logger().Debug("layer attached",
		zap.String("layer", path),
		zap.Bool("temporary", temporary),
		zap.Int("block_size", blockSize),
		zap.Int("materialized", l.Materialized()),
	)
	m.Stream = l
	return nil
}
