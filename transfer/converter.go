package transfer

import (
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diskimager/stream"
)

// Converter rewrites an image from one stream into another, optionally
// leaving zero-filled sectors unwritten so sparse destinations stay sparse.
type Converter struct {
	settings
}

func NewConverter(opts ...Option) (*Converter, error) {
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	if s.bufferSize%stream.SectorSize != 0 {
		return nil, errors.Errorf("buffer size %d is not a multiple of 512", s.bufferSize)
	}
	return &Converter{settings: s}, nil
}

// Convert copies size bytes from the start of src to the start of dst. A
// size of 0 converts until src is exhausted. With skipZeroFilled only
// non-zero sectors are written, each at its own offset.
func (c *Converter) Convert(ctx context.Context, src io.Reader, dst io.Writer, size int64, skipZeroFilled bool) error {
	if size < 0 {
		return errors.New("convert: negative size")
	}
	if s, ok := src.(io.Seeker); ok {
		if err := seekTo(s, 0); err != nil {
			return errors.Wrap(err, "convert: rewind source")
		}
	}
	dstSeeker, _ := dst.(io.Seeker)
	if dstSeeker != nil {
		if err := seekTo(dstSeeker, 0); err != nil {
			return errors.Wrap(err, "convert: rewind destination")
		}
	} else if skipZeroFilled {
		return errors.New("convert: zero skipping requires a seekable destination")
	}

	reader, err := stream.NewDataSectorReader(src, stream.SectorSize, c.bufferSize, !skipZeroFilled)
	if err != nil {
		return err
	}

	c.logger.Debug("convert started", zap.Int64("size", size), zap.Bool("skip_zero_filled", skipZeroFilled))

	gate := newProgressGate(&c.settings, size)
	gate.begin()

	var processed int64
	for {
		if err := cancelled(ctx); err != nil {
			return err
		}

		want := c.bufferSize
		if size > 0 {
			want = int(min(int64(c.bufferSize), size-processed))
		}
		res, err := reader.ReadNext(want)
		if err != nil {
			return err
		}
		if res.BytesRead == 0 {
			break
		}

		if skipZeroFilled {
			if err := c.writeSectors(dstSeeker, dst, res.Sectors); err != nil {
				return err
			}
		} else if _, err := dst.Write(res.Data); err != nil {
			return errors.Wrapf(err, "convert: write at %d", res.Start)
		}

		processed += int64(res.BytesRead)
		gate.update(processed)

		if res.EndOfSectors || (size > 0 && processed >= size) {
			break
		}
	}

	gate.finish(processed)
	c.logger.Debug("convert finished", zap.Int64("bytes", processed))

	if size > 0 && processed < size {
		return &SizeMismatchError{Offset: processed, Size: size}
	}
	return nil
}

// writeSectors writes runs of adjacent sectors with one seek and one write
// per run.
func (c *Converter) writeSectors(seeker io.Seeker, dst io.Writer, sectors []stream.Sector) error {
	for i := 0; i < len(sectors); {
		start := sectors[i].Start
		j := i + 1
		for j < len(sectors) && sectors[j].Start == sectors[j-1].End+1 {
			j++
		}
		data := sectors[i].Data[:sectors[j-1].End-start+1]

		if err := seekTo(seeker, start); err != nil {
			return errors.Wrapf(err, "convert: seek to %d", start)
		}
		if _, err := dst.Write(data); err != nil {
			return errors.Wrapf(err, "convert: write at %d", start)
		}
		i = j
	}
	return nil
}
