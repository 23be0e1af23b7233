package transfer

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diskimager/stream"
)

// Copier copies a byte range between streams chunk by chunk.
type Copier struct {
	settings
	buf       []byte
	verifyBuf []byte
}

func NewCopier(opts ...Option) (*Copier, error) {
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	c := &Copier{settings: s, buf: make([]byte, s.bufferSize)}
	if s.verify {
		c.verifyBuf = make([]byte, s.bufferSize)
	}
	return c, nil
}

// Copy copies size bytes from src at srcOffset to dst at dstOffset. A size
// of 0 copies until src is exhausted. Offsets other than 0 need the stream
// to implement io.Seeker. When src and dst are the same stream and the
// destination range starts inside the source range the copy runs from the
// end backwards so no source byte is overwritten before it is read.
func (c *Copier) Copy(ctx context.Context, src io.Reader, dst io.Writer, size, srcOffset, dstOffset int64, skipZeroFilled bool) error {
	if size < 0 || srcOffset < 0 || dstOffset < 0 {
		return errors.New("copy: negative size or offset")
	}

	srcSeeker, srcSeekable := src.(io.Seeker)
	dstSeeker, dstSeekable := dst.(io.Seeker)

	same := sameStream(src, dst)
	if same {
		if size == 0 {
			return errors.New("copy: size is required when source and destination are the same stream")
		}
		if !srcSeekable {
			return errors.New("copy: same-stream copy requires a seekable stream")
		}
	}
	if !srcSeekable && srcOffset != 0 {
		return errors.New("copy: source offset requires a seekable source")
	}
	if !dstSeekable && (dstOffset != 0 || skipZeroFilled) {
		return errors.New("copy: destination offset and zero skipping require a seekable destination")
	}

	var readBack io.Reader
	if c.verify {
		r, ok := dst.(io.Reader)
		if !ok || !dstSeekable {
			return errors.New("copy: verify requires a readable, seekable destination")
		}
		readBack = r
	}

	rightToLeft := same && dstOffset > srcOffset && dstOffset < srcOffset+size
	bufferSize := int64(len(c.buf))

	chunkSrc, chunkDst := srcOffset, dstOffset
	if rightToLeft {
		// walking backwards only lines up when every chunk reads in full
		end, err := srcSeeker.Seek(0, io.SeekEnd)
		if err != nil {
			return errors.Wrap(err, "copy: source length")
		}
		if srcOffset+size > end {
			return &SizeMismatchError{Offset: max(end-srcOffset, 0), Size: size}
		}
		first := min(bufferSize, size)
		chunkSrc += size - first
		chunkDst += size - first
	}

	c.logger.Debug("copy started",
		zap.Int64("size", size),
		zap.Int64("src_offset", srcOffset),
		zap.Int64("dest_offset", dstOffset),
		zap.Bool("right_to_left", rightToLeft),
		zap.Bool("skip_zero_filled", skipZeroFilled),
	)

	gate := newProgressGate(&c.settings, size)
	gate.begin()

	var processed int64
	for {
		if err := cancelled(ctx); err != nil {
			return err
		}

		readLen := bufferSize
		if size > 0 {
			readLen = min(bufferSize, size-processed)
		}
		chunk := c.buf[:readLen]

		n, err := c.readChunk(ctx, src, srcSeeker, chunkSrc, chunk, size > 0)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		if rightToLeft && n < len(chunk) {
			gate.finish(processed)
			return &SizeMismatchError{Offset: processed, Size: size}
		}

		runs := []stream.Run{{Start: 0, Size: int64(n)}}
		if skipZeroFilled {
			runs = stream.DataRuns(chunk, stream.SectorSize, n)
		}
		for _, run := range runs {
			data := chunk[run.Start : run.Start+run.Size]
			if err := c.writeRun(ctx, dst, dstSeeker, readBack, chunkDst+run.Start, data); err != nil {
				return err
			}
		}

		processed += int64(n)
		gate.update(processed)

		if size > 0 && processed >= size {
			break
		}
		if rightToLeft {
			next := min(bufferSize, size-processed)
			chunkSrc -= next
			chunkDst -= next
		} else {
			chunkSrc += int64(n)
			chunkDst += int64(n)
		}
	}

	gate.finish(processed)
	c.logger.Debug("copy finished", zap.Int64("bytes", processed))

	if size > 0 && processed < size {
		return &SizeMismatchError{Offset: processed, Size: size}
	}
	return nil
}

// readChunk fills chunk from offset. A chunk that cannot be read even after
// the retries is zero-filled when force is set and the size is known.
func (c *Copier) readChunk(ctx context.Context, src io.Reader, seeker io.Seeker, offset int64, chunk []byte, bounded bool) (int, error) {
	n, err := c.attempt(ctx, "read", offset, len(chunk), c.observer.SrcError, func() (int, error) {
		if seeker != nil {
			if err := seekTo(seeker, offset); err != nil {
				return 0, err
			}
		}
		return stream.ReadFull(src, chunk)
	})
	if errors.Is(err, errForced) {
		if !bounded {
			return n, nil
		}
		clear(chunk[n:])
		return len(chunk), nil
	}
	return n, err
}

func (c *Copier) writeRun(ctx context.Context, dst io.Writer, seeker io.Seeker, readBack io.Reader, offset int64, data []byte) error {
	_, err := c.attempt(ctx, "write", offset, len(data), c.observer.DestError, func() (int, error) {
		if seeker != nil {
			if err := seekTo(seeker, offset); err != nil {
				return 0, err
			}
		}
		n, err := dst.Write(data)
		if err != nil {
			return n, err
		}
		if n < len(data) {
			return n, io.ErrShortWrite
		}
		if readBack == nil {
			return n, nil
		}

		if err := seekTo(seeker, offset); err != nil {
			return n, err
		}
		got := c.verifyBuf[:len(data)]
		if _, err := io.ReadFull(readBack, got); err != nil {
			return n, errors.Wrap(ErrVerify, err.Error())
		}
		if !bytes.Equal(got, data) {
			return n, ErrVerify
		}
		return n, nil
	})
	if errors.Is(err, errForced) {
		return nil
	}
	return err
}
