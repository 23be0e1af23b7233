package transfer

import (
	"bytes"
	"context"
	"io"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diskimager/stream"
)

// Verifier compares a range of two streams byte for byte.
type Verifier struct {
	settings
	srcBuf  []byte
	destBuf []byte
}

func NewVerifier(opts ...Option) (*Verifier, error) {
	s, err := newSettings(opts)
	if err != nil {
		return nil, err
	}
	return &Verifier{
		settings: s,
		srcBuf:   make([]byte, s.bufferSize),
		destBuf:  make([]byte, s.bufferSize),
	}, nil
}

// Verify compares size bytes of src at srcOffset with dst at dstOffset. A
// size of 0 compares until both streams are exhausted. With skipZeroFilled
// a chunk that is all zeros on the source side counts as matching.
func (v *Verifier) Verify(ctx context.Context, src io.Reader, srcOffset int64, dst io.Reader, dstOffset int64, size int64, skipZeroFilled bool) error {
	if size < 0 || srcOffset < 0 || dstOffset < 0 {
		return errors.New("verify: negative size or offset")
	}
	srcSeeker, _ := src.(io.Seeker)
	dstSeeker, _ := dst.(io.Seeker)
	if srcSeeker == nil && srcOffset != 0 {
		return errors.New("verify: source offset requires a seekable source")
	}
	if dstSeeker == nil && dstOffset != 0 {
		return errors.New("verify: destination offset requires a seekable destination")
	}

	bufferSize := int64(len(v.srcBuf))
	v.logger.Debug("verify started", zap.Int64("size", size), zap.Bool("skip_zero_filled", skipZeroFilled))

	gate := newProgressGate(&v.settings, size)
	gate.begin()

	var offset int64
	for {
		if err := cancelled(ctx); err != nil {
			return err
		}

		want := bufferSize
		if size > 0 {
			want = min(bufferSize, size-offset)
		}

		srcN, srcOK, err := v.read(ctx, "read source", src, srcSeeker, srcOffset+offset, v.srcBuf[:want], v.observer.SrcError)
		if err != nil {
			return err
		}
		destN, destOK, err := v.read(ctx, "read destination", dst, dstSeeker, dstOffset+offset, v.destBuf[:want], v.observer.DestError)
		if err != nil {
			return err
		}

		if !srcOK || !destOK {
			// forced past an unreadable chunk: reported, not compared
			if size == 0 {
				break
			}
			offset += want
		} else {
			n := min(srcN, destN)
			if !skipZeroFilled || !stream.IsZeroFilled(v.srcBuf, 0, n) {
				if i := firstDifference(v.srcBuf[:n], v.destBuf[:n]); i >= 0 {
					return &ByteMismatchError{
						Offset:      offset + int64(i),
						Source:      v.srcBuf[i],
						Destination: v.destBuf[i],
					}
				}
			}

			short := int64(n) < want
			if short && (size > 0 || srcN != destN) {
				gate.finish(offset + int64(n))
				return &SizeMismatchError{Offset: offset + int64(n), Size: size}
			}
			offset += int64(n)
			if short {
				break
			}
		}

		gate.update(offset)
		if size > 0 && offset >= size {
			break
		}
	}

	gate.finish(offset)
	v.logger.Debug("verify finished", zap.Int64("bytes", offset))
	return nil
}

// read fills buf from offset. ok is false when the read failed past the
// retries and force let it through.
func (v *Verifier) read(ctx context.Context, op string, r io.Reader, seeker io.Seeker, offset int64, buf []byte, report func(IoError)) (int, bool, error) {
	n, err := v.attempt(ctx, op, offset, len(buf), report, func() (int, error) {
		if seeker != nil {
			if err := seekTo(seeker, offset); err != nil {
				return 0, err
			}
		}
		return stream.ReadFull(r, buf)
	})
	if errors.Is(err, errForced) {
		return n, false, nil
	}
	return n, true, err
}

func firstDifference(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	for i := range a {
		if a[i] != b[i] {
			return i
		}
	}
	return -1
}
