// Package transfer implements the chunked copy, verify and convert engines
// that move data between image files and physical drives.
package transfer

import (
	"context"
	"io"
	"reflect"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"diskimager/stream"
)

const (
	DefaultBufferSize       = 1024 * 1024
	DefaultProgressInterval = time.Second
)

type settings struct {
	bufferSize int
	retries    int
	force      bool
	verify     bool
	observer   Observer
	logger     *zap.Logger
	clock      func() time.Time
	interval   time.Duration
}

type Option func(*settings)

func WithBufferSize(n int) Option {
	return func(s *settings) { s.bufferSize = n }
}

// WithRetries sets how many times a failed read or write is re-attempted.
func WithRetries(n int) Option {
	return func(s *settings) { s.retries = n }
}

// WithForce reports I/O failures that outlast the retries as error events
// and carries on instead of failing the operation.
func WithForce(force bool) Option {
	return func(s *settings) { s.force = force }
}

// WithVerify reads every written run back and compares it.
func WithVerify(verify bool) Option {
	return func(s *settings) { s.verify = verify }
}

func WithObserver(o Observer) Option {
	return func(s *settings) { s.observer = o }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *settings) { s.logger = l }
}

// WithClock replaces time.Now for progress timing.
func WithClock(clock func() time.Time) Option {
	return func(s *settings) { s.clock = clock }
}

func WithProgressInterval(d time.Duration) Option {
	return func(s *settings) { s.interval = d }
}

func newSettings(opts []Option) (settings, error) {
	s := settings{
		bufferSize: DefaultBufferSize,
		observer:   ObserverFuncs{},
		logger:     zap.NewNop(),
		clock:      time.Now,
		interval:   DefaultProgressInterval,
	}
	for _, o := range opts {
		o(&s)
	}
	if s.bufferSize <= 0 {
		return s, errors.Errorf("invalid buffer size %d", s.bufferSize)
	}
	if s.retries < 0 {
		return s, errors.Errorf("invalid retries %d", s.retries)
	}
	if s.observer == nil {
		s.observer = ObserverFuncs{}
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	return s, nil
}

// errForced marks an operation that failed on every attempt but was let
// through because force is set.
var errForced = errors.New("failed past retries")

// structural reports errors that come from a misused or corrupt stream
// rather than a failing device. They are returned on the first attempt and
// never forced through.
func structural(err error) bool {
	var format *stream.FormatError
	return errors.Is(err, stream.ErrAlignment) || errors.As(err, &format)
}

// attempt runs fn until it succeeds or the retries are used up. Each failure
// that is retried or forced through is reported with report.
func (s *settings) attempt(ctx context.Context, op string, offset int64, length int, report func(IoError), fn func() (int, error)) (int, error) {
	for try := 0; ; try++ {
		n, err := fn()
		if err == nil {
			return n, nil
		}
		if structural(err) {
			return n, err
		}
		if !s.force && try >= s.retries {
			return n, &RetryExhaustedError{Op: op, Offset: offset, Attempts: try + 1, Err: err}
		}

		s.logger.Warn("io error",
			zap.String("op", op),
			zap.Int64("offset", offset),
			zap.Int("length", length),
			zap.Int("attempt", try+1),
			zap.Error(err),
		)
		report(IoError{Offset: offset, Length: length, Message: err.Error()})

		if try >= s.retries {
			return n, errForced
		}
		if cerr := ctx.Err(); cerr != nil {
			return n, &CancelledError{Cause: cerr}
		}
	}
}

func cancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return &CancelledError{Cause: err}
	}
	return nil
}

func seekTo(s io.Seeker, offset int64) error {
	_, err := s.Seek(offset, io.SeekStart)
	return err
}

// sameStream reports whether a and b are the same stream value.
func sameStream(a, b any) bool {
	ta := reflect.TypeOf(a)
	if ta == nil || ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}
