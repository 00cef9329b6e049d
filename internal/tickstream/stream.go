// Package tickstream pages time-ordered ticks out of an external source in
// bounded-memory chunks and serves them by exact timestamp.
package tickstream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/atmx/backtester/internal/metrics"
)

var (
	// ErrNonMonotonic is returned when AdvanceTo is called with a time
	// earlier than a previous call.
	ErrNonMonotonic = errors.New("tickstream: advance time moved backwards")

	// ErrUnordered is returned when a source yields ticks out of time order.
	ErrUnordered = errors.New("tickstream: source yielded ticks out of time order")
)

// Timestamped is anything carrying an instant.
type Timestamped interface {
	Timestamp() time.Time
}

// Source is an ordered, chunked reader over recorded ticks. Next returns
// io.EOF once drained; a chunk returned together with io.EOF is still
// consumed. Empty chunks are skipped.
type Source[T Timestamped] interface {
	Next(ctx context.Context) ([]T, error)
}

// Option configures a Stream.
type Option func(*options)

type options struct {
	name   string
	logger *slog.Logger
}

// WithName labels the stream in logs and metrics.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithLogger sets the stream's logger. A nil logger discards.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Stream serves ticks of one (instrument, kind) pair by exact timestamp.
// Calls to AdvanceTo must use non-decreasing times.
type Stream[T Timestamped] struct {
	src  Source[T]
	name string
	log  *slog.Logger

	buf       []T
	drained   bool
	exhausted bool

	queried  bool
	lastAsk  time.Time
	lastSeen time.Time

	chunks int
	loaded int
}

// New creates a stream and loads its first chunk.
func New[T Timestamped](ctx context.Context, src Source[T], opts ...Option) (*Stream[T], error) {
	o := options{name: "ticks"}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	s := &Stream[T]{
		src:  src,
		name: o.name,
		log:  o.logger.With("stream", o.name),
	}
	if err := s.load(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// AdvanceTo returns the ticks stamped exactly t. Earlier ticks are
// discarded, later ones stay buffered. Once the source is drained and t
// lies past the last tick, the stream is exhausted and returns nothing.
func (s *Stream[T]) AdvanceTo(ctx context.Context, t time.Time) ([]T, error) {
	if s.queried && t.Before(s.lastAsk) {
		return nil, fmt.Errorf("%w: %s before %s", ErrNonMonotonic, t, s.lastAsk)
	}
	s.queried, s.lastAsk = true, t

	for !s.exhausted {
		s.discardBefore(t)

		if n := len(s.buf); n > 0 {
			// A buffer ending after t, or a drained source, holds every tick at t.
			if s.buf[n-1].Timestamp().After(t) || s.drained {
				return s.take(t), nil
			}
		} else if s.drained {
			s.exhausted = true
			s.log.Debug("tick stream exhausted", "at", t, "chunks", s.chunks, "ticks", s.loaded)
			break
		}

		if err := s.load(ctx); err != nil {
			return nil, err
		}
	}
	return nil, nil
}

// IsExhausted reports whether the stream will yield no further ticks.
func (s *Stream[T]) IsExhausted() bool { return s.exhausted }

// Chunks returns the number of non-empty chunks loaded so far.
func (s *Stream[T]) Chunks() int { return s.chunks }

// Loaded returns the number of ticks loaded so far.
func (s *Stream[T]) Loaded() int { return s.loaded }

// load pulls chunks until the buffer spans at least two distinct
// timestamps or the source is drained.
func (s *Stream[T]) load(ctx context.Context) error {
	for !s.drained {
		if err := ctx.Err(); err != nil {
			return err
		}

		chunk, err := s.src.Next(ctx)
		eof := errors.Is(err, io.EOF)
		if err != nil && !eof {
			return fmt.Errorf("tickstream %s: load chunk: %w", s.name, err)
		}
		if len(chunk) > 0 {
			if err := s.append(chunk); err != nil {
				return err
			}
		}
		if eof {
			s.drained = true
			s.log.Debug("tick source drained", "chunks", s.chunks, "ticks", s.loaded)
			return nil
		}
		if len(chunk) > 0 && s.spansInstants() {
			return nil
		}
	}
	return nil
}

func (s *Stream[T]) append(chunk []T) error {
	for _, tick := range chunk {
		ts := tick.Timestamp()
		if ts.Before(s.lastSeen) {
			return fmt.Errorf("%w: %s: %s after %s", ErrUnordered, s.name, ts, s.lastSeen)
		}
		s.lastSeen = ts
	}

	merged := make([]T, 0, len(s.buf)+len(chunk))
	merged = append(merged, s.buf...)
	s.buf = append(merged, chunk...)

	s.chunks++
	s.loaded += len(chunk)
	metrics.ObserveChunk(s.name, len(chunk))
	return nil
}

func (s *Stream[T]) spansInstants() bool {
	n := len(s.buf)
	return n > 0 && !s.buf[0].Timestamp().Equal(s.buf[n-1].Timestamp())
}

func (s *Stream[T]) discardBefore(t time.Time) {
	i := 0
	for i < len(s.buf) && s.buf[i].Timestamp().Before(t) {
		i++
	}
	s.buf = s.buf[i:]
}

// take returns the leading ticks stamped t without consuming them, so a
// repeated query for the same instant yields the same ticks.
func (s *Stream[T]) take(t time.Time) []T {
	n := 0
	for n < len(s.buf) && s.buf[n].Timestamp().Equal(t) {
		n++
	}
	if n == 0 {
		return nil
	}
	return s.buf[:n:n]
}
