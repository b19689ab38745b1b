// Package stream provides lazy, pull-based, single-consumption sequences.
//
// A Stream produces typed entries on demand and terminates with either
// clean exhaustion or exactly one failure. Streams are not restartable:
// once drained, closed or failed they stay that way.
package stream

import (
	"context"
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
)

// ErrConcurrentReduce is returned when a reduction is started while another
// reduction is already consuming the same stream. Entries are produced in a
// strict order and partial folds cannot be merged, so concurrent reduction
// is not supported.
var ErrConcurrentReduce = errors.New("stream: concurrent reduce is not supported")

// NextFunc produces the next entry of a stream. Implementations return
// (entry, true, nil) for each entry, (zero, false, nil) on clean exhaustion
// and (zero, false, err) on terminal failure. It is never called again after
// it reported exhaustion or failure.
type NextFunc[T any] func(ctx context.Context) (T, bool, error)

// Stream is a lazy sequence of entries. It is safe for concurrent use, but
// entries are handed out one at a time: the usual consumption pattern is a
// single goroutine driving Next/Entry or one of the terminal operations.
type Stream[T any] struct {
	mu      sync.Mutex
	next    NextFunc[T]
	release func()
	current T
	done    bool
	err     error

	reducing atomic.Bool
}

// New returns a stream backed by the given producer.
func New[T any](next NextFunc[T]) *Stream[T] {
	return &Stream[T]{next: next}
}

// NewWithRelease returns a stream backed by the given producer. The release
// function runs once when the stream is closed.
func NewWithRelease[T any](next NextFunc[T], release func()) *Stream[T] {
	return &Stream[T]{next: next, release: release}
}

// Empty returns a stream that completes immediately without entries.
func Empty[T any]() *Stream[T] {
	return New(func(context.Context) (T, bool, error) {
		var zero T
		return zero, false, nil
	})
}

// Failed returns a stream that fails immediately with err.
func Failed[T any](err error) *Stream[T] {
	return New(func(context.Context) (T, bool, error) {
		var zero T
		return zero, false, err
	})
}

// FromSlice returns a finite stream over a snapshot of entries.
func FromSlice[T any](entries []T) *Stream[T] {
	snapshot := slices.Clone(entries)
	i := 0
	return New(func(context.Context) (T, bool, error) {
		var zero T
		if i >= len(snapshot) {
			return zero, false, nil
		}
		entry := snapshot[i]
		i++
		return entry, true, nil
	})
}

// Next advances the stream and reports whether an entry is available via
// Entry. After Next returns false, Err distinguishes clean exhaustion from
// failure. Exhaustion and failure are latched.
func (s *Stream[T]) Next(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return false
	}
	if err := ctx.Err(); err != nil {
		s.terminate(err)
		return false
	}
	entry, ok, err := s.next(ctx)
	if !ok {
		s.terminate(err)
		return false
	}
	s.current = entry
	return true
}

// terminate latches the end of the stream. Callers must hold s.mu.
func (s *Stream[T]) terminate(err error) {
	var zero T
	s.current = zero
	s.done = true
	s.err = err
}

// Entry returns the entry produced by the last successful Next.
func (s *Stream[T]) Entry() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Err returns the terminal failure, or nil if the stream ended cleanly or
// has not ended yet.
func (s *Stream[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close releases the backing producer and latches the stream as done.
// Closing an already terminated stream is a no-op.
func (s *Stream[T]) Close() {
	s.mu.Lock()
	release := s.release
	s.release = nil
	if !s.done {
		s.terminate(nil)
	}
	s.mu.Unlock()
	if release != nil {
		release()
	}
}

// First resolves with the first entry without iterating past it. It returns
// (zero, false, nil) when the stream is empty and (zero, false, err) when
// production fails before the first entry. The stream remains usable for the
// remaining entries.
func (s *Stream[T]) First(ctx context.Context) (T, bool, error) {
	if !s.Next(ctx) {
		var zero T
		return zero, false, s.Err()
	}
	return s.Entry(), true, nil
}

// All exposes the remaining entries as a range-over-func iterator. A
// terminal failure is yielded as the final pair with a zero entry.
func (s *Stream[T]) All(ctx context.Context) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		for s.Next(ctx) {
			if !yield(s.Entry(), nil) {
				return
			}
		}
		if err := s.Err(); err != nil {
			var zero T
			yield(zero, err)
		}
	}
}

// ConcatWith returns a stream producing the receiver's entries followed by
// other's. A failure of the receiver does not prevent other from running:
// the failure is held back and re-raised once other is exhausted. When both
// fail, the receiver's failure wins.
func (s *Stream[T]) ConcatWith(other *Stream[T]) *Stream[T] {
	var held error
	inFirst := true
	return NewWithRelease(func(ctx context.Context) (T, bool, error) {
		var zero T
		if inFirst {
			if s.Next(ctx) {
				return s.Entry(), true, nil
			}
			held = s.Err()
			inFirst = false
		}
		if other.Next(ctx) {
			return other.Entry(), true, nil
		}
		if held != nil {
			return zero, false, held
		}
		return zero, false, other.Err()
	}, func() {
		s.Close()
		other.Close()
	})
}

// OnErrorContinue returns a stream that, upon the receiver's first failure,
// switches permanently to the sequence built by handler from that failure.
// Entries produced before the failure are not replayed, and a failure of the
// replacement is terminal: the handler is invoked at most once.
func (s *Stream[T]) OnErrorContinue(handler func(error) *Stream[T]) *Stream[T] {
	var replacement *Stream[T]
	return NewWithRelease(func(ctx context.Context) (T, bool, error) {
		var zero T
		if replacement == nil {
			if s.Next(ctx) {
				return s.Entry(), true, nil
			}
			err := s.Err()
			if err == nil {
				return zero, false, nil
			}
			replacement = handler(err)
		}
		if replacement.Next(ctx) {
			return replacement.Entry(), true, nil
		}
		return zero, false, replacement.Err()
	}, func() {
		s.Close()
		if replacement != nil {
			replacement.Close()
		}
	})
}
