package stream

import "context"

// Map returns a lazily transformed view of s. Each entry is transformed on
// demand and a terminal failure of s passes through unchanged.
func Map[T, R any](s *Stream[T], fn func(T) R) *Stream[R] {
	return NewWithRelease(func(ctx context.Context) (R, bool, error) {
		var zero R
		if !s.Next(ctx) {
			return zero, false, s.Err()
		}
		return fn(s.Entry()), true, nil
	}, s.Close)
}

// Reduce drains s sequentially into a single value, starting from identity.
// An empty stream yields identity. A production failure aborts the fold and
// is returned; the partially accumulated value must then be discarded.
// Starting a reduction while another one is consuming the same stream fails
// with ErrConcurrentReduce.
func Reduce[T, R any](ctx context.Context, s *Stream[T], identity R, accumulate func(R, T) R) (R, error) {
	if !s.reducing.CompareAndSwap(false, true) {
		return identity, ErrConcurrentReduce
	}
	defer s.reducing.Store(false)

	acc := identity
	for s.Next(ctx) {
		acc = accumulate(acc, s.Entry())
	}
	if err := s.Err(); err != nil {
		return acc, err
	}
	return acc, nil
}

// Collect drains s into a slice.
func Collect[T any](ctx context.Context, s *Stream[T]) ([]T, error) {
	var out []T
	for s.Next(ctx) {
		out = append(out, s.Entry())
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
