package signer

import (
	"context"
	"time"
)

type settled[T any] struct {
	val T
	err error
}

// WithTimeout races op against a deadline. The timer is always stopped once
// the race settles, so a late tick can never fail an operation that already
// succeeded, and the op's eventual result is always reaped via the buffered
// channel even when the timeout wins.
func WithTimeout[T any](ctx context.Context, name string, d time.Duration, op func(context.Context) (T, error)) (T, error) {
	opCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	ch := make(chan settled[T], 1)
	go func() {
		v, err := op(opCtx)
		ch <- settled[T]{v, err}
	}()

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case r := <-ch:
		return r.val, r.err
	case <-timer.C:
		var zero T
		return zero, &TimeoutError{Op: name}
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}
