package async

import "context"

type result[T any] struct {
	value T
	err   error
}

// Await subscribes to p and blocks until it resolves or ctx is done. When ctx
// ends first the subscription is cancelled and ctx.Err() is returned.
func Await[T any](ctx context.Context, p Producer[T]) (T, error) {
	ch := make(chan result[T], 1)

	sub := p.Subscribe(
		func(v T) { ch <- result[T]{value: v} },
		func(err error) { ch <- result[T]{err: err} },
		nil,
	)

	select {
	case r := <-ch:
		return r.value, r.err
	case <-ctx.Done():
		sub.Cancel()
		var zero T
		return zero, ctx.Err()
	}
}
