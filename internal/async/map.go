package async

import (
	"fmt"

	"epayment-client/internal/common/errors"
)

// Map returns a producer emitting f applied to the value of p. Errors from p
// pass through untouched; an error returned by f, or a panic inside it, fails
// the mapped producer. Results are delivered on the goroutine p delivered on.
// Cancelling the mapped subscription cancels the subscription to p.
func Map[T, U any](p Producer[T], f func(T) (U, error)) Producer[U] {
	return Create(inlineExecutor{}, func(e Emitter[U]) func() {
		sub := p.Subscribe(
			func(v T) {
				u, err := apply(f, v)
				if err != nil {
					e.Error(err)
					return
				}
				e.Value(u)
			},
			func(err error) {
				e.Error(err)
			},
			nil,
		)
		return sub.Cancel
	})
}

func apply[T, U any](f func(T) (U, error), v T) (u U, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError("map function panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	return f(v)
}
