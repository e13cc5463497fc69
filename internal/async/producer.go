// Package async implements a minimal single-value producer: a future that
// delivers exactly one value or one error to exactly one subscriber, always
// through an Executor.
package async

import (
	stderrors "errors"
	"fmt"
	"sync"
	"sync/atomic"

	"epayment-client/internal/common/errors"
)

// ErrAlreadySubscribed is delivered to any subscriber after the first.
var ErrAlreadySubscribed = stderrors.New("async: producer already subscribed")

// Producer emits a single value followed by completion, or a single error.
type Producer[T any] interface {
	// Subscribe registers the callbacks. Any of them may be nil. onValue is
	// always followed by onComplete; onError is never followed by anything.
	Subscribe(onValue func(T), onError func(error), onComplete func()) Subscription
}

// Subscription detaches a subscriber. After Cancel returns no further
// callbacks are started.
type Subscription interface {
	Cancel()
}

// Emitter is the producing side handed to Create.
type Emitter[T any] interface {
	// Value resolves the producer. It reports false when it was already
	// resolved or the subscriber cancelled.
	Value(v T) bool
	// Error fails the producer. Same reporting as Value.
	Error(err error) bool
	// Cancelled reports whether the subscriber has gone away.
	Cancelled() bool
}

// Create builds a Producer from start, which is invoked once on Subscribe and
// may emit immediately or later from any goroutine. The returned function, if
// not nil, is called when the subscriber cancels.
func Create[T any](exec Executor, start func(Emitter[T]) func()) Producer[T] {
	if exec == nil {
		exec = GoExecutor{}
	}
	return &created[T]{exec: exec, start: start}
}

// Just returns a producer that emits v.
func Just[T any](v T, exec Executor) Producer[T] {
	return Create(exec, func(e Emitter[T]) func() {
		e.Value(v)
		return nil
	})
}

// Fail returns a producer that fails with err.
func Fail[T any](err error, exec Executor) Producer[T] {
	return Create(exec, func(e Emitter[T]) func() {
		e.Error(err)
		return nil
	})
}

// FromFunc returns a producer that runs fn on exec when subscribed. A panic
// in fn fails the producer with an internal error.
func FromFunc[T any](exec Executor, fn func() (T, error)) Producer[T] {
	if exec == nil {
		exec = GoExecutor{}
	}
	return Create(exec, func(e Emitter[T]) func() {
		exec.Execute(func() {
			if e.Cancelled() {
				return
			}
			v, err := safeCall(fn)
			if err != nil {
				e.Error(err)
				return
			}
			e.Value(v)
		})
		return nil
	})
}

type created[T any] struct {
	exec       Executor
	start      func(Emitter[T]) func()
	subscribed atomic.Bool
}

func (c *created[T]) Subscribe(onValue func(T), onError func(error), onComplete func()) Subscription {
	e := newEmitter(c.exec, onValue, onError, onComplete)

	if !c.subscribed.CompareAndSwap(false, true) {
		e.failDetached(ErrAlreadySubscribed)
		return e
	}

	cancel, err := safeStart(c.start, e)
	if err != nil {
		e.failDetached(err)
		return e
	}
	if cancel != nil {
		e.setUpstream(cancel)
	}
	return e
}

type emitter[T any] struct {
	exec       Executor
	onValue    func(T)
	onError    func(error)
	onComplete func()

	mu        sync.Mutex
	done      bool
	cancelled bool
	upstream  func()
}

func newEmitter[T any](exec Executor, onValue func(T), onError func(error), onComplete func()) *emitter[T] {
	return &emitter[T]{exec: exec, onValue: onValue, onError: onError, onComplete: onComplete}
}

func (e *emitter[T]) Value(v T) bool {
	if !e.finish() {
		return false
	}
	e.exec.Execute(func() {
		if e.Cancelled() {
			return
		}
		if e.onValue != nil {
			e.onValue(v)
		}
		if e.onComplete != nil {
			e.onComplete()
		}
	})
	return true
}

func (e *emitter[T]) Error(err error) bool {
	if !e.finish() {
		return false
	}
	e.exec.Execute(func() {
		if e.Cancelled() {
			return
		}
		if e.onError != nil {
			e.onError(err)
		}
	})
	return true
}

// failDetached fails the subscription from inside Subscribe. An inline
// executor would call back on the subscriber's goroutine, so those errors go
// through a fresh goroutine instead.
func (e *emitter[T]) failDetached(err error) {
	if _, ok := e.exec.(inlineExecutor); ok {
		e.exec = GoExecutor{}
	}
	e.Error(err)
}

func (e *emitter[T]) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

func (e *emitter[T]) Cancel() {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		return
	}
	e.cancelled = true
	e.done = true
	up := e.upstream
	e.upstream = nil
	e.mu.Unlock()

	if up != nil {
		up()
	}
}

func (e *emitter[T]) finish() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return false
	}
	e.done = true
	e.upstream = nil
	return true
}

func (e *emitter[T]) setUpstream(cancel func()) {
	e.mu.Lock()
	if e.cancelled {
		e.mu.Unlock()
		cancel()
		return
	}
	if !e.done {
		e.upstream = cancel
	}
	e.mu.Unlock()
}

func safeStart[T any](start func(Emitter[T]) func(), e Emitter[T]) (cancel func(), err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError("producer start panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	return start(e), nil
}

func safeCall[T any](fn func() (T, error)) (v T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.InternalError("producer function panicked", fmt.Errorf("panic: %v", r))
		}
	}()
	return fn()
}
