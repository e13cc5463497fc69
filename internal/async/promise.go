package async

import "sync"

// Promise is a Producer resolved from the outside, exactly once.
type Promise[T any] struct {
	exec Executor

	mu       sync.Mutex
	resolved bool
	value    T
	err      error
	sub      *emitter[T]
	claimed  bool
}

// NewPromise returns an unresolved promise delivering on exec.
func NewPromise[T any](exec Executor) *Promise[T] {
	if exec == nil {
		exec = GoExecutor{}
	}
	return &Promise[T]{exec: exec}
}

// Resolve completes the promise with v. Only the first Resolve or Reject
// wins; later calls return false.
func (p *Promise[T]) Resolve(v T) bool {
	return p.settle(v, nil)
}

// Reject fails the promise with err. Only the first Resolve or Reject wins.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.settle(zero, err)
}

// Subscribe implements Producer.
func (p *Promise[T]) Subscribe(onValue func(T), onError func(error), onComplete func()) Subscription {
	e := newEmitter(p.exec, onValue, onError, onComplete)

	p.mu.Lock()
	if p.claimed {
		p.mu.Unlock()
		e.Error(ErrAlreadySubscribed)
		return e
	}
	p.claimed = true
	if !p.resolved {
		p.sub = e
		p.mu.Unlock()
		return e
	}
	v, err := p.value, p.err
	p.mu.Unlock()

	deliver(e, v, err)
	return e
}

func (p *Promise[T]) settle(v T, err error) bool {
	p.mu.Lock()
	if p.resolved {
		p.mu.Unlock()
		return false
	}
	p.resolved = true
	p.value, p.err = v, err
	e := p.sub
	p.sub = nil
	p.mu.Unlock()

	if e != nil {
		deliver(e, v, err)
	}
	return true
}

func deliver[T any](e *emitter[T], v T, err error) {
	if err != nil {
		e.Error(err)
		return
	}
	e.Value(v)
}
