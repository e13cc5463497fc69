package async

import (
	"fmt"
	"sync"

	"epayment-client/internal/common/logging"
)

// Executor runs tasks asynchronously. Producers hand every callback to an
// Executor so subscribers are never called back on their own goroutine.
type Executor interface {
	Execute(task func())
}

// GoExecutor runs every task on a fresh goroutine.
type GoExecutor struct{}

// Execute starts task on a new goroutine.
func (GoExecutor) Execute(task func()) {
	go runTask(task)
}

// inlineExecutor runs tasks on the calling goroutine. Only used for stages
// whose input already arrives on an executor goroutine.
type inlineExecutor struct{}

func (inlineExecutor) Execute(task func()) {
	runTask(task)
}

// SerialExecutor runs tasks one at a time, in submission order, on a single
// worker goroutine.
type SerialExecutor struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewSerialExecutor starts the worker goroutine.
func NewSerialExecutor() *SerialExecutor {
	s := &SerialExecutor{done: make(chan struct{})}
	s.cond = sync.NewCond(&s.mu)
	go s.run()
	return s
}

// Execute queues task. Tasks submitted after Close run on their own goroutine
// so pending callbacks are never lost.
func (s *SerialExecutor) Execute(task func()) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		go runTask(task)
		return
	}
	s.queue = append(s.queue, task)
	s.cond.Signal()
	s.mu.Unlock()
}

// Close stops accepting work, drains the queue and waits for the worker to
// exit. It must not be called from a task running on this executor.
func (s *SerialExecutor) Close() {
	s.mu.Lock()
	s.closed = true
	s.cond.Broadcast()
	s.mu.Unlock()
	<-s.done
}

func (s *SerialExecutor) run() {
	defer close(s.done)
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.closed {
			s.cond.Wait()
		}
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		task := s.queue[0]
		s.queue[0] = nil
		s.queue = s.queue[1:]
		s.mu.Unlock()

		runTask(task)
	}
}

func runTask(task func()) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Recovered panic in async task", fmt.Errorf("panic: %v", r))
		}
	}()
	task()
}
