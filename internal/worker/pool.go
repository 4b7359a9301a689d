// Package worker provides the background execution context for
// CPU-bound work. Callers submit a task and await its completion
// without occupying their own scheduling path with the work itself.
package worker

import (
	"context"
	"errors"
	"sync"
)

// ErrPoolBusy is returned when the queue is full.
var ErrPoolBusy = errors.New("worker: queue full")

// ErrPoolClosed is returned when the pool has been stopped.
var ErrPoolClosed = errors.New("worker: pool stopped")

// Task is one unit of background work.
type Task func()

// Pool runs tasks on a fixed set of worker goroutines.
type Pool struct {
	tasks chan Task
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewPool creates a pool with the given queue size. Start must be
// called before tasks run.
func NewPool(queueSize int) *Pool {
	if queueSize < 1 {
		queueSize = 1
	}
	return &Pool{tasks: make(chan Task, queueSize)}
}

// Start launches the worker goroutines.
func (p *Pool) Start(workers int) {
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
}

// Stop closes the queue and waits for in-flight tasks to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.tasks)
	p.mu.Unlock()
	p.wg.Wait()
}

// Submit queues a task without blocking. A full queue returns
// ErrPoolBusy rather than silently dropping the task.
func (p *Pool) Submit(task Task) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.tasks <- task:
		return nil
	default:
		return ErrPoolBusy
	}
}

// Run submits fn and waits for it to complete or for ctx to end. On
// cancellation the task still runs to completion in the background;
// only the wait is abandoned.
func (p *Pool) Run(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	err := p.Submit(func() {
		defer close(done)
		fn()
	})
	if err != nil {
		return err
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
