// Package async provides bounded worker pool utilities.
package async

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrClosed reports a submit after Close.
	ErrClosed = errors.New("async: pool closed")
	// ErrSaturated reports a submit against a full queue.
	ErrSaturated = errors.New("async: pool at capacity")
)

// Task is a unit of work executed by the pool workers.
type Task func(context.Context) error

// Pool is a bounded worker pool enforcing backpressure when saturated.
type Pool struct {
	ctx    context.Context
	cancel context.CancelFunc
	jobs   chan job
	wg     sync.WaitGroup
	once   sync.Once

	onError func(error)
}

type job struct {
	ctx context.Context
	fn  Task
}

// NewPool creates a worker pool with the given concurrency and queue depth.
// onError, when not nil, observes task errors and recovered panics.
func NewPool(workers, queue int, onError func(error)) (*Pool, error) {
	if workers <= 0 {
		return nil, errors.New("async: workers must be > 0")
	}
	if queue < 0 {
		queue = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		ctx:     ctx,
		cancel:  cancel,
		jobs:    make(chan job, queue),
		onError: onError,
	}
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Submit schedules the task, failing fast when the queue is full.
func (p *Pool) Submit(ctx context.Context, fn Task) error {
	if fn == nil {
		return errors.New("async: task must not be nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	p.wg.Add(1)
	select {
	case <-p.ctx.Done():
		p.wg.Done()
		return ErrClosed
	case <-ctx.Done():
		p.wg.Done()
		return fmt.Errorf("async: submit: %w", ctx.Err())
	case p.jobs <- job{ctx: ctx, fn: fn}:
		return nil
	default:
		p.wg.Done()
		return ErrSaturated
	}
}

// Close stops accepting new tasks and cancels workers.
func (p *Pool) Close() {
	p.once.Do(func() {
		p.cancel()
		close(p.jobs)
	})
}

// Shutdown waits for in-flight tasks to complete or until the context
// expires.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.Close()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return fmt.Errorf("async: shutdown: %w", ctx.Err())
	case <-done:
		return nil
	}
}

func (p *Pool) worker() {
	for {
		select {
		case <-p.ctx.Done():
			return
		case j, ok := <-p.jobs:
			if !ok {
				return
			}
			ctx := j.ctx
			if ctx == nil {
				ctx = p.ctx
			}
			p.run(ctx, j.fn)
			p.wg.Done()
		}
	}
}

// run keeps the worker alive across task errors and panics.
func (p *Pool) run(ctx context.Context, fn Task) {
	defer func() {
		if r := recover(); r != nil && p.onError != nil {
			p.onError(fmt.Errorf("async: task panicked: %v", r))
		}
	}()
	if err := fn(ctx); err != nil && p.onError != nil {
		p.onError(err)
	}
}
