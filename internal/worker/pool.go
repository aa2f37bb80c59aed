// Package worker is a bounded pool for background incident work:
// scheduler recoveries and asynchronous collaborator dispatch. There is
// no global event loop; unrelated incidents progress fully in parallel
// up to the pool size.
package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/linnemanlabs/go-core/log"
)

// Task is one unit of background work.
type Task func(ctx context.Context)

// Pool runs tasks on a fixed number of goroutines.
type Pool struct {
	size   int
	tasks  chan Task
	wg     sync.WaitGroup
	logger log.Logger
}

// New creates a pool with size workers and a queue of depth queue.
func New(size, queue int, logger log.Logger) *Pool {
	if logger == nil {
		logger = log.Nop()
	}
	return &Pool{
		size:   size,
		tasks:  make(chan Task, queue),
		logger: logger,
	}
}

// Start launches the workers. They exit when ctx is canceled and the
// queue is drained.
func (p *Pool) Start(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		p.wg.Add(1)
		go p.work(ctx)
	}
}

func (p *Pool) work(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			// drain what is already queued, then exit
			for {
				select {
				case task := <-p.tasks:
					p.run(context.WithoutCancel(ctx), task)
				default:
					return
				}
			}
		case task := <-p.tasks:
			p.run(ctx, task)
		}
	}
}

func (p *Pool) run(ctx context.Context, task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error(ctx, fmt.Errorf("panic: %v", r), "worker task panicked")
		}
	}()
	task(ctx)
}

// Submit enqueues a task. It reports false when the queue is full or the
// pool is shutting down rather than blocking a caller mid-transition.
// The parameter is the plain func type so callers can depend on a local
// runner interface without importing this package.
func (p *Pool) Submit(ctx context.Context, task func(ctx context.Context)) bool {
	select {
	case p.tasks <- task:
		return true
	case <-ctx.Done():
		return false
	default:
		return false
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() { p.wg.Wait() }
