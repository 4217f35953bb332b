package async

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync"
	"time"
)

// SafeGo executes a function in a goroutine with context cancellation,
// panic recovery, and timeout enforcement. Use this instead of bare
// `go func()` for fire-and-forget work such as sending a Telegram reply
// after the webhook response has already been written.
func SafeGo(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(parentCtx, timeout)
		defer cancel()

		defer func() {
			if r := recover(); r != nil {
				log.Printf("[SafeGo] PANIC in %s: %v\nStack trace:\n%s",
					taskName, r, string(debug.Stack()))
			}
		}()

		if err := fn(ctx); err != nil {
			log.Printf("[SafeGo] Error in %s: %v", taskName, err)
		}
	}()
}

// SafeGoNoError is like SafeGo but for functions that don't return errors.
func SafeGoNoError(parentCtx context.Context, timeout time.Duration, taskName string, fn func(context.Context)) {
	SafeGo(parentCtx, timeout, taskName, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// ErrQueueFull is returned by TrySubmit when the task queue is at
// capacity. Callers decide whether to drop or push back.
var ErrQueueFull = fmt.Errorf("worker pool queue full")

// WorkerPool runs tasks on a fixed set of workers fed from a bounded
// queue. A full queue never blocks the submitter; webhook handlers must
// answer the gateway quickly no matter how far behind the workers are.
type WorkerPool struct {
	workers      int
	taskName     string
	timeout      time.Duration
	workCh       chan func(context.Context) error
	doneCh       chan struct{}
	errCh        chan error
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
}

// NewWorkerPool creates a pool of workers with a queue of queueSize
// pending tasks. Each task runs under its own timeout.
func NewWorkerPool(ctx context.Context, workers, queueSize int, taskName string, timeout time.Duration) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers * 2
	}
	ctx, cancel := context.WithCancel(ctx)

	pool := &WorkerPool{
		workers:  workers,
		taskName: taskName,
		timeout:  timeout,
		workCh:   make(chan func(context.Context) error, queueSize),
		doneCh:   make(chan struct{}),
		errCh:    make(chan error, workers*10),
		ctx:      ctx,
		cancel:   cancel,
	}

	go func() {
		var wg sync.WaitGroup
		for i := 0; i < workers; i++ {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				pool.worker(id)
			}(i)
		}
		wg.Wait()
		close(pool.doneCh)
	}()

	return pool
}

// QueueDepth reports the number of tasks waiting for a worker.
func (p *WorkerPool) QueueDepth() int {
	return len(p.workCh)
}

// TrySubmit enqueues a task without blocking. Returns ErrQueueFull when
// the queue is at capacity and an error when the pool is shut down.
func (p *WorkerPool) TrySubmit(fn func(context.Context) error) error {
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	default:
	}

	defer func() {
		// A send on the closed work channel panics when Shutdown races
		// with this submit; treat it as a shutdown, not a crash.
		recover()
	}()

	select {
	case p.workCh <- fn:
		return nil
	default:
		return ErrQueueFull
	}
}

// Submit enqueues a task, blocking until there is room or the pool shuts
// down.
func (p *WorkerPool) Submit(fn func(context.Context) error) error {
	select {
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	default:
	}

	defer func() {
		recover()
	}()

	select {
	case p.workCh <- fn:
		return nil
	case <-p.doneCh:
		return fmt.Errorf("worker pool shut down")
	}
}

// Shutdown stops accepting work and waits up to timeout for workers to
// drain the queue.
func (p *WorkerPool) Shutdown(timeout time.Duration) error {
	var shutdownErr error

	p.shutdownOnce.Do(func() {
		func() {
			defer func() {
				recover()
			}()
			close(p.workCh)
		}()

		select {
		case <-p.doneCh:
			p.cancel()
		case <-time.After(timeout):
			p.cancel()
			shutdownErr = fmt.Errorf("worker pool shutdown timed out after %v", timeout)
		}
	})

	return shutdownErr
}

// Errors returns a channel that receives worker errors. Non-blocking,
// use select to check for errors.
func (p *WorkerPool) Errors() <-chan error {
	return p.errCh
}

func (p *WorkerPool) worker(id int) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[WorkerPool] PANIC in worker %d (%s): %v\nStack trace:\n%s",
				id, p.taskName, r, string(debug.Stack()))
		}
	}()

	for {
		select {
		case <-p.ctx.Done():
			return

		case fn, ok := <-p.workCh:
			if !ok {
				return
			}

			ctx, cancel := context.WithTimeout(p.ctx, p.timeout)

			func() {
				defer cancel()
				defer func() {
					if r := recover(); r != nil {
						p.reportError(fmt.Errorf("panic: %v", r))
					}
				}()

				if err := fn(ctx); err != nil {
					p.reportError(err)
				}
			}()
		}
	}
}

func (p *WorkerPool) reportError(err error) {
	select {
	case p.errCh <- err:
	default:
		log.Printf("[WorkerPool] Error channel full, dropping error: %v", err)
	}
}

// Batch processes a slice of items concurrently and returns all errors
// encountered. Used by the expiry sweeper to revoke a batch of expired
// subscriptions without hammering the Telegram API one goroutine per row.
func Batch[T any](ctx context.Context, items []T, workers int, taskName string, timeout time.Duration,
	fn func(context.Context, T) error) []error {

	pool := NewWorkerPool(ctx, workers, len(items)+1, taskName, timeout)
	defer pool.Shutdown(5 * time.Second)

	for _, item := range items {
		item := item
		if err := pool.Submit(func(ctx context.Context) error {
			return fn(ctx, item)
		}); err != nil {
			return []error{err}
		}
	}

	// Close the queue so workers drain it, then wait for them.
	close(pool.workCh)
	<-pool.doneCh
	pool.cancel()

	var errs []error
	for {
		select {
		case err := <-pool.errCh:
			errs = append(errs, err)
		default:
			return errs
		}
	}
}
