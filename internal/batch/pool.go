package batch

import (
	"context"
	"errors"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/loykin/scriptbatch/internal/metrics"
)

// ErrPoolClosed is returned by Submit after Shutdown started.
var ErrPoolClosed = errors.New("batch: worker pool is shut down")

// Pool bounds how many batch workers run at once. Submitted tasks queue on a
// weighted semaphore and receive the pool context, which is cancelled only
// when Shutdown gives up waiting. Every submitted task is called exactly once;
// a task still queued at that point is called with the cancelled context so
// it can release what it holds.
type Pool struct {
	sem    *semaphore.Weighted
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	size   int
}

// NewPool returns a pool running at most size tasks; size <= 0 means one per CPU.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{sem: semaphore.NewWeighted(int64(size)), ctx: ctx, cancel: cancel, size: size}
}

func (p *Pool) Size() int { return p.size }

// Submit queues task without blocking the caller.
func (p *Pool) Submit(task func(ctx context.Context)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolClosed
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.sem.Acquire(p.ctx, 1); err != nil {
			task(p.ctx)
			return
		}
		defer p.sem.Release(1)
		metrics.AddActiveWorkers(1)
		defer metrics.AddActiveWorkers(-1)
		task(p.ctx)
	}()
	return nil
}

// Shutdown stops accepting tasks and waits for queued and running ones. When
// ctx ends first, running tasks are interrupted, queued ones are called with
// the cancelled context, and Shutdown returns ctx.Err() once all have returned.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.cancel()
		<-done
		return ctx.Err()
	}
}
