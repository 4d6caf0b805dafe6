package orchestration

import (
	"context"
	"sync"
	"sync/atomic"
)

// workerPool runs pipeline component submissions with bounded concurrency.
// Submission blocks when every worker is busy; that backpressure is the
// distributed pipeline's throttle.
type workerPool struct {
	tasks   chan func()
	wg      sync.WaitGroup
	pending atomic.Int64
	metrics *Metrics

	closeOnce sync.Once
}

// newWorkerPool starts size workers draining an unbuffered task channel.
func newWorkerPool(size int, metrics *Metrics) *workerPool {
	if size < 1 {
		size = 1
	}
	p := &workerPool{
		tasks:   make(chan func()),
		metrics: metrics,
	}
	p.wg.Add(size)
	for i := 0; i < size; i++ {
		go func() {
			defer p.wg.Done()
			for task := range p.tasks {
				task()
			}
		}()
	}
	return p
}

// submit blocks until a worker accepts the task or the context is
// cancelled.
func (p *workerPool) submit(ctx context.Context, task func()) error {
	p.metrics.UpdateQueueDepth(int(p.pending.Add(1)))
	defer func() {
		p.metrics.UpdateQueueDepth(int(p.pending.Add(-1)))
	}()

	select {
	case p.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// close stops accepting work and waits for in-flight tasks to finish.
func (p *workerPool) close() {
	p.closeOnce.Do(func() {
		close(p.tasks)
	})
	p.wg.Wait()
}
