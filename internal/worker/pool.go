package worker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"errand/internal/logging"
	"errand/internal/types"
)

// Pool fans tasks out to a fixed number of pipeline workers. Each task is
// processed by exactly one worker; concurrency exists across tasks, never
// within one.
type Pool struct {
	worker *Worker
	queue  chan string
	size   int
}

// NewPool builds a pool of size workers over one shared Worker.
func NewPool(w *Worker, size int) *Pool {
	if size <= 0 {
		size = 4
	}
	return &Pool{worker: w, queue: make(chan string, 256), size: size}
}

// Enqueue hands a task ID to the pool. Blocks only when the queue is full.
func (p *Pool) Enqueue(taskID string) {
	p.queue <- taskID
}

// Recover re-enqueues tasks stranded mid-pipeline by a previous run. The
// checkpoint table decides where each one picks up.
func (p *Pool) Recover() int {
	n := 0
	for _, status := range []types.TaskStatus{types.StatusProcessing, types.StatusPending} {
		ids, err := p.worker.deps.Store.TasksByStatus(status)
		if err != nil {
			logging.WorkerWarn("recovery scan for %s failed: %v", status, err)
			continue
		}
		for _, id := range ids {
			p.Enqueue(id)
			n++
		}
	}
	if n > 0 {
		logging.Worker("recovered %d stranded tasks", n)
	}
	return n
}

// Run processes queued tasks until the context is cancelled. Task failures
// are logged, never fatal to the pool.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.size; i++ {
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case id := <-p.queue:
					if err := p.worker.Process(ctx, id); err != nil {
						logging.WorkerWarn("task %s: %v", id, err)
					}
				}
			}
		})
	}
	return g.Wait()
}
