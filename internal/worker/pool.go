// Package worker executes analyze and report tasks from their queue
// partitions.
package worker

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ecotrace/ecotrace/internal/carbon"
	"github.com/ecotrace/ecotrace/internal/metrics"
)

// Pool runs a fixed number of workers over one queue partition.
type Pool struct {
	partition string
	size      int
	queue     carbon.Queue
	handle    func(ctx context.Context, task carbon.Task)
	logger    *zap.Logger
}

// NewPool constructs a Pool. size defaults to 1.
func NewPool(partition string, size int, queue carbon.Queue, handle func(ctx context.Context, task carbon.Task), logger *zap.Logger) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		partition: partition,
		size:      size,
		queue:     queue,
		handle:    handle,
		logger:    logger,
	}
}

// Run blocks, consuming queue items until the context finishes.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			p.runWorker(ctx, worker)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, worker int) {
	for {
		task, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("queue dequeue failed",
				zap.String("partition", p.partition),
				zap.Int("worker", worker),
				zap.Error(err))
			continue
		}
		p.logger.Debug("dequeued task",
			zap.String("partition", p.partition),
			zap.String("job_id", task.JobID))
		if q, ok := p.queue.(interface{ Depth() int }); ok {
			metrics.SetQueueDepth(p.partition, q.Depth())
		}
		metrics.IncActiveWorkers(p.partition)
		p.handle(ctx, task)
		metrics.DecActiveWorkers(p.partition)
	}
}
