// Package memory provides queue implementations for single-process deployments.
package memory

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ecotrace/ecotrace/internal/carbon"
)

// Queue is a bounded in-memory FIFO queue with context-aware operations.
// Each queue partition (analyze, report) gets its own instance.
type Queue struct {
	ch      chan carbon.Task
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a new queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan carbon.Task, capacity),
	}
}

// Enqueue pushes a task into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, task carbon.Task) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- task:
		return nil
	}
}

// Dequeue pops the next task, respecting context cancellation. A task is
// delivered to exactly one caller.
func (q *Queue) Dequeue(ctx context.Context) (carbon.Task, error) {
	select {
	case <-ctx.Done():
		return carbon.Task{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case task, ok := <-q.ch:
		if !ok {
			return carbon.Task{}, errors.New("queue closed")
		}
		return task, nil
	}
}

// Depth reports the number of tasks currently waiting.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Close closes the underlying channel for shutdown.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
