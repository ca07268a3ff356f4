package orchestration

import (
	"context"
	"sync"
	"time"

	"github.com/agentforge/agentrun/core"
)

// taskQueue is a priority-ordered FIFO queue. Higher Priority dequeues
// sooner; equal-priority tasks keep insertion order. There is no depth
// cap; back-pressure belongs to the layer above the core.
type taskQueue struct {
	mu     sync.Mutex
	items  []*core.Task
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

// Enqueue inserts the task before the first existing task with strictly
// lower priority, or appends if none, and wakes one waiting worker.
func (q *taskQueue) Enqueue(task *core.Task) {
	q.mu.Lock()
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = time.Now()
	}
	pos := len(q.items)
	for i, existing := range q.items {
		if existing.Priority < task.Priority {
			pos = i
			break
		}
	}
	q.items = append(q.items, nil)
	copy(q.items[pos+1:], q.items[pos:])
	q.items[pos] = task
	q.mu.Unlock()

	q.wake()
}

// Dequeue blocks until a task is available or the context is done.
func (q *taskQueue) Dequeue(ctx context.Context) (*core.Task, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			task := q.items[0]
			q.items = q.items[1:]
			remaining := len(q.items)
			q.mu.Unlock()
			if remaining > 0 {
				// Re-signal so another idle worker picks up the rest;
				// enqueue signals can coalesce in the buffered channel.
				q.wake()
			}
			return task, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.signal:
		}
	}
}

// Remove takes a not-yet-dequeued task out of the queue by run id.
// Returns nil if the task is not queued (already active or unknown).
func (q *taskQueue) Remove(runID string) *core.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, task := range q.items {
		if task.RunID == runID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return task
		}
	}
	return nil
}

// Depth returns the current queue length.
func (q *taskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *taskQueue) wake() {
	select {
	case q.signal <- struct{}{}:
	default:
	}
}
