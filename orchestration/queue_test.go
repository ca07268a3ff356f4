package orchestration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentforge/agentrun/core"
)

func TestQueuePriorityOrder(t *testing.T) {
	q := newTaskQueue()
	q.Enqueue(&core.Task{RunID: "low", Priority: 1})
	q.Enqueue(&core.Task{RunID: "high", Priority: 10})
	q.Enqueue(&core.Task{RunID: "mid", Priority: 5})

	ctx := context.Background()
	for _, want := range []string{"high", "mid", "low"} {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, task.RunID)
	}
}

func TestQueueFIFOWithinPriority(t *testing.T) {
	q := newTaskQueue()
	q.Enqueue(&core.Task{RunID: "first", Priority: 5})
	q.Enqueue(&core.Task{RunID: "second", Priority: 5})
	q.Enqueue(&core.Task{RunID: "third", Priority: 5})

	ctx := context.Background()
	for _, want := range []string{"first", "second", "third"} {
		task, err := q.Dequeue(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, task.RunID)
	}
}

func TestQueueDequeueBlocksUntilEnqueue(t *testing.T) {
	q := newTaskQueue()

	got := make(chan *core.Task, 1)
	go func() {
		task, err := q.Dequeue(context.Background())
		if err == nil {
			got <- task
		}
	}()

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(&core.Task{RunID: "late"})

	select {
	case task := <-got:
		assert.Equal(t, "late", task.RunID)
	case <-time.After(time.Second):
		t.Fatal("dequeue did not wake on enqueue")
	}
}

func TestQueueDequeueRespectsContext(t *testing.T) {
	q := newTaskQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestQueueRemove(t *testing.T) {
	q := newTaskQueue()
	q.Enqueue(&core.Task{RunID: "keep", Priority: 1})
	q.Enqueue(&core.Task{RunID: "drop", Priority: 1})

	removed := q.Remove("drop")
	require.NotNil(t, removed)
	assert.Equal(t, "drop", removed.RunID)
	assert.Equal(t, 1, q.Depth())

	assert.Nil(t, q.Remove("drop"), "second remove finds nothing")
	assert.Nil(t, q.Remove("unknown"))
}

func TestQueueSetsEnqueuedAt(t *testing.T) {
	q := newTaskQueue()
	task := &core.Task{RunID: "run-1"}
	q.Enqueue(task)
	assert.False(t, task.EnqueuedAt.IsZero())
}

func TestQueueWakesAllWaitersEventually(t *testing.T) {
	q := newTaskQueue()

	done := make(chan string, 2)
	for i := 0; i < 2; i++ {
		go func() {
			task, err := q.Dequeue(context.Background())
			if err == nil {
				done <- task.RunID
			}
		}()
	}

	time.Sleep(10 * time.Millisecond)
	q.Enqueue(&core.Task{RunID: "a"})
	q.Enqueue(&core.Task{RunID: "b"})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case id := <-done:
			seen[id] = true
		case <-time.After(time.Second):
			t.Fatal("a waiter was never woken")
		}
	}
	assert.True(t, seen["a"] && seen["b"])
}
