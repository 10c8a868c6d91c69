package owner

import (
	"context"
	"sync"
	"time"

	"github.com/sebastianm/acpx/internal/queue"
)

// task is one queued prompt submission with its reply channel. send streams
// owner messages back to the submitter (socket or inline seed); close
// releases the submitter's connection.
type task struct {
	req   queue.Request
	send  func(queue.Message)
	close func()
}

// taskQueue is the owner's unbounded FIFO. Prompts run strictly in arrival
// order; control requests bypass the queue entirely.
type taskQueue struct {
	mu     sync.Mutex
	items  []*task
	closed bool
	signal chan struct{}
}

func newTaskQueue() *taskQueue {
	return &taskQueue{signal: make(chan struct{}, 1)}
}

// Push appends a task. Pushing to a closed queue returns false; the caller
// must fail the task itself.
func (q *taskQueue) Push(t *task) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, t)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// Depth returns the number of queued tasks.
func (q *taskQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// WaitNext blocks until a task arrives, the idle window elapses, the queue
// closes, or ctx is done. idle <= 0 disables the idle timeout.
func (q *taskQueue) WaitNext(ctx context.Context, idle time.Duration) (*task, bool) {
	var timeout <-chan time.Time
	if idle > 0 {
		timer := time.NewTimer(idle)
		defer timer.Stop()
		timeout = timer.C
	}

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			t := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return t, true
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, false
		}

		select {
		case <-q.signal:
		case <-timeout:
			return nil, false
		case <-ctx.Done():
			return nil, false
		}
	}
}

// Close marks the queue closed and returns whatever tasks were still queued
// so the owner can fail them during shutdown.
func (q *taskQueue) Close() []*task {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	drained := q.items
	q.items = nil
	return drained
}
