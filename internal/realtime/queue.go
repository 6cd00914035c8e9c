package realtime

import (
	"context"
	"sync"
)

// Queue runs tasks one at a time on a single worker. Subscription callbacks
// enqueue folds here instead of touching collections directly, so a callback
// fired from inside a reconcile pass never contends with it. Enqueue never
// blocks.
type Queue struct {
	mu    sync.Mutex
	tasks []func()
	wake  chan struct{}
}

func NewQueue() *Queue {
	return &Queue{wake: make(chan struct{}, 1)}
}

// Enqueue schedules fn.
func (q *Queue) Enqueue(fn func()) {
	q.mu.Lock()
	q.tasks = append(q.tasks, fn)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Run processes tasks until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	for {
		q.Drain()
		select {
		case <-ctx.Done():
			return
		case <-q.wake:
		}
	}
}

// Drain runs every pending task on the calling goroutine and returns how
// many ran. Tasks enqueued by tasks are run too. Drain must not be called
// while Run is active.
func (q *Queue) Drain() int {
	n := 0
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 {
			q.mu.Unlock()
			return n
		}
		fn := q.tasks[0]
		q.tasks[0] = nil
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		fn()
		n++
	}
}

// Len returns the number of pending tasks.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
