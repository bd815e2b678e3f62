package task

import (
	"context"
	"sync"
)

// Queue is the per-task action FIFO. Many producers (worker goroutines, other
// agents) push concurrently; one bridge loop pops. It is unbounded, so a push
// never blocks tool execution. After Close, pushes are refused and remaining
// items stay poppable so the stream can drain.
type Queue struct {
	mu     sync.Mutex
	items  []Action
	closed bool
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

// Push appends an action and reports whether it was accepted. A push against
// a closed queue returns false; the caller owns the drop diagnostic.
func (q *Queue) Push(a Action) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.items = append(q.items, a)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return true
}

// Pop blocks until an action is available, the queue is closed and drained,
// or ctx is done. The second return is false in the latter two cases; use
// Closed to tell them apart.
func (q *Queue) Pop(ctx context.Context) (Action, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			a := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return a, true
		}
		if q.closed {
			q.mu.Unlock()
			return Action{}, false
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return Action{}, false
		case <-q.notify:
		}
	}
}

// Close stops accepting new actions. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
