package broker

import (
	"sync"

	"github.com/labqa/qa-broker/internal/conn"
	"github.com/labqa/qa-broker/internal/wire"
)

// published is one item waiting on the dispatcher's publish queue:
// the endpoint it arrived from and its decoded body. A nil body
// signals that ep has disconnected.
type published struct {
	ep   *conn.Endpoint
	body wire.Body
}

// publishQueue is an unbounded FIFO: a growable slice guarded by a
// mutex plus a wakeup channel, the same shape as the teacher's
// AsyncTx fan-in but without AsyncTx's fixed channel capacity — the
// publish queue must never apply backpressure to publishers (spec
// requires total ordering with no publisher-visible drops; only
// per-subscriber delivery may drop).
type publishQueue struct {
	mu     sync.Mutex
	items  []published
	wakeup chan struct{}
}

func newPublishQueue() *publishQueue {
	return &publishQueue{wakeup: make(chan struct{}, 1)}
}

// push appends an item and wakes the single reader if it is waiting.
func (q *publishQueue) push(p published) {
	q.mu.Lock()
	q.items = append(q.items, p)
	q.mu.Unlock()
	select {
	case q.wakeup <- struct{}{}:
	default:
	}
}

// pop removes and returns the oldest item, or ok=false if empty.
func (q *publishQueue) pop() (published, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return published{}, false
	}
	p := q.items[0]
	q.items[0] = published{}
	q.items = q.items[1:]
	return p, true
}

// depth returns the current queue length, for metrics sampling.
func (q *publishQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// wait blocks until push has been called since the last wait, or done
// fires. It never blocks if items are already pending.
func (q *publishQueue) wait(done <-chan struct{}) {
	if q.depth() > 0 {
		return
	}
	select {
	case <-q.wakeup:
	case <-done:
	}
}
