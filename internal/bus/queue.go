package bus

import (
	"container/list"
	"sync"

	"github.com/bdeggleston/slogdb/internal/model"
)

// unboundedQueue is an inproc delivery queue with no back-pressure (spec
// §4.1: "high-water-mark zero / unbounded queue"). Go's buffered channels
// cap out at a fixed size, so a genuinely unbounded inproc channel needs a
// growable backing structure; this is that structure, with channel-like
// blocking receive semantics layered on top via a condition variable.
type unboundedQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  *list.List
	closed bool
}

func newUnboundedQueue() *unboundedQueue {
	q := &unboundedQueue{items: list.New()}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *unboundedQueue) push(e *model.Envelope) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items.PushBack(e)
	q.cond.Signal()
}

// pop blocks until an envelope is available or the queue is closed, in
// which case ok is false.
func (q *unboundedQueue) pop() (*model.Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.items.Len() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.items.Len() == 0 {
		return nil, false
	}
	front := q.items.Front()
	q.items.Remove(front)
	return front.Value.(*model.Envelope), true
}

func (q *unboundedQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
