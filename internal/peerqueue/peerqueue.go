// Package peerqueue is a thread-safe FIFO of peer endpoints shared between
// the supervisor (producer) and worker sessions (consumers). A well-known
// sentinel endpoint unblocks workers stuck in Pop during shutdown.
package peerqueue

import "sync"

// Endpoint is a peer's network address, as delivered by the tracker or as
// the shutdown sentinel below.
type Endpoint struct {
	IP   string
	Port uint16
}

// Sentinel is pushed once per worker on shutdown to unblock any worker
// stuck in Pop, so it can observe a stop condition. Workers receiving it
// exit their loop instead of treating it as a real peer.
var Sentinel = Endpoint{IP: "0.0.0.0", Port: 0}

// IsSentinel reports whether e is the shutdown sentinel.
func (e Endpoint) IsSentinel() bool { return e == Sentinel }

// Queue is an unbounded FIFO of peer Endpoints. Capacity is never limited;
// workers consume items as fast as the supervisor produces them.
type Queue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []Endpoint
}

// New constructs an empty Queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// PushBack appends item and wakes one waiter blocked in Pop.
func (q *Queue) PushBack(item Endpoint) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	q.cond.Signal()
}

// Pop blocks until the queue is non-empty, then removes and returns the
// front item.
func (q *Queue) Pop() Endpoint {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item
}

// Clear drops all queued items atomically and wakes one waiter (so a worker
// blocked in Pop on an about-to-be-cleared, about-to-be-refilled queue
// doesn't deadlock against a refill that follows immediately).
func (q *Queue) Clear() {
	q.mu.Lock()
	q.items = nil
	q.mu.Unlock()
	q.cond.Signal()
}

// Size returns the number of items currently queued.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Empty reports whether the queue currently holds no items.
func (q *Queue) Empty() bool {
	return q.Size() == 0
}
