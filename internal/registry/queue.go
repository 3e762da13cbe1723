package registry

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amoylab/wshub/internal/common/cnst"
	"github.com/amoylab/wshub/internal/common/dto"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained
var ErrQueueClosed = errors.New("outbound queue closed")

// Message is a serialized envelope waiting to be written to a connection.
// Payload is shared between all recipients of a fan-out and must not be mutated.
type Message struct {
	ID        string
	Priority  dto.Priority
	ExpiresAt time.Time
	Payload   []byte
}

func (m Message) expired(now time.Time) bool {
	return !m.ExpiresAt.IsZero() && !now.Before(m.ExpiresAt)
}

// Outcome describes what happened to a single delivery
type Outcome int

const (
	// OutcomeQueued means the message was accepted
	OutcomeQueued Outcome = iota
	// OutcomeDisplaced means the message was accepted after evicting a lower priority one
	OutcomeDisplaced
	// OutcomeDropped means the queue was full and the message was rejected
	OutcomeDropped
	// OutcomeExpired means the message was past its expiry
	OutcomeExpired
	// OutcomeClosed means the connection is gone or shutting down
	OutcomeClosed
)

var outcomeNames = [...]string{"queued", "displaced", "dropped", "expired", "closed"}

func (o Outcome) String() string {
	if o < 0 || int(o) >= len(outcomeNames) {
		return "unknown"
	}
	return outcomeNames[o]
}

// Accepted reports whether the message made it onto the queue.
func (o Outcome) Accepted() bool {
	return o == OutcomeQueued || o == OutcomeDisplaced
}

type queued struct {
	msg   Message
	seq   uint64
	index int
}

// msgHeap orders by priority, then by arrival
type msgHeap []*queued

func (h msgHeap) Len() int { return len(h) }

func (h msgHeap) Less(i, j int) bool {
	if h[i].msg.Priority != h[j].msg.Priority {
		return h[i].msg.Priority > h[j].msg.Priority
	}
	return h[i].seq < h[j].seq
}

func (h msgHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *msgHeap) Push(x any) {
	item := x.(*queued)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *msgHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a bounded priority queue with a single consumer. Push never blocks.
type Queue struct {
	mu       sync.Mutex
	items    msgHeap
	capacity int
	policy   string
	seq      uint64
	closed   bool

	notify chan struct{}
	done   chan struct{}

	pressured bool
	dropped   uint64
	expired   uint64
}

func NewQueue(capacity int, policy string) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	if policy == "" {
		policy = cnst.BackpressureDropLowest
	}
	return &Queue{
		items:    make(msgHeap, 0, capacity),
		capacity: capacity,
		policy:   policy,
		notify:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

// Push enqueues msg according to the backpressure policy.
func (q *Queue) Push(msg Message) Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return OutcomeClosed
	}
	if msg.expired(time.Now()) {
		q.expired++
		return OutcomeExpired
	}

	outcome := OutcomeQueued
	if len(q.items) >= q.capacity {
		victim := q.lowest()
		if q.policy != cnst.BackpressureDropLowest || victim == nil || victim.msg.Priority >= msg.Priority {
			q.pressured = true
			q.dropped++
			return OutcomeDropped
		}
		heap.Remove(&q.items, victim.index)
		q.pressured = true
		q.dropped++
		outcome = OutcomeDisplaced
	}

	q.seq++
	heap.Push(&q.items, &queued{msg: msg, seq: q.seq})
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return outcome
}

// lowest returns the oldest item of the lowest priority present.
func (q *Queue) lowest() *queued {
	var victim *queued
	for _, it := range q.items {
		if victim == nil ||
			it.msg.Priority < victim.msg.Priority ||
			(it.msg.Priority == victim.msg.Priority && it.seq < victim.seq) {
			victim = it
		}
	}
	return victim
}

// Pop blocks until a message is available, ctx is done or the queue is closed
// and empty. Expired messages are discarded.
func (q *Queue) Pop(ctx context.Context) (Message, error) {
	for {
		q.mu.Lock()
		now := time.Now()
		for len(q.items) > 0 {
			it := heap.Pop(&q.items).(*queued)
			if len(q.items) <= q.capacity/2 {
				q.pressured = false
			}
			if it.msg.expired(now) {
				q.expired++
				continue
			}
			q.mu.Unlock()
			return it.msg, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Message{}, ErrQueueClosed
		}
		select {
		case <-ctx.Done():
			return Message{}, ctx.Err()
		case <-q.notify:
		case <-q.done:
		}
	}
}

// Close stops accepting messages. Pending messages can still be popped
// unless discard is set.
func (q *Queue) Close(discard bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if discard {
		q.items = q.items[:0]
	}
	if q.closed {
		return
	}
	q.closed = true
	close(q.done)
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Backpressured reports whether the queue has dropped messages since it was
// last drained below half capacity.
func (q *Queue) Backpressured() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pressured
}

// Dropped returns the number of messages rejected or evicted.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
