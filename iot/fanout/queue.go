package fanout

import (
	"context"
	"errors"
	"sync"

	"github.com/relabs-tech/telemetry/iot/telemetry"
)

// ErrQueueClosed is returned by Pop once the queue is closed and drained
var ErrQueueClosed = errors.New("queue closed")

// DefaultQueueSize is the capacity of a session's outbound queue if none is configured
const DefaultQueueSize = 256

// Queue is a bounded outbound queue of records. Producers never block: when the queue
// is full the oldest undelivered record is dropped to make room.
type Queue struct {
	mutex   sync.Mutex
	items   []telemetry.Record
	head    int
	size    int
	dropped uint64
	closed  bool
	notify  chan struct{}
}

// NewQueue returns a queue with the given capacity. A capacity <= 0 selects DefaultQueueSize.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = DefaultQueueSize
	}
	return &Queue{
		items:  make([]telemetry.Record, capacity),
		notify: make(chan struct{}, 1),
	}
}

// Enqueue implements Subscriber. It returns true if the oldest record was dropped.
// Records pushed after Close are discarded.
func (q *Queue) Enqueue(record telemetry.Record) (dropped bool) {
	q.mutex.Lock()
	if q.closed {
		q.mutex.Unlock()
		return false
	}
	capacity := len(q.items)
	if q.size == capacity {
		q.items[q.head] = telemetry.Record{}
		q.head = (q.head + 1) % capacity
		q.size--
		q.dropped++
		dropped = true
	}
	q.items[(q.head+q.size)%capacity] = record
	q.size++
	q.mutex.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// TryPop returns the oldest record without waiting
func (q *Queue) TryPop() (telemetry.Record, bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	if q.size == 0 {
		return telemetry.Record{}, false
	}
	record := q.items[q.head]
	q.items[q.head] = telemetry.Record{}
	q.head = (q.head + 1) % len(q.items)
	q.size--
	return record, true
}

// Pop waits for the oldest record. It returns ErrQueueClosed once the queue is closed
// and empty, or the context's error.
func (q *Queue) Pop(ctx context.Context) (telemetry.Record, error) {
	for {
		if record, ok := q.TryPop(); ok {
			return record, nil
		}
		q.mutex.Lock()
		closed := q.closed
		q.mutex.Unlock()
		if closed {
			return telemetry.Record{}, ErrQueueClosed
		}
		select {
		case <-q.notify:
		case <-ctx.Done():
			return telemetry.Record{}, ctx.Err()
		}
	}
}

// Clear discards all queued records
func (q *Queue) Clear() {
	q.mutex.Lock()
	for i := range q.items {
		q.items[i] = telemetry.Record{}
	}
	q.head = 0
	q.size = 0
	q.mutex.Unlock()
}

// Len returns the number of queued records
func (q *Queue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.size
}

// Dropped returns the number of records dropped because the queue was full
func (q *Queue) Dropped() uint64 {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return q.dropped
}

// Close closes the queue. Pending records can still be popped. Close is idempotent.
func (q *Queue) Close() {
	q.mutex.Lock()
	q.closed = true
	q.mutex.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
