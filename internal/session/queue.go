package session

import (
	"sync"
)

// sendQueue is a FIFO of outbound payloads bounded by both total bytes and
// entry count. Enqueue never blocks so broadcasts are never held up by a slow
// peer; the session's writer goroutine drains it with Dequeue.
type sendQueue struct {
	mu       sync.Mutex
	notEmpty *sync.Cond
	closed   bool

	maxBytes    int
	maxMessages int
	curBytes    int
	payloads    [][]byte
}

func newSendQueue(maxBytes, maxMessages int) *sendQueue {
	q := &sendQueue{maxBytes: maxBytes, maxMessages: maxMessages}
	q.notEmpty = sync.NewCond(&q.mu)
	return q
}

type enqueueResult int

const (
	enqueued enqueueResult = iota
	enqueueClosed
	enqueueFull
)

func (q *sendQueue) Enqueue(payload []byte) enqueueResult {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return enqueueClosed
	}
	// An empty queue always accepts one payload so a single message larger
	// than maxBytes is still deliverable.
	if len(q.payloads) > 0 {
		if q.maxMessages > 0 && len(q.payloads) >= q.maxMessages {
			return enqueueFull
		}
		if q.maxBytes > 0 && q.curBytes+len(payload) > q.maxBytes {
			return enqueueFull
		}
	}

	q.payloads = append(q.payloads, payload)
	q.curBytes += len(payload)
	q.notEmpty.Signal()
	return enqueued
}

// Dequeue blocks until a payload is available or the queue is closed and
// empty.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.payloads) == 0 && !q.closed {
		q.notEmpty.Wait()
	}
	if len(q.payloads) == 0 {
		return nil, false
	}
	payload := q.payloads[0]
	q.payloads[0] = nil
	q.payloads = q.payloads[1:]
	q.curBytes -= len(payload)
	return payload, true
}

func (q *sendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.payloads)
}

// Close wakes the writer. Payloads already queued are dropped.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.payloads = nil
	q.curBytes = 0
	q.mu.Unlock()
	q.notEmpty.Broadcast()
}
