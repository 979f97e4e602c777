package relay

import (
	"sync"

	apperrors "github.com/mailfold/mailfold-backend/internal/errors"
)

// Queue is the shared relay queue: many session handlers produce into
// it, a bounded pool of dispatcher workers consumes from it. Ordering is
// priority first, FIFO within a priority.
type Queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	high   []*Attempt
	normal []*Attempt
	closed bool
}

// NewQueue creates an empty Queue
func NewQueue() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue accepts a ForwardRequest. Once accepted the request runs to a
// terminal state regardless of the originating connection's lifetime.
func (q *Queue) Enqueue(req *ForwardRequest) error {
	return q.push(newAttempt(req))
}

// push appends an attempt to its priority lane. Used both for fresh
// requests and for retries coming back from backoff.
func (q *Queue) push(a *Attempt) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return apperrors.ErrQueueClosed
	}
	a.State = StateQueued
	if a.Request.Priority == PriorityHigh {
		q.high = append(q.high, a)
	} else {
		q.normal = append(q.normal, a)
	}
	q.cond.Signal()
	return nil
}

// Dequeue blocks until an attempt is available or the queue is closed
// and drained. ok is false only in the latter case.
func (q *Queue) Dequeue() (a *Attempt, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.high) == 0 && len(q.normal) == 0 {
		if q.closed {
			return nil, false
		}
		q.cond.Wait()
	}
	if len(q.high) > 0 {
		a = q.high[0]
		q.high = q.high[1:]
	} else {
		a = q.normal[0]
		q.normal = q.normal[1:]
	}
	return a, true
}

// Len reports the number of queued attempts across both priorities.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.high) + len(q.normal)
}

// Close stops the queue from accepting new work and wakes blocked
// consumers. Already-queued attempts are still handed out.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
