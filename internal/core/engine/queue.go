package engine

import (
	"errors"
	"sync"
)

// ErrQueueClosed is returned when work is dispatched to a closed queue.
var ErrQueueClosed = errors.New("serial queue is closed")

// SerialQueue runs jobs one at a time, in dispatch order, on a single
// goroutine.
type SerialQueue struct {
	mu     sync.Mutex
	jobs   []func()
	signal chan struct{}
	closed bool
	done   chan struct{}
}

// NewSerialQueue starts the queue's worker goroutine.
func NewSerialQueue() *SerialQueue {
	q := &SerialQueue{
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	go q.run()
	return q
}

// Dispatch appends fn to the queue. The returned channel closes once fn has
// run.
func (q *SerialQueue) Dispatch(fn func()) (<-chan struct{}, error) {
	finished := make(chan struct{})

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil, ErrQueueClosed
	}
	q.jobs = append(q.jobs, func() {
		defer close(finished)
		fn()
	})
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return finished, nil
}

// Close stops accepting work and waits for queued jobs to drain.
func (q *SerialQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
	<-q.done
}

func (q *SerialQueue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		if len(q.jobs) == 0 {
			closed := q.closed
			q.mu.Unlock()
			if closed {
				return
			}
			<-q.signal
			continue
		}
		job := q.jobs[0]
		q.jobs[0] = nil
		q.jobs = q.jobs[1:]
		q.mu.Unlock()

		job()
	}
}
