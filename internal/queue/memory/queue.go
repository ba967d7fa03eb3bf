// Package memory is an in-process task queue with the same at-least-once
// surface as the Kafka adapter. It backs single-node deployments and tests.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gophoto/photoflow/internal/queue"
)

// Queue delivers tasks over a buffered channel. Requeue redelivers through
// a timer, so delays behave like the broker's not-before contract.
type Queue struct {
	tasks chan queue.Task
	done  chan struct{}

	mu     sync.Mutex
	timers []*time.Timer
	closed bool
}

// New creates a Queue able to hold up to size undelivered tasks.
func New(size int) *Queue {
	return &Queue{
		tasks: make(chan queue.Task, size),
		done:  make(chan struct{}),
	}
}

// Enqueue submits a first-attempt task.
func (q *Queue) Enqueue(_ context.Context, imageID uuid.UUID) error {
	q.tasks <- queue.Task{ImageID: imageID, Attempt: 1}
	return nil
}

// Dequeue blocks until a task is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (queue.Task, error) {
	select {
	case t := <-q.tasks:
		return t, nil
	case <-ctx.Done():
		return queue.Task{}, ctx.Err()
	}
}

// Ack is a no-op: channel receive already consumed the delivery.
func (q *Queue) Ack(context.Context, queue.Task) error {
	return nil
}

// Requeue schedules redelivery after delay with the attempt advanced.
func (q *Queue) Requeue(_ context.Context, t queue.Task, delay time.Duration) error {
	next := queue.Task{
		ImageID:   t.ImageID,
		Attempt:   t.Attempt + 1,
		NotBefore: time.Now().Add(delay),
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}

	// The send races Close when the channel is full: selecting on done keeps
	// the callback goroutine from blocking forever on an abandoned queue.
	timer := time.AfterFunc(delay, func() {
		select {
		case q.tasks <- next:
		case <-q.done:
		}
	})
	q.timers = append(q.timers, timer)

	return nil
}

// Close stops pending redelivery timers and releases any timer callback
// still waiting for channel capacity.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	close(q.done)

	for _, t := range q.timers {
		t.Stop()
	}
	return nil
}
