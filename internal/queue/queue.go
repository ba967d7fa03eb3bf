// Package queue defines the task-queue contract the worker pool consumes:
// at-least-once delivery of "process image N" tasks with ack and
// delayed requeue. Adapters live in subpackages so the worker logic stays
// portable across brokers.
package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Task is one unit of queued work. Attempt counts deliveries starting at 1;
// NotBefore delays redelivery after a transient failure.
type Task struct {
	ImageID   uuid.UUID `json:"image_id"`
	Attempt   int       `json:"attempt"`
	NotBefore time.Time `json:"not_before,omitempty"`

	// Receipt is the broker-private delivery handle carried back into Ack
	// and Requeue. Never serialized.
	Receipt any `json:"-"`
}

// Queue is an at-least-once task queue. A task may be delivered more than
// once; consumers must be idempotent.
type Queue interface {
	// Enqueue submits a first-attempt task for the image.
	Enqueue(ctx context.Context, imageID uuid.UUID) error

	// Dequeue blocks until a task is available or ctx is done.
	Dequeue(ctx context.Context) (Task, error)

	// Ack marks the task consumed. Without an ack the broker redelivers.
	Ack(ctx context.Context, t Task) error

	// Requeue schedules the task for redelivery after delay with the
	// attempt counter advanced, and consumes the current delivery.
	Requeue(ctx context.Context, t Task, delay time.Duration) error
}
