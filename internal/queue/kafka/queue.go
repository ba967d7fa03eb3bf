// Package kafka adapts the task-queue contract onto Kafka. Offsets commit
// only after ack, so a worker crash mid-task redelivers the message; delayed
// requeue is modeled by producing a fresh message carrying a not-before
// timestamp, since Kafka itself has no native delay.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	segkafka "github.com/segmentio/kafka-go"
	wbfkafka "github.com/wb-go/wbf/kafka"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"github.com/google/uuid"

	"github.com/gophoto/photoflow/internal/queue"
)

// Queue is a Kafka-backed task queue.
type Queue struct {
	producer *wbfkafka.Producer
	consumer *wbfkafka.Consumer
	strategy retry.Strategy
}

// New creates a Queue over the given brokers and topic. The strategy covers
// broker blips on produce, fetch and commit.
func New(brokers []string, topic, groupID string, strategy retry.Strategy) *Queue {
	return &Queue{
		producer: wbfkafka.NewProducer(brokers, topic),
		consumer: wbfkafka.NewConsumer(brokers, topic, groupID),
		strategy: strategy,
	}
}

// Enqueue serializes a first-attempt task and sends it to Kafka. The image
// ID is the message key, so retries of the same image stay on one partition.
func (q *Queue) Enqueue(ctx context.Context, imageID uuid.UUID) error {
	return q.send(ctx, queue.Task{ImageID: imageID, Attempt: 1})
}

// Dequeue fetches the next task. A task produced with a not-before
// timestamp is held here until it comes due; the backlog behind it on the
// partition is at most the requeue traffic of this consumer group.
func (q *Queue) Dequeue(ctx context.Context) (queue.Task, error) {
	var msg segkafka.Message
	err := retry.Do(func() error {
		var fetchErr error
		msg, fetchErr = q.consumer.Fetch(ctx)
		return fetchErr
	}, q.strategy)
	if err != nil {
		return queue.Task{}, fmt.Errorf("fetch message: %w", err)
	}

	var t queue.Task
	if err := json.Unmarshal(msg.Value, &t); err != nil {
		// Poison message: commit it away rather than wedge the partition.
		zlog.Logger.Err(err).Str("message", string(msg.Value)).Msg("dropping undecodable task")
		if commitErr := q.consumer.Commit(ctx, msg); commitErr != nil {
			return queue.Task{}, fmt.Errorf("commit undecodable task: %w", commitErr)
		}
		return q.Dequeue(ctx)
	}

	if wait := time.Until(t.NotBefore); wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return queue.Task{}, ctx.Err()
		}
	}

	t.Receipt = msg

	return t, nil
}

// Ack commits the underlying message's offset.
func (q *Queue) Ack(ctx context.Context, t queue.Task) error {
	msg, ok := t.Receipt.(segkafka.Message)
	if !ok {
		return fmt.Errorf("task for image %s has no kafka receipt", t.ImageID)
	}

	err := retry.Do(func() error {
		return q.consumer.Commit(ctx, msg)
	}, q.strategy)
	if err != nil {
		return fmt.Errorf("commit message: %w", err)
	}

	return nil
}

// Requeue produces the task again with the attempt advanced and a not-before
// stamp, then commits the current delivery. Producing before committing
// keeps the at-least-once guarantee: a crash between the two duplicates the
// task, never loses it.
func (q *Queue) Requeue(ctx context.Context, t queue.Task, delay time.Duration) error {
	next := queue.Task{
		ImageID:   t.ImageID,
		Attempt:   t.Attempt + 1,
		NotBefore: time.Now().Add(delay),
	}

	if err := q.send(ctx, next); err != nil {
		return fmt.Errorf("requeue: %w", err)
	}

	return q.Ack(ctx, t)
}

// Close shuts down the producer and consumer clients.
func (q *Queue) Close() error {
	if err := q.producer.Close(); err != nil {
		return fmt.Errorf("close producer: %w", err)
	}
	return q.consumer.Close()
}

func (q *Queue) send(ctx context.Context, t queue.Task) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}

	key := []byte(t.ImageID.String())

	if err := q.producer.SendWithRetry(ctx, q.strategy, key, data); err != nil {
		return fmt.Errorf("failed to send task: %w", err)
	}

	return nil
}
