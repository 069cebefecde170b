package delivery

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrQueueFull signals backpressure: the caller reports it instead of
// blocking on a full queue.
var ErrQueueFull = errors.New("delivery queue is full")

// Task is one outbound send waiting for a worker.
type Task struct {
	MessageID  uuid.UUID
	CustomerID uuid.UUID
	To         string
	Body       string
	RetryCount int
	MaxRetries int
}

// Queue is the bounded FIFO feeding the delivery worker pool.
type Queue struct {
	tasks chan Task
}

func NewQueue(size int) *Queue {
	return &Queue{tasks: make(chan Task, size)}
}

// Enqueue adds a task without blocking; a full queue returns ErrQueueFull.
func (q *Queue) Enqueue(task Task) error {
	select {
	case q.tasks <- task:
		queueDepthGauge.Inc()
		return nil
	default:
		enqueueRejectedCounter.Inc()
		return ErrQueueFull
	}
}

// Dequeue blocks until a task is available or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (Task, error) {
	select {
	case task := <-q.tasks:
		queueDepthGauge.Dec()
		return task, nil
	case <-ctx.Done():
		return Task{}, ctx.Err()
	}
}

// Len reports how many tasks are currently queued.
func (q *Queue) Len() int {
	return len(q.tasks)
}
