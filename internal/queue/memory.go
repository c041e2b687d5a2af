package queue

import (
	"context"
	"io"

	"github.com/rs/zerolog"

	"r2v/internal/infra"
)

// MemoryQueue is an in-process queue for tests and single-binary setups.
type MemoryQueue struct {
	tasks  chan Task
	logger *infra.Logger
}

func NewMemoryQueue(capacity int, logger *infra.Logger) *MemoryQueue {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &MemoryQueue{tasks: make(chan Task, capacity), logger: logger}
}

func (q *MemoryQueue) Publish(ctx context.Context, task Task) error {
	if err := task.validate(); err != nil {
		return err
	}
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Consume(ctx context.Context, handler Handler) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case task := <-q.tasks:
			if err := handler(ctx, task); err != nil {
				q.logger.Warn().Err(err).Str("job_id", task.JobID).Msg("queue: handler failed, requeueing")
				select {
				case q.tasks <- task:
				default:
					q.logger.Error().Str("job_id", task.JobID).Msg("queue: memory queue full, dropping task")
				}
			}
		}
	}
}

// Len reports the number of pending tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

var (
	_ Publisher = (*MemoryQueue)(nil)
	_ Consumer  = (*MemoryQueue)(nil)
)
