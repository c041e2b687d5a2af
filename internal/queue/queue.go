package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"r2v/internal/domain"
)

// Task is the envelope carried by every queue driver.
type Task struct {
	Kind  domain.JobKind `json:"kind"`
	JobID string         `json:"job_id"`
}

// Encode serializes the task as JSON.
func (t Task) Encode() ([]byte, error) {
	if err := t.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(t)
}

// DecodeTask parses and validates a raw envelope.
func DecodeTask(raw []byte) (Task, error) {
	var t Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return Task{}, fmt.Errorf("queue: decode task: %w", err)
	}
	if err := t.validate(); err != nil {
		return Task{}, err
	}
	return t, nil
}

func (t Task) validate() error {
	if !t.Kind.Valid() {
		return fmt.Errorf("queue: unknown job kind %q", t.Kind)
	}
	if strings.TrimSpace(t.JobID) == "" {
		return errors.New("queue: job id is required")
	}
	return nil
}

// Publisher enqueues job ids for the workers.
type Publisher interface {
	Publish(ctx context.Context, task Task) error
}

// Handler processes one task. A nil return acknowledges the delivery; an
// error hands it back to the queue for redelivery.
type Handler func(ctx context.Context, task Task) error

// Consumer delivers tasks to a handler until ctx is done. Consume may be
// called from several goroutines; each call is one serial consumer.
type Consumer interface {
	Consume(ctx context.Context, handler Handler) error
}
