package queue

import (
	"context"
	"fmt"
	"io"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"r2v/internal/infra"
)

// AMQPQueue publishes to and consumes from one durable RabbitMQ queue with
// manual acks and a prefetch of one per consumer.
type AMQPQueue struct {
	conn   *amqp.Connection
	name   string
	logger *infra.Logger

	mu        sync.Mutex
	publishCh *amqp.Channel
}

// DialAMQP opens a connection to url.
func DialAMQP(url string) (*amqp.Connection, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("queue: dial amqp: %w", err)
	}
	return conn, nil
}

// NewAMQPQueue declares the queue and opens the publishing channel.
func NewAMQPQueue(conn *amqp.Connection, name string, logger *infra.Logger) (*AMQPQueue, error) {
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("queue: open channel: %w", err)
	}
	if err := declare(ch, name); err != nil {
		ch.Close()
		return nil, err
	}
	return &AMQPQueue{conn: conn, name: name, logger: logger, publishCh: ch}, nil
}

func declare(ch *amqp.Channel, name string) error {
	if _, err := ch.QueueDeclare(name, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue: declare %s: %w", name, err)
	}
	return nil
}

func (q *AMQPQueue) Publish(ctx context.Context, task Task) error {
	body, err := task.Encode()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	err = q.publishCh.PublishWithContext(ctx, "", q.name, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Consume opens a dedicated channel so concurrent consumers each hold at
// most one unacknowledged delivery.
func (q *AMQPQueue) Consume(ctx context.Context, handler Handler) error {
	ch, err := q.conn.Channel()
	if err != nil {
		return fmt.Errorf("queue: open channel: %w", err)
	}
	defer ch.Close()
	if err := declare(ch, q.name); err != nil {
		return err
	}
	if err := ch.Qos(1, 0, false); err != nil {
		return fmt.Errorf("queue: set prefetch: %w", err)
	}
	deliveries, err := ch.Consume(q.name, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue: consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("queue: delivery channel closed")
			}
			q.deliver(ctx, d, handler)
		}
	}
}

func (q *AMQPQueue) deliver(ctx context.Context, d amqp.Delivery, handler Handler) {
	task, err := DecodeTask(d.Body)
	if err != nil {
		q.logger.Error().Err(err).Msg("queue: dropping malformed task")
		if ackErr := d.Ack(false); ackErr != nil {
			q.logger.Error().Err(ackErr).Msg("queue: ack failed")
		}
		return
	}
	if err := handler(ctx, task); err != nil {
		q.logger.Warn().Err(err).Str("job_id", task.JobID).Msg("queue: handler failed, requeueing")
		if nackErr := d.Nack(false, true); nackErr != nil {
			q.logger.Error().Err(nackErr).Msg("queue: nack failed")
		}
		return
	}
	if err := d.Ack(false); err != nil {
		q.logger.Error().Err(err).Msg("queue: ack failed")
	}
}

// Close releases the publishing channel. The connection is owned by the
// caller.
func (q *AMQPQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.publishCh.Close()
}

var (
	_ Publisher = (*AMQPQueue)(nil)
	_ Consumer  = (*AMQPQueue)(nil)
)
