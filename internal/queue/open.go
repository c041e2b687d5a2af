package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"r2v/internal/infra"
)

// Queue is a broker both processes can talk to.
type Queue interface {
	Publisher
	Consumer
}

// Lease is the per-job mutual exclusion handed to the orchestrator.
type Lease interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key, token string) error
}

// Backend bundles the queue selected by QUEUE_DRIVER with the lease store
// that goes with it.
type Backend struct {
	Driver string
	Queue  Queue
	Lease  Lease
	// Redis is set for the redis driver so housekeeping can recover stale
	// deliveries.
	Redis *RedisQueue

	closers []func() error
}

// Open connects the configured driver. Redis backs the lease for both the
// redis and amqp drivers; the memory driver only works inside one process.
func Open(ctx context.Context, cfg *infra.Config, logger *infra.Logger) (*Backend, error) {
	b := &Backend{Driver: cfg.QueueDriver}
	switch cfg.QueueDriver {
	case "memory":
		b.Queue = NewMemoryQueue(1024, logger)
		b.Lease = NewMemoryLease(time.Now)
		return b, nil
	case "redis":
		client, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		b.closers = append(b.closers, client.Close)
		b.Redis = NewRedisQueue(client, cfg.QueueName, logger)
		b.Queue = b.Redis
		b.Lease = NewRedisLease(client)
		return b, nil
	case "amqp":
		conn, err := DialAMQP(cfg.AMQPURL)
		if err != nil {
			return nil, err
		}
		q, err := NewAMQPQueue(conn, cfg.QueueName, logger)
		if err != nil {
			_ = conn.Close()
			return nil, err
		}
		b.closers = append(b.closers, conn.Close, q.Close)
		b.Queue = q
		client, err := NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("queue: lease store: %w", err)
		}
		b.closers = append(b.closers, client.Close)
		b.Lease = NewRedisLease(client)
		return b, nil
	default:
		return nil, fmt.Errorf("queue: unknown driver %q", cfg.QueueDriver)
	}
}

// Close releases every connection opened by Open.
func (b *Backend) Close() error {
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}
