package queue

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"r2v/internal/domain"
	"r2v/internal/infra"
)

const (
	defaultBlockTimeout = 5 * time.Second
	redisErrorBackoff   = time.Second
	ackTimeout          = 5 * time.Second
)

// RedisQueue is a reliable list queue: BRPOPLPUSH moves each task into a
// processing list and LREM removes it on ack, so a crashed consumer leaves
// its task behind for RecoverStale.
type RedisQueue struct {
	client       *redis.Client
	pending      string
	processing   string
	claims       string
	blockTimeout time.Duration
	logger       *infra.Logger
}

// NewRedisQueue wires a queue named name onto client.
func NewRedisQueue(client *redis.Client, name string, logger *infra.Logger) *RedisQueue {
	if logger == nil {
		discard := zerolog.New(io.Discard)
		logger = &discard
	}
	return &RedisQueue{
		client:       client,
		pending:      name + ":pending",
		processing:   name + ":processing",
		claims:       name + ":claims",
		blockTimeout: defaultBlockTimeout,
		logger:       logger,
	}
}

// NewRedisClient parses a redis:// URL and pings the server.
func NewRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("queue: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("queue: ping redis: %w", err)
	}
	return client, nil
}

func (q *RedisQueue) Publish(ctx context.Context, task Task) error {
	raw, err := task.Encode()
	if err != nil {
		return err
	}
	if err := q.client.LPush(ctx, q.pending, raw).Err(); err != nil {
		return fmt.Errorf("queue: lpush: %w", err)
	}
	return nil
}

func (q *RedisQueue) Consume(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		raw, err := q.client.BRPopLPush(ctx, q.pending, q.processing, q.blockTimeout).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Error().Err(err).Msg("queue: brpoplpush failed")
			if sleepErr := sleep(ctx, redisErrorBackoff); sleepErr != nil {
				return nil
			}
			continue
		}
		q.deliver(ctx, raw, handler)
	}
	return nil
}

func (q *RedisQueue) deliver(ctx context.Context, raw string, handler Handler) {
	q.detached(ctx, func(c context.Context) {
		q.client.HSet(c, q.claims, raw, claimStamp(time.Now()))
	})

	task, err := DecodeTask([]byte(raw))
	if err != nil {
		q.logger.Error().Err(err).Str("payload", raw).Msg("queue: dropping malformed task")
		q.detached(ctx, func(c context.Context) { q.ack(c, raw) })
		return
	}
	if err := handler(ctx, task); err != nil {
		q.logger.Warn().Err(err).Str("job_id", task.JobID).Msg("queue: handler failed, requeueing")
		q.detached(ctx, func(c context.Context) { q.requeue(c, raw) })
		return
	}
	q.detached(ctx, func(c context.Context) { q.ack(c, raw) })
}

// detached runs fn with a short deadline that survives shutdown of ctx, so
// an in-flight task is still settled.
func (q *RedisQueue) detached(ctx context.Context, fn func(context.Context)) {
	c, cancel := context.WithTimeout(context.WithoutCancel(ctx), ackTimeout)
	defer cancel()
	fn(c)
}

func (q *RedisQueue) ack(ctx context.Context, raw string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, raw)
		pipe.HDel(ctx, q.claims, raw)
		return nil
	})
	if err != nil {
		q.logger.Error().Err(err).Msg("queue: ack failed")
	}
}

func (q *RedisQueue) requeue(ctx context.Context, raw string) {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processing, 1, raw)
		pipe.HDel(ctx, q.claims, raw)
		pipe.RPush(ctx, q.pending, raw)
		return nil
	})
	if err != nil {
		q.logger.Error().Err(err).Msg("queue: requeue failed")
	}
}

// RecoverStale moves processing entries claimed longer than maxAge ago back
// to the pending list. Entries without a claim timestamp are stamped now and
// left alone, as are entries whose job lease is still held: their claim is
// refreshed so the holder is not raced.
func (q *RedisQueue) RecoverStale(ctx context.Context, maxAge time.Duration) (int, error) {
	entries, err := q.client.LRange(ctx, q.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: list processing: %w", err)
	}
	now := time.Now()
	recovered := 0
	for _, raw := range entries {
		claimed, err := q.client.HGet(ctx, q.claims, raw).Int64()
		if errors.Is(err, redis.Nil) {
			q.client.HSetNX(ctx, q.claims, raw, claimStamp(now))
			continue
		}
		if err != nil {
			return recovered, fmt.Errorf("queue: read claim: %w", err)
		}
		if now.Sub(claimTime(claimed)) < maxAge {
			continue
		}
		if task, err := DecodeTask([]byte(raw)); err == nil {
			held, err := q.client.Exists(ctx, domain.LeaseKey(task.Kind, task.JobID)).Result()
			if err != nil {
				return recovered, fmt.Errorf("queue: check lease: %w", err)
			}
			if held > 0 {
				q.client.HSet(ctx, q.claims, raw, claimStamp(now))
				continue
			}
		}
		q.requeue(ctx, raw)
		recovered++
	}
	return recovered, nil
}

// Claims are stamped in unix milliseconds.
func claimStamp(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// claimTime also reads stamps written in whole seconds by older workers.
func claimTime(stamp int64) time.Time {
	if stamp < 1e12 {
		return time.Unix(stamp, 0)
	}
	return time.UnixMilli(stamp)
}

// Depth reports pending and in-flight counts.
func (q *RedisQueue) Depth(ctx context.Context) (pending, processing int64, err error) {
	if pending, err = q.client.LLen(ctx, q.pending).Result(); err != nil {
		return 0, 0, err
	}
	if processing, err = q.client.LLen(ctx, q.processing).Result(); err != nil {
		return 0, 0, err
	}
	return pending, processing, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var (
	_ Publisher = (*RedisQueue)(nil)
	_ Consumer  = (*RedisQueue)(nil)
)
