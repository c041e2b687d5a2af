package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// releaseScript deletes the key only while it still holds our token, so an
// expired lease re-acquired by another worker is left alone.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// extendScript pushes the expiry out only while the key still holds our
// token.
var extendScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0
`)

// RedisLease implements per-job mutual exclusion with SET NX PX.
type RedisLease struct {
	client *redis.Client
}

func NewRedisLease(client *redis.Client) *RedisLease {
	return &RedisLease{client: client}
}

func (l *RedisLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return "", false, fmt.Errorf("lease: setnx %s: %w", key, err)
	}
	if !ok {
		return "", false, nil
	}
	return token, true, nil
}

// Extend renews a held lease for ttl. It reports false once the lease has
// expired or belongs to another token.
func (l *RedisLease) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	n, err := extendScript.Run(ctx, l.client, []string{key}, token, ttl.Milliseconds()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, fmt.Errorf("lease: extend %s: %w", key, err)
	}
	return n == 1, nil
}

func (l *RedisLease) Release(ctx context.Context, key, token string) error {
	if err := releaseScript.Run(ctx, l.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("lease: release %s: %w", key, err)
	}
	return nil
}

// MemoryLease is the in-process equivalent used in tests and single-process
// deployments.
type MemoryLease struct {
	mu     sync.Mutex
	leases map[string]memoryLeaseEntry
	now    func() time.Time
}

type memoryLeaseEntry struct {
	token   string
	expires time.Time
}

func NewMemoryLease(now func() time.Time) *MemoryLease {
	if now == nil {
		now = time.Now
	}
	return &MemoryLease{leases: map[string]memoryLeaseEntry{}, now: now}
}

func (l *MemoryLease) Acquire(ctx context.Context, key string, ttl time.Duration) (string, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if entry, ok := l.leases[key]; ok && now.Before(entry.expires) {
		return "", false, nil
	}
	token := uuid.NewString()
	l.leases[key] = memoryLeaseEntry{token: token, expires: now.Add(ttl)}
	return token, true, nil
}

func (l *MemoryLease) Extend(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	entry, ok := l.leases[key]
	if !ok || entry.token != token || !now.Before(entry.expires) {
		return false, nil
	}
	entry.expires = now.Add(ttl)
	l.leases[key] = entry
	return true, nil
}

func (l *MemoryLease) Release(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if entry, ok := l.leases[key]; ok && entry.token == token {
		delete(l.leases, key)
	}
	return nil
}
