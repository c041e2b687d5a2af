package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"r2v/internal/domain"
)

func TestTaskRoundTripAndValidation(t *testing.T) {
	raw, err := Task{Kind: domain.JobKindScan, JobID: "j1"}.Encode()
	if err != nil {
		t.Fatalf("Encode returned error: %v", err)
	}
	if string(raw) != `{"kind":"scan","job_id":"j1"}` {
		t.Fatalf("envelope = %s", raw)
	}
	task, err := DecodeTask(raw)
	if err != nil || task.Kind != domain.JobKindScan || task.JobID != "j1" {
		t.Fatalf("DecodeTask = %+v, %v", task, err)
	}

	for _, bad := range []string{`{"kind":"video","job_id":"j1"}`, `{"kind":"ai","job_id":" "}`, `not json`} {
		if _, err := DecodeTask([]byte(bad)); err == nil {
			t.Fatalf("DecodeTask(%s) expected error", bad)
		}
	}
}

func TestMemoryQueueDeliversAndRequeuesOnError(t *testing.T) {
	q := NewMemoryQueue(4, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := q.Publish(ctx, Task{Kind: domain.JobKindAI, JobID: "j1"}); err != nil {
		t.Fatalf("Publish returned error: %v", err)
	}
	if err := q.Publish(ctx, Task{Kind: "nope", JobID: "j2"}); err == nil {
		t.Fatalf("expected invalid task to be rejected")
	}

	var (
		mu       sync.Mutex
		attempts int
		done     = make(chan struct{})
	)
	go func() {
		_ = q.Consume(ctx, func(ctx context.Context, task Task) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return errors.New("db unavailable")
			}
			close(done)
			return nil
		})
	}()

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("task was not redelivered")
	}
	mu.Lock()
	defer mu.Unlock()
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
	if q.Len() != 0 {
		t.Fatalf("queue should be drained, len=%d", q.Len())
	}
}

func TestMemoryQueueStopsOnCancel(t *testing.T) {
	q := NewMemoryQueue(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- q.Consume(ctx, func(context.Context, Task) error { return nil }) }()
	cancel()
	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("Consume returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Consume did not stop")
	}
}

func TestMemoryLeaseExclusionAndExpiry(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lease := NewMemoryLease(func() time.Time { return now })
	ctx := context.Background()

	token, ok, err := lease.Acquire(ctx, "r2v:lease:ai:j1", time.Minute)
	if err != nil || !ok || token == "" {
		t.Fatalf("first acquire = %q %v %v", token, ok, err)
	}
	if _, ok, _ := lease.Acquire(ctx, "r2v:lease:ai:j1", time.Minute); ok {
		t.Fatalf("second acquire should fail while held")
	}
	if _, ok, _ := lease.Acquire(ctx, "r2v:lease:scan:j1", time.Minute); !ok {
		t.Fatalf("different kind must not conflict")
	}

	now = now.Add(2 * time.Minute)
	other, ok, _ := lease.Acquire(ctx, "r2v:lease:ai:j1", time.Minute)
	if !ok {
		t.Fatalf("expired lease should be re-acquirable")
	}
	// A stale holder releasing with its old token must not drop the new lease.
	_ = lease.Release(ctx, "r2v:lease:ai:j1", token)
	if _, ok, _ := lease.Acquire(ctx, "r2v:lease:ai:j1", time.Minute); ok {
		t.Fatalf("release with stale token dropped the new lease")
	}
	_ = lease.Release(ctx, "r2v:lease:ai:j1", other)
	if _, ok, _ := lease.Acquire(ctx, "r2v:lease:ai:j1", time.Minute); !ok {
		t.Fatalf("lease should be free after release")
	}
}

func TestMemoryLeaseExtend(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	lease := NewMemoryLease(func() time.Time { return now })
	ctx := context.Background()

	token, _, _ := lease.Acquire(ctx, "r2v:lease:ai:j1", time.Minute)
	now = now.Add(50 * time.Second)
	if ok, _ := lease.Extend(ctx, "r2v:lease:ai:j1", token, time.Minute); !ok {
		t.Fatalf("holder could not extend")
	}
	now = now.Add(50 * time.Second)
	if _, ok, _ := lease.Acquire(ctx, "r2v:lease:ai:j1", time.Minute); ok {
		t.Fatalf("extended lease expired on the original deadline")
	}
	if ok, _ := lease.Extend(ctx, "r2v:lease:ai:j1", "other", time.Minute); ok {
		t.Fatalf("foreign token extended the lease")
	}
	now = now.Add(2 * time.Minute)
	if ok, _ := lease.Extend(ctx, "r2v:lease:ai:j1", token, time.Minute); ok {
		t.Fatalf("expired lease was extended")
	}
}
