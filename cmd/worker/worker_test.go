package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"r2v/internal/domain"
	"r2v/internal/queue"
)

type stubRunner struct {
	mu    sync.Mutex
	err   error
	calls []string
}

func (s *stubRunner) Run(ctx context.Context, kind domain.JobKind, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, string(kind)+"/"+jobID)
	return s.err
}

func TestHandleMapsOutcomes(t *testing.T) {
	cases := []struct {
		name    string
		err     error
		requeue bool
	}{
		{name: "settled", err: nil},
		{name: "lease held", err: fmt.Errorf("run: %w", domain.ErrLeaseHeld), requeue: true},
		{name: "lease lost", err: domain.ErrLeaseLost},
		{name: "bad kind", err: fmt.Errorf("%w: unknown job kind", domain.ErrInvalidInput)},
		{name: "store down", err: errors.New("worker: load job: connection refused"), requeue: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := &jobWorker{runner: &stubRunner{err: tc.err}, logger: zerolog.Nop(), heldRetryDelay: time.Millisecond}
			err := w.handle(context.Background(), queue.Task{Kind: domain.JobKindAI, JobID: "j1"})
			if (err != nil) != tc.requeue {
				t.Fatalf("handle error = %v, requeue want %v", err, tc.requeue)
			}
		})
	}
}

func TestHeldLeaseWaitsBeforeRequeue(t *testing.T) {
	w := &jobWorker{runner: &stubRunner{err: domain.ErrLeaseHeld}, logger: zerolog.Nop(), heldRetryDelay: 30 * time.Millisecond}
	start := time.Now()
	err := w.handle(context.Background(), queue.Task{Kind: domain.JobKindAI, JobID: "j1"})
	if !errors.Is(err, domain.ErrLeaseHeld) {
		t.Fatalf("err = %v, want ErrLeaseHeld so the delivery is requeued", err)
	}
	if waited := time.Since(start); waited < 30*time.Millisecond {
		t.Fatalf("requeued after %s, want a pause", waited)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.heldRetryDelay = time.Hour
	if err := w.handle(ctx, queue.Task{Kind: domain.JobKindAI, JobID: "j1"}); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want shutdown to cut the pause short", err)
	}
}

func TestRecoveryOutlivesLease(t *testing.T) {
	ttl := 30 * time.Minute
	if got := recoveryAfter(ttl); got != 45*time.Minute {
		t.Fatalf("recoveryAfter = %s, want 45m", got)
	}
}

func TestRunDrainsMemoryQueueWithSeveralConsumers(t *testing.T) {
	q := queue.NewMemoryQueue(16, nil)
	runner := &stubRunner{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 5; i++ {
		if err := q.Publish(ctx, queue.Task{Kind: domain.JobKindScan, JobID: fmt.Sprintf("j%d", i)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	done := make(chan error, 1)
	w := &jobWorker{consumer: q, runner: runner, logger: zerolog.Nop(), concurrency: 3}
	go func() { done <- w.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		runner.mu.Lock()
		n := len(runner.calls)
		runner.mu.Unlock()
		if n == 5 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d jobs handled", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}

type countingSweeper struct {
	mu    sync.Mutex
	calls int
}

func (c *countingSweeper) Sweep(maxAge time.Duration, now time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return 0, nil
}

type countingRecoverer struct{}

func (countingRecoverer) RecoverStale(ctx context.Context, maxAge time.Duration) (int, error) {
	return 0, nil
}

func TestHousekeepingSchedulesJobs(t *testing.T) {
	c, err := housekeeping(context.Background(), zerolog.Nop(), &countingSweeper{}, time.Hour, countingRecoverer{}, time.Minute)
	if err != nil {
		t.Fatalf("housekeeping: %v", err)
	}
	if got := len(c.Entries()); got != 2 {
		t.Fatalf("entries = %d, want 2", got)
	}

	c, err = housekeeping(context.Background(), zerolog.Nop(), &countingSweeper{}, time.Hour, nil, time.Minute)
	if err != nil {
		t.Fatalf("housekeeping: %v", err)
	}
	if got := len(c.Entries()); got != 1 {
		t.Fatalf("entries = %d, want 1", got)
	}
}
