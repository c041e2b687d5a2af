package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"r2v/internal/domain"
	"r2v/internal/infra"
	"r2v/internal/queue"
)

// jobRunner is the orchestrator surface the worker drives.
type jobRunner interface {
	Run(ctx context.Context, kind domain.JobKind, jobID string) error
}

const defaultHeldRetryDelay = 5 * time.Second

type jobWorker struct {
	consumer    queue.Consumer
	runner      jobRunner
	logger      infra.Logger
	concurrency int
	// heldRetryDelay is how long a delivery whose lease is held waits before
	// going back on the queue.
	heldRetryDelay time.Duration
}

// Run starts concurrency consumers and blocks until ctx is cancelled and all
// of them have returned.
func (w *jobWorker) Run(ctx context.Context) error {
	n := w.concurrency
	if n <= 0 {
		n = 1
	}
	w.logger.Info().Int("concurrency", n).Msg("worker: started")

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			err := w.consumer.Consume(ctx, w.handle)
			if err == nil || errors.Is(err, context.Canceled) {
				return
			}
			w.logger.Error().Err(err).Int("slot", slot).Msg("worker: consumer stopped")
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	return firstErr
}

// handle maps a run outcome onto the delivery. A held lease may belong to a
// crashed worker whose lease has not expired yet, so the delivery is requeued
// after a pause; once the job settles the retry is dropped by the runner. A
// lease lost mid-run is acked because the new holder owns the job.
func (w *jobWorker) handle(ctx context.Context, task queue.Task) error {
	logger := w.logger.With().Str("kind", string(task.Kind)).Str("job_id", task.JobID).Logger()
	logger.Info().Msg("worker: picked job")
	start := time.Now()

	err := w.runner.Run(ctx, task.Kind, task.JobID)
	switch {
	case err == nil:
		logger.Info().Dur("took", time.Since(start)).Msg("worker: job settled")
		return nil
	case errors.Is(err, domain.ErrLeaseHeld):
		logger.Info().Dur("retry_in", w.retryDelay()).Msg("worker: lease held, requeueing later")
		if pauseErr := pause(ctx, w.retryDelay()); pauseErr != nil {
			return pauseErr
		}
		return err
	case errors.Is(err, domain.ErrLeaseLost):
		logger.Warn().Msg("worker: lease lost, leaving job to its holder")
		return nil
	case errors.Is(err, domain.ErrInvalidInput):
		logger.Error().Err(err).Msg("worker: dropping malformed task")
		return nil
	default:
		logger.Error().Err(err).Msg("worker: job not settled, requeueing")
		return err
	}
}

func (w *jobWorker) retryDelay() time.Duration {
	if w.heldRetryDelay > 0 {
		return w.heldRetryDelay
	}
	return defaultHeldRetryDelay
}

func pause(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// recoveryAfter is the claim age after which an unacked delivery counts as
// abandoned. It outlives the lease so a crashed holder's lease has expired
// before the delivery is handed out again.
func recoveryAfter(leaseTTL time.Duration) time.Duration {
	return leaseTTL + leaseTTL/2
}

// sweeper removes stale scratch workspaces.
type sweeper interface {
	Sweep(maxAge time.Duration, now time.Time) (int, error)
}

// staleRecoverer moves abandoned deliveries back onto the queue.
type staleRecoverer interface {
	RecoverStale(ctx context.Context, maxAge time.Duration) (int, error)
}

// housekeeping schedules periodic cleanup on a cron. recoverer may be nil for
// brokers that redeliver on their own.
func housekeeping(ctx context.Context, logger infra.Logger, scratch sweeper, scratchMaxAge time.Duration, recoverer staleRecoverer, staleAfter time.Duration) (*cron.Cron, error) {
	c := cron.New()
	if _, err := c.AddFunc("@every 10m", func() {
		removed, err := scratch.Sweep(scratchMaxAge, time.Now())
		if err != nil {
			logger.Warn().Err(err).Msg("worker: scratch sweep")
		}
		if removed > 0 {
			logger.Info().Int("removed", removed).Msg("worker: swept stale scratch")
		}
	}); err != nil {
		return nil, err
	}
	if recoverer != nil {
		if _, err := c.AddFunc("@every 1m", func() {
			moved, err := recoverer.RecoverStale(ctx, staleAfter)
			if err != nil {
				logger.Warn().Err(err).Msg("worker: recover stale deliveries")
				return
			}
			if moved > 0 {
				logger.Warn().Int("moved", moved).Msg("worker: requeued abandoned deliveries")
			}
		}); err != nil {
			return nil, err
		}
	}
	return c, nil
}
