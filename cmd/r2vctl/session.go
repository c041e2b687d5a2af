package main

import (
	"context"
	"fmt"

	"r2v/internal/adapter/repo"
	"r2v/internal/domain"
	"r2v/internal/infra"
	"r2v/internal/queue"
)

// migrator is the goose surface used by the migrate commands.
type migrator interface {
	Up(ctx context.Context) error
	Down(ctx context.Context) error
	Status(ctx context.Context) error
	Version(ctx context.Context) (int64, error)
}

type subscriptionGranter interface {
	GrantSubscription(ctx context.Context, userID, status string) error
}

// session holds the connections one command needs. Queue connects lazily
// because only requeue publishes.
type session struct {
	cfg       *infra.Config
	jobs      domain.JobRepository
	grants    subscriptionGranter
	migrator  migrator
	publisher func(ctx context.Context) (queue.Publisher, error)
	close     func()
}

func openSession(ctx context.Context) (*session, error) {
	cfg, err := infra.LoadConfig()
	if err != nil {
		return nil, err
	}
	logger := infra.NewLogger(cfg.AppEnv, "r2vctl")
	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	m, err := infra.NewMigrator(pool, logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	runner := infra.NewSQLRunner(pool, logger)

	var backend *queue.Backend
	s := &session{
		cfg:      cfg,
		jobs:     repo.NewJobRepository(runner),
		grants:   repo.NewEntitlementRepository(runner),
		migrator: m,
	}
	s.publisher = func(ctx context.Context) (queue.Publisher, error) {
		if backend == nil {
			b, err := queue.Open(ctx, cfg, &logger)
			if err != nil {
				return nil, fmt.Errorf("open queue: %w", err)
			}
			backend = b
		}
		return backend.Queue, nil
	}
	s.close = func() {
		if backend != nil {
			_ = backend.Close()
		}
		_ = m.Close()
		pool.Close()
	}
	return s, nil
}
