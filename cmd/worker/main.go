package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"r2v/internal/adapter/repo"
	"r2v/internal/infra"
	"r2v/internal/pipeline"
	"r2v/internal/providers/imagesynth"
	"r2v/internal/providers/modal"
	"r2v/internal/queue"
	"r2v/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "worker")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: db connection failed")
	}
	defer pool.Close()

	runner := infra.NewSQLRunner(pool, logger)

	gateway, err := storage.NewGateway(ctx, storage.GatewayOptions{
		EndpointURL:       cfg.S3EndpointURL,
		PublicEndpointURL: cfg.S3PublicEndpointURL,
		AccessKey:         cfg.S3AccessKey,
		SecretKey:         cfg.S3SecretKey,
		Region:            cfg.S3Region,
		Logger:            &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure object storage")
	}

	scratch, err := storage.NewScratchRoot(cfg.ScratchDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to configure scratch space")
	}

	backend, err := queue.Open(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.QueueDriver).Msg("worker: queue connection failed")
	}
	defer backend.Close()

	models := modal.NewClient(modal.Options{
		BaseURL:         cfg.ModalAPIURL,
		ImageTo3DPath:   cfg.ModalImageTo3DPath,
		PromptTo3DPath:  cfg.ModalPromptTo3DPath,
		ReconstructPath: cfg.ModalReconstructPath,
		Logger:          &logger,
		RequestTimeout:  cfg.ModalTimeout,
		FetchAttempts:   cfg.ModalFetchAttempts,
		FetchBackoff:    cfg.ModalFetchBackoff,
	})
	if !models.Configured() {
		logger.Warn().Msg("worker: MODAL_API_URL missing, model stages will fail")
	}
	images := imagesynth.NewClient(imagesynth.Options{
		BaseURL:        cfg.ImageAPIURL,
		Logger:         &logger,
		RequestTimeout: cfg.ImageTimeout,
	})

	orchestrator := pipeline.NewOrchestrator(pipeline.Config{
		BucketScansRaw:   cfg.BucketScansRaw,
		BucketJobOutputs: cfg.BucketJobOutputs,
		MaxUploadBytes:   cfg.MaxUploadBytes,
		ImageMaxEdge:     cfg.ImageMaxEdge,
		LeaseTTL:         cfg.LeaseTTL,
	}, pipeline.Deps{
		Jobs:          repo.NewJobRepository(runner),
		Objects:       gateway,
		Scratch:       scratch,
		Lease:         backend.Lease,
		Images:        images,
		Models:        models,
		Reconstructor: models,
		Repairer:      pipeline.IdentityRepairer{},
		Logger:        &logger,
	})

	var recoverer staleRecoverer
	if backend.Redis != nil {
		recoverer = backend.Redis
	}
	scheduler, err := housekeeping(ctx, logger, scratch, cfg.ScratchMaxAge, recoverer, recoveryAfter(cfg.LeaseTTL))
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: failed to schedule housekeeping")
	}
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	worker := &jobWorker{
		consumer:    backend.Queue,
		runner:      orchestrator,
		logger:      logger,
		concurrency: cfg.WorkerCount,
	}
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker: stopped with error")
		return
	}
	logger.Info().Msg("worker: stopped")
}
