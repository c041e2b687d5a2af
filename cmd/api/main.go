package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"r2v/internal/adapter/repo"
	"r2v/internal/entitlement"
	"r2v/internal/http/handlers"
	httpapi "r2v/internal/http/httpapi"
	"r2v/internal/infra"
	"r2v/internal/infra/geoip"
	"r2v/internal/middleware"
	"r2v/internal/queue"
	"r2v/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, "api")

	ctx := context.Background()
	dbpool, err := infra.NewDBPool(ctx, cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect database")
	}
	defer dbpool.Close()

	if cfg.AutoMigrate {
		migrator, err := infra.NewMigrator(dbpool, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to prepare migrations")
		}
		if err := migrator.Up(ctx); err != nil {
			logger.Fatal().Err(err).Msg("failed to apply migrations")
		}
		_ = migrator.Close()
	}

	runner := infra.NewSQLRunner(dbpool, logger)

	gateway, err := storage.NewGateway(ctx, storage.GatewayOptions{
		EndpointURL:       cfg.S3EndpointURL,
		PublicEndpointURL: cfg.S3PublicEndpointURL,
		AccessKey:         cfg.S3AccessKey,
		SecretKey:         cfg.S3SecretKey,
		Region:            cfg.S3Region,
		Logger:            &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure object storage")
	}

	backend, err := queue.Open(ctx, cfg, &logger)
	if err != nil {
		logger.Fatal().Err(err).Str("driver", cfg.QueueDriver).Msg("failed to connect queue")
	}
	defer backend.Close()
	if backend.Driver == "memory" {
		logger.Warn().Msg("memory queue selected; jobs are only visible to this process")
	}

	var lookup middleware.CountryLookup
	resolver, err := geoip.Open(cfg.GeoIPDBPath)
	if err != nil {
		logger.Warn().Err(err).Msg("geoip disabled")
	} else if resolver.Enabled() {
		lookup = resolver.Country
		defer resolver.Close()
	}

	assets := repo.NewAssetRepository(runner)
	app := &handlers.App{
		Jobs:        repo.NewJobRepository(runner),
		Assets:      assets,
		Downloads:   assets,
		Entitlement: entitlement.NewChecker(repo.NewEntitlementRepository(runner)),
		Storage:     gateway,
		Queue:       backend.Queue,
		Buckets: handlers.Buckets{
			MarketModels: cfg.BucketMarketModels,
			MarketThumbs: cfg.BucketMarketThumbs,
			ScansRaw:     cfg.BucketScansRaw,
			JobOutputs:   cfg.BucketJobOutputs,
		},
		UploadExpiry:   cfg.UploadURLExpiry,
		DownloadExpiry: cfg.DownloadURLExpiry,
		DB:             dbpool,
		Logger:         logger,
	}

	router := httpapi.NewRouter(app, httpapi.Options{
		Auth: middleware.AuthConfig{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
		},
		AllowedOrigins:  cfg.AllowedOrigins,
		CountryLookup:   lookup,
		RateLimitPerMin: cfg.RateLimitPerMin,
		Logger:          logger,
	})

	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("API listening on :%s", cfg.Port)
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTPIdleTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
