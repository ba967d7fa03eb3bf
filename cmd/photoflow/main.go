package main

import (
	"context"
	"errors"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/wb-go/wbf/dbpg"
	"github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	imagehandler "github.com/gophoto/photoflow/internal/api/handlers/image"
	"github.com/gophoto/photoflow/internal/api/router"
	"github.com/gophoto/photoflow/internal/api/server"
	"github.com/gophoto/photoflow/internal/config"
	"github.com/gophoto/photoflow/internal/queue/kafka"
	"github.com/gophoto/photoflow/internal/repository"
	imagerepo "github.com/gophoto/photoflow/internal/repository/image"
	imagesvc "github.com/gophoto/photoflow/internal/service/image"
	"github.com/gophoto/photoflow/internal/storage/tier"
	"github.com/gophoto/photoflow/internal/variant"
	"github.com/gophoto/photoflow/internal/worker"
)

func main() {
	// Context & signals: used for graceful shutdown on system interrupts.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize logger and load application configuration.
	zlog.Init()
	cfg := config.MustLoad()

	// Connect to PostgreSQL (master and slaves).
	opts := &dbpg.Options{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	}

	slaveDSNs := make([]string, 0, len(cfg.Database.Slaves))
	for _, s := range cfg.Database.Slaves {
		slaveDSNs = append(slaveDSNs, s.DSN())
	}

	db, err := dbpg.New(cfg.Database.Master.DSN(), slaveDSNs, opts)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to database")
	}

	if err := repository.Migrate(db.Master); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Retry strategy for Kafka and other external calls.
	strategy := retry.Strategy{
		Attempts: cfg.Retry.Attempts,
		Delay:    cfg.Retry.Delay,
		Backoff:  cfg.Retry.Backoff,
	}

	// Storage tier router over the three tier buckets.
	blobs, err := tier.New(
		ctx,
		cfg.Storage.Endpoint, cfg.Storage.AccessKey, cfg.Storage.SecretKey, cfg.Storage.UseSSL,
		tier.Buckets{
			Cold: cfg.Storage.ColdBucket,
			Warm: cfg.Storage.WarmBucket,
			Hot:  cfg.Storage.HotBucket,
		},
	)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to connect to storage")
	}

	// Durable task queue over Kafka.
	q := kafka.New(cfg.Kafka.Brokers, cfg.Kafka.Topic, cfg.Kafka.GroupID, strategy)

	// Repository, engine, service, worker pool.
	repo := imagerepo.NewRepository(db)
	engine := variant.New(cfg.Processing.WatermarkText, cfg.Processing.WatermarkFont)
	service := imagesvc.NewService(repo, blobs, q, cfg.Processing.Variants, cfg.Storage.SignedURLTTL)

	pool := worker.NewPool(worker.Config{
		Workers:             cfg.Processing.Workers,
		MaxTaskAttempts:     cfg.Processing.MaxTaskAttempts,
		RequeueDelay:        cfg.Processing.RequeueDelay,
		RequeueBackoff:      cfg.Processing.RequeueBackoff,
		TaskTimeout:         cfg.Processing.TaskTimeout,
		MaxParallelVariants: cfg.Processing.MaxParallelVariants,
	}, q, repo, blobs, engine, cfg.Processing.Variants)

	var wg sync.WaitGroup
	pool.Run(ctx, &wg)

	// HTTP API.
	h := imagehandler.NewHandler(service)
	r := router.Setup(h)
	s := server.New(cfg.Server.HTTPPort, r)
	go func() {
		if err := s.ListenAndServe(); err != nil {
			zlog.Logger.Fatal().Err(err).Msg("failed to start server")
		}
	}()

	// Block until context is canceled (SIGINT/SIGTERM).
	<-ctx.Done()
	zlog.Logger.Info().Msg("context done")

	// Wait for workers to finish their current tasks.
	wg.Wait()

	// Graceful shutdown with timeout for HTTP server.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	zlog.Logger.Info().Msg("shutting down server")
	if err := s.Shutdown(shutdownCtx); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to shutdown server")
	}
	if errors.Is(shutdownCtx.Err(), context.DeadlineExceeded) {
		zlog.Logger.Info().Msg("timeout exceeded, forcing shutdown")
	}

	// Close master and slave databases.
	if err := db.Master.Close(); err != nil {
		zlog.Logger.Printf("failed to close master DB: %v", err)
	}
	for i, slave := range db.Slaves {
		if err := slave.Close(); err != nil {
			zlog.Logger.Printf("failed to close slave DB %d: %v", i, err)
		}
	}

	// Close Kafka producer and consumer clients.
	if err := q.Close(); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to close kafka queue")
	}
}
