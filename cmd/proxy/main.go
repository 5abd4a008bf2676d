package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hszk-dev/gostream/internal/api/handler"
	"github.com/hszk-dev/gostream/internal/api/middleware"
	"github.com/hszk-dev/gostream/internal/bgworker"
	"github.com/hszk-dev/gostream/internal/config"
	"github.com/hszk-dev/gostream/internal/domain/repository"
	"github.com/hszk-dev/gostream/internal/fallback"
	"github.com/hszk-dev/gostream/internal/infrastructure/postgres"
	"github.com/hszk-dev/gostream/internal/infrastructure/queue"
	"github.com/hszk-dev/gostream/internal/infrastructure/redisclient"
	"github.com/hszk-dev/gostream/internal/infrastructure/storage"
	"github.com/hszk-dev/gostream/internal/kvcache"
	"github.com/hszk-dev/gostream/internal/origin"
	"github.com/hszk-dev/gostream/internal/presigncache"
	"github.com/hszk-dev/gostream/internal/signer"
	"github.com/hszk-dev/gostream/internal/storagefetch"
	"github.com/hszk-dev/gostream/internal/transform"
	"github.com/hszk-dev/gostream/internal/usecase"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// Configuration Store (C1): the video.origins/cache/logging/debug
	// document, distinct from the envconfig-driven process settings above.
	docBytes, err := os.ReadFile(cfg.Server.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to read config document %s: %w", cfg.Server.ConfigPath, err)
	}
	store := config.NewStore()
	if _, err := store.Load(docBytes, 1); err != nil {
		return fmt.Errorf("failed to load config document: %w", err)
	}
	logger.Info("configuration loaded", slog.String("path", cfg.Server.ConfigPath))

	pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pgClient.Close()
	logger.Info("connected to PostgreSQL")
	auditLog := postgres.NewAuditRepository(pgClient.Pool())

	minioClient, bucketRegistry, err := storage.Connect(ctx, storage.ClientConfig{
		Endpoint:  cfg.MinIO.Endpoint,
		AccessKey: cfg.MinIO.AccessKey,
		SecretKey: cfg.MinIO.SecretKey,
		UseSSL:    cfg.MinIO.UseSSL,
		Buckets:   cfg.MinIO.Buckets,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to MinIO: %w", err)
	}
	logger.Info("connected to MinIO", slog.Int("bound_buckets", len(cfg.MinIO.Buckets)))
	var anyBucket string
	for _, bucket := range cfg.MinIO.Buckets {
		anyBucket = bucket
		break
	}

	queueClient, err := queue.NewClient(ctx, queue.DefaultClientConfig(cfg.RabbitMQ.URL()))
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer queueClient.Close()
	logger.Info("connected to RabbitMQ")

	rdb, err := redisclient.New(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	defer rdb.Close()
	logger.Info("connected to Redis")

	bg := bgworker.New(0, 0, logger)

	presigns := presigncache.New(rdb, nil)
	sign := signer.New(nil, nil)
	fetcher := &storagefetch.Fetcher{
		Buckets:      bucketRegistry,
		HTTPClient:   http.DefaultClient,
		Signer:       sign,
		Presigner:    sign,
		PresignGet:   presigns,
		PresignStore: presigns,
		Background:   bg,
	}

	resolver := origin.New(bucketRegistry)
	resultCache := kvcache.New(rdb, bg, nil, 0)
	invoker := transform.New(http.DefaultClient, store.Snapshot().Doc.Video.CDNBasePath)
	fb := fallback.New(http.DefaultClient, sign, bg, resultCache)

	svc := usecase.New(store, resolver, fetcher, resultCache, invoker, fb, bg, nil, logger)

	// Every instance subscribes to cache-version invalidations broadcast
	// by any instance that applies a Configuration Store Update (spec.md
	// §5). This does not reload the document itself — only the admin
	// Update path mutates a Store's live document; here we merely note
	// the broadcast reason for operational visibility.
	go func() {
		err := queueClient.ConsumeInvalidations(ctx, func(msg repository.InvalidationMessage) error {
			logger.Info("received cache invalidation",
				slog.Int("cache_version", msg.CacheVersion),
				slog.String("reason", msg.Reason),
			)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			logger.Error("invalidation consumer stopped", slog.String("error", err.Error()))
		}
	}()

	transformHandler := handler.NewTransformHandler(svc)
	healthChecker := handler.NewHealthChecker(rdb, minioClient, anyBucket, pgClient, 3*time.Second)
	adminHandler := handler.NewAdminHandler(store, resultCache)
	adminHandler.AuditLog = auditLog
	adminHandler.Publisher = queueClient

	r := setupRouter(logger, transformHandler, healthChecker, adminHandler)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", slog.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("server error: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down server", slog.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}

	bg.Wait()
	logger.Info("server stopped")
	return nil
}

func setupRouter(logger *slog.Logger, transformHandler *handler.TransformHandler, health *handler.HealthChecker, admin *handler.AdminHandler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recoverer(logger))

	r.Get("/healthz", health.ServeHTTP)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/admin/cache/variants", admin.ListCacheVariants)
	r.Post("/admin/config/update", admin.UpdateConfig)

	r.Get("/*", transformHandler.ServeHTTP)
	r.Head("/*", transformHandler.ServeHTTP)

	return r
}
