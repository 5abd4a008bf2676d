package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/hszk-dev/gostream/internal/config"
	"github.com/hszk-dev/gostream/internal/domain/repository"
	"github.com/hszk-dev/gostream/internal/infrastructure/postgres"
	"github.com/hszk-dev/gostream/internal/infrastructure/queue"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// run consumes the cache-invalidation fanout (spec.md §5) as a standalone
// process, separate from the proxy's own in-process consumer, so an
// operator can watch invalidation traffic (and keep the audit trail
// current) without a live edge instance. It carries no transcoding
// responsibility: that workload does not exist in this system — every
// transformation happens synchronously in the request path via the
// Transform Invoker (C7).
func run() error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	pgClient, err := postgres.NewClient(ctx, postgres.DefaultClientConfig(cfg.Database.DSN()))
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	defer pgClient.Close()
	logger.Info("connected to PostgreSQL")
	auditLog := postgres.NewAuditRepository(pgClient.Pool())

	queueClient, err := queue.NewClient(ctx, queue.DefaultClientConfig(cfg.RabbitMQ.URL()))
	if err != nil {
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	defer queueClient.Close()
	logger.Info("connected to RabbitMQ")

	var processed atomic.Int64

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting worker, consuming cache invalidations")
		err := queueClient.ConsumeInvalidations(ctx, func(msg repository.InvalidationMessage) error {
			processed.Add(1)
			logger.Info("invalidation received",
				slog.Int("cache_version", msg.CacheVersion),
				slog.String("reason", msg.Reason),
				slog.Time("issued_at", msg.IssuedAt),
			)

			entry, err := auditLog.GetByVersion(ctx, msg.CacheVersion)
			if err != nil {
				logger.Warn("no audit entry for invalidated cache version",
					slog.Int("cache_version", msg.CacheVersion),
					slog.String("error", err.Error()),
				)
				return nil
			}
			logger.Info("invalidation matches recorded config change",
				slog.Int("cache_version", msg.CacheVersion),
				slog.String("summary", entry.Summary),
				slog.String("actor", entry.Actor),
			)
			return nil
		})
		if err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("consumer error: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case sig := <-quit:
		logger.Info("shutting down worker", slog.String("signal", sig.String()))
	}

	cancel()
	logger.Info("worker stopped", slog.Int64("invalidations_processed", processed.Load()))
	return nil
}
