package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/redis/go-redis/v9"

	"github.com/hszk-dev/gostream/internal/infrastructure/postgres"
	"github.com/hszk-dev/gostream/internal/infrastructure/storage"
)

// HealthResponse reports the proxy's own status plus each backing
// dependency it needs to serve traffic (SPEC_FULL.md §12: "extended to
// report reachability of Redis, MinIO ..., and Postgres").
type HealthResponse struct {
	Status       string            `json:"status"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

const (
	depStatusOK      = "ok"
	depStatusError   = "error"
	depStatusSkipped = "not_configured"
)

// HealthChecker pings every infrastructure dependency the proxy depends
// on. Any field left nil is reported as not_configured rather than
// failing the whole check.
type HealthChecker struct {
	Redis       *redis.Client
	MinIO       *minio.Client
	AnyBucket   string // one bound bucket name, used to verify MinIO reachability
	Postgres    *postgres.Client
	PingTimeout time.Duration
}

// NewHealthChecker creates a HealthChecker. pingTimeout defaults to 3s
// when zero.
func NewHealthChecker(redisClient *redis.Client, minioClient *minio.Client, anyBucket string, pgClient *postgres.Client, pingTimeout time.Duration) *HealthChecker {
	if pingTimeout <= 0 {
		pingTimeout = 3 * time.Second
	}
	return &HealthChecker{Redis: redisClient, MinIO: minioClient, AnyBucket: anyBucket, Postgres: pgClient, PingTimeout: pingTimeout}
}

// ServeHTTP handles GET /healthz.
func (h *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.PingTimeout)
	defer cancel()

	deps := map[string]string{
		"redis":    h.pingRedis(ctx),
		"minio":    h.pingMinIO(ctx),
		"postgres": h.pingPostgres(ctx),
	}

	status := http.StatusOK
	for _, v := range deps {
		if v == depStatusError {
			status = http.StatusServiceUnavailable
			break
		}
	}

	JSON(w, status, HealthResponse{
		Status:       map[bool]string{true: "ok", false: "degraded"}[status == http.StatusOK],
		Dependencies: deps,
	})
}

func (h *HealthChecker) pingRedis(ctx context.Context) string {
	if h.Redis == nil {
		return depStatusSkipped
	}
	if err := h.Redis.Ping(ctx).Err(); err != nil {
		return depStatusError
	}
	return depStatusOK
}

func (h *HealthChecker) pingMinIO(ctx context.Context) string {
	if h.MinIO == nil {
		return depStatusSkipped
	}
	if err := storage.Ping(ctx, h.MinIO, h.AnyBucket); err != nil {
		return depStatusError
	}
	return depStatusOK
}

func (h *HealthChecker) pingPostgres(ctx context.Context) string {
	if h.Postgres == nil {
		return depStatusSkipped
	}
	if err := h.Postgres.Ping(ctx); err != nil {
		return depStatusError
	}
	return depStatusOK
}
