// Package redisclient constructs the shared go-redis client used by the
// Presigned-URL Cache (C4) and the KV Result Cache (C6) — both are, per
// SPEC_FULL.md §11, just different key namespaces against one Redis
// instance, grounded in the teacher's internal/infrastructure/cache
// client-construction style.
package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Config mirrors the teacher's flat env-driven connection settings.
type Config struct {
	Addr     string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

// New dials a *redis.Client and verifies connectivity with PING.
func New(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redisclient: ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}
