// Package bgworker implements the Background Worker Gate (C9, spec.md
// §4.9): a bounded in-process goroutine pool that lets hot-path callers
// hand off non-blocking work (cache writes, presigned-URL refreshes,
// revalidation) without extending observable request latency.
package bgworker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hszk-dev/gostream/internal/infrastructure/metrics"
)

// Gate is the Spawn(fn) bool contract consumed by kvcache, storagefetch,
// and presigncache. One Gate is shared across requests; each Spawn call
// derives its own cancellation token so a caller's work outlives the
// request that triggered it, but never indefinitely.
type Gate struct {
	sem         chan struct{}
	wg          sync.WaitGroup
	maxDuration time.Duration
	logger      *slog.Logger
}

// New creates a Gate with maxConcurrent in-flight background tasks.
// maxDuration bounds how long any single spawned fn may run; it defaults
// to 30s (spec.md §5's per-attempt fetch timeout) when zero.
func New(maxConcurrent int, maxDuration time.Duration, logger *slog.Logger) *Gate {
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}
	if maxDuration <= 0 {
		maxDuration = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		sem:         make(chan struct{}, maxConcurrent),
		maxDuration: maxDuration,
		logger:      logger,
	}
}

// Spawn runs fn on its own goroutine with a context derived from
// context.Background() (never the caller's request context — that context
// is cancelled the moment the response finishes streaming, which would
// kill the work before it starts) and bounded by maxDuration.
//
// It returns true when the pool had capacity and accepted the work, false
// when the pool is saturated; per spec.md §4.9, a false return means the
// caller runs the work inline or drops it — Spawn never blocks waiting
// for a free slot.
func (g *Gate) Spawn(fn func(ctx context.Context)) bool {
	select {
	case g.sem <- struct{}{}:
	default:
		metrics.BackgroundTasksTotal.WithLabelValues(metrics.BackgroundOutcomeRejected).Inc()
		return false
	}
	metrics.BackgroundTasksTotal.WithLabelValues(metrics.BackgroundOutcomeSpawned).Inc()

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer func() { <-g.sem }()
		defer func() {
			if r := recover(); r != nil {
				g.logger.Error("bgworker: panic in spawned task", "recover", r)
			}
		}()

		ctx, cancel := context.WithTimeout(context.Background(), g.maxDuration)
		defer cancel()
		fn(ctx)
	}()
	return true
}

// Wait blocks until all currently-spawned tasks finish. Intended for use
// during graceful shutdown only; never called from the request path.
func (g *Gate) Wait() {
	g.wg.Wait()
}

// InFlight reports the number of tasks currently occupying a pool slot,
// for diagnostics/metrics.
func (g *Gate) InFlight() int {
	return len(g.sem)
}
