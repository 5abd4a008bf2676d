// Package repository holds the persistence-layer interfaces the domain
// depends on, implemented by internal/infrastructure.
package repository

import (
	"context"
	"errors"
	"time"
)

// ErrAuditEntryNotFound is returned by ConfigAuditLog.GetByVersion when no
// entry exists for the requested cache version.
var ErrAuditEntryNotFound = errors.New("config audit entry not found")

// ConfigAuditEntry records one Configuration Store (C1) Update call: the
// resulting cache version, what changed, and when — the durable trail an
// operator consults when a cache-version bump needs explaining.
type ConfigAuditEntry struct {
	ID           int64
	CacheVersion int
	Summary      string // e.g. "cache,video" — which top-level sections changed
	Actor        string // caller identity, if the admin API provided one
	AppliedAt    time.Time
}

// ConfigAuditLog persists C1 Update history for diagnostics (spec.md §4.6
// "List" flows extended to cover configuration changes, not just cached
// variants).
type ConfigAuditLog interface {
	Record(ctx context.Context, entry ConfigAuditEntry) error
	GetByVersion(ctx context.Context, version int) (*ConfigAuditEntry, error)
	ListRecent(ctx context.Context, limit int) ([]ConfigAuditEntry, error)
}

// InvalidationMessage is broadcast by the admin config-update endpoint after
// every C1 Update, carrying the cache version current after that Update.
// Consumers (cmd/proxy, cmd/worker) log it; the worker also cross-checks it
// against the audit log. No consumer evicts cache entries on receipt.
type InvalidationMessage struct {
	CacheVersion int
	Reason       string
	IssuedAt     time.Time
}

// InvalidationBus publishes and consumes InvalidationMessage events across
// proxy instances.
type InvalidationBus interface {
	PublishInvalidation(ctx context.Context, msg InvalidationMessage) error
	ConsumeInvalidations(ctx context.Context, handler func(InvalidationMessage) error) error
}
