package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/hszk-dev/gostream/internal/domain/repository"
)

// DBTX is an interface that abstracts pgxpool.Pool and pgx.Tx for testability.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// AuditRepository implements repository.ConfigAuditLog using PostgreSQL.
type AuditRepository struct {
	db DBTX
}

// NewAuditRepository creates a new AuditRepository instance.
func NewAuditRepository(db DBTX) *AuditRepository {
	return &AuditRepository{db: db}
}

// Record persists one Configuration Store Update call.
func (r *AuditRepository) Record(ctx context.Context, entry repository.ConfigAuditEntry) error {
	const query = `
		INSERT INTO config_audit_log (cache_version, summary, actor, applied_at)
		VALUES ($1, $2, $3, $4)
	`

	_, err := r.db.Exec(ctx, query, entry.CacheVersion, entry.Summary, nullString(entry.Actor), entry.AppliedAt)
	if err != nil {
		return fmt.Errorf("failed to record config audit entry: %w", err)
	}
	return nil
}

// GetByVersion retrieves the audit entry for a specific cache version.
func (r *AuditRepository) GetByVersion(ctx context.Context, version int) (*repository.ConfigAuditEntry, error) {
	const query = `
		SELECT id, cache_version, summary, actor, applied_at
		FROM config_audit_log
		WHERE cache_version = $1
	`

	entry, err := r.scanEntry(r.db.QueryRow(ctx, query, version))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrAuditEntryNotFound
		}
		return nil, fmt.Errorf("failed to get config audit entry: %w", err)
	}
	return entry, nil
}

// ListRecent retrieves the most recent audit entries, newest first.
func (r *AuditRepository) ListRecent(ctx context.Context, limit int) ([]repository.ConfigAuditEntry, error) {
	const query = `
		SELECT id, cache_version, summary, actor, applied_at
		FROM config_audit_log
		ORDER BY applied_at DESC
		LIMIT $1
	`

	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query config audit log: %w", err)
	}
	defer rows.Close()

	var entries []repository.ConfigAuditEntry
	for rows.Next() {
		entry, err := r.scanEntryFromRows(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan config audit entry: %w", err)
		}
		entries = append(entries, *entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating config audit log: %w", err)
	}
	return entries, nil
}

func (r *AuditRepository) scanEntry(row pgx.Row) (*repository.ConfigAuditEntry, error) {
	var (
		entry repository.ConfigAuditEntry
		actor *string
	)
	if err := row.Scan(&entry.ID, &entry.CacheVersion, &entry.Summary, &actor, &entry.AppliedAt); err != nil {
		return nil, err
	}
	if actor != nil {
		entry.Actor = *actor
	}
	return &entry, nil
}

func (r *AuditRepository) scanEntryFromRows(rows pgx.Rows) (*repository.ConfigAuditEntry, error) {
	var (
		entry repository.ConfigAuditEntry
		actor *string
	)
	if err := rows.Scan(&entry.ID, &entry.CacheVersion, &entry.Summary, &actor, &entry.AppliedAt); err != nil {
		return nil, err
	}
	if actor != nil {
		entry.Actor = *actor
	}
	return &entry, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
