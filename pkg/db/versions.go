// Package db provides Postgres persistence for surface state versions and handshake history.
package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const versionsLogPrefix = "db:versions"

// Handshake outcomes stored in surface_handshakes.
const (
	OutcomeComplete = "complete"
	OutcomeFailed   = "failed"
)

// Querier is the subset of *pgxpool.Pool the repository needs.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// SurfaceVersion is a row of surface_state_versions.
type SurfaceVersion struct {
	SurfaceID string
	Version   int64
	UpdatedAt time.Time
}

// HandshakeRecord is a row of surface_handshakes.
type HandshakeRecord struct {
	ID           int64
	SurfaceID    string
	Outcome      string
	StateVersion *int64
	Error        string
	DurationMs   int64
	RecordedAt   time.Time
}

// VersionRepository persists per-surface state versions so they stay monotonic across
// host restarts. It implements comms.VersionSource.
type VersionRepository struct {
	q Querier
}

// NewVersionRepository creates a repository over q (usually a *pgxpool.Pool).
func NewVersionRepository(q Querier) *VersionRepository {
	return &VersionRepository{q: q}
}

// NextVersion atomically increments and returns the version of surfaceID, starting at 1.
func (r *VersionRepository) NextVersion(ctx context.Context, surfaceID string) (int64, error) {
	var version int64
	err := r.q.QueryRow(ctx, `
		INSERT INTO surface_state_versions (surface_id, version)
		VALUES ($1, 1)
		ON CONFLICT (surface_id) DO UPDATE
		SET version = surface_state_versions.version + 1, updated_at = now()
		RETURNING version`, surfaceID).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("%s - next version for %q: %w", versionsLogPrefix, surfaceID, err)
	}
	return version, nil
}

// CurrentVersion returns the last version handed out for surfaceID, 0 if none.
func (r *VersionRepository) CurrentVersion(ctx context.Context, surfaceID string) (int64, error) {
	var version int64
	err := r.q.QueryRow(ctx, `SELECT version FROM surface_state_versions WHERE surface_id = $1`, surfaceID).Scan(&version)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("%s - current version for %q: %w", versionsLogPrefix, surfaceID, err)
	}
	return version, nil
}

// ListVersions returns every known surface ordered by id.
func (r *VersionRepository) ListVersions(ctx context.Context) ([]SurfaceVersion, error) {
	rows, err := r.q.Query(ctx, `SELECT surface_id, version, updated_at FROM surface_state_versions ORDER BY surface_id`)
	if err != nil {
		return nil, fmt.Errorf("%s - list versions: %w", versionsLogPrefix, err)
	}
	defer rows.Close()

	var out []SurfaceVersion
	for rows.Next() {
		var v SurfaceVersion
		if err := rows.Scan(&v.SurfaceID, &v.Version, &v.UpdatedAt); err != nil {
			return nil, fmt.Errorf("%s - scan version: %w", versionsLogPrefix, err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - list versions: %w", versionsLogPrefix, err)
	}
	return out, nil
}

// DeleteVersion forgets surfaceID; its next handshake starts again at 1.
func (r *VersionRepository) DeleteVersion(ctx context.Context, surfaceID string) error {
	if _, err := r.q.Exec(ctx, `DELETE FROM surface_state_versions WHERE surface_id = $1`, surfaceID); err != nil {
		return fmt.Errorf("%s - delete version for %q: %w", versionsLogPrefix, surfaceID, err)
	}
	return nil
}

// RecordHandshake appends a handshake outcome to the audit trail.
func (r *VersionRepository) RecordHandshake(ctx context.Context, rec HandshakeRecord) error {
	if rec.Outcome != OutcomeComplete && rec.Outcome != OutcomeFailed {
		return fmt.Errorf("%s - invalid handshake outcome %q", versionsLogPrefix, rec.Outcome)
	}
	var errText *string
	if rec.Error != "" {
		errText = &rec.Error
	}
	_, err := r.q.Exec(ctx, `
		INSERT INTO surface_handshakes (surface_id, outcome, state_version, error, duration_ms)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.SurfaceID, rec.Outcome, rec.StateVersion, errText, rec.DurationMs)
	if err != nil {
		return fmt.Errorf("%s - record handshake for %q: %w", versionsLogPrefix, rec.SurfaceID, err)
	}
	return nil
}

// ListHandshakes returns the most recent handshakes of surfaceID, newest first.
func (r *VersionRepository) ListHandshakes(ctx context.Context, surfaceID string, limit int) ([]HandshakeRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.q.Query(ctx, `
		SELECT id, surface_id, outcome, state_version, COALESCE(error, ''), duration_ms, recorded_at
		FROM surface_handshakes
		WHERE surface_id = $1
		ORDER BY recorded_at DESC, id DESC
		LIMIT $2`, surfaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("%s - list handshakes for %q: %w", versionsLogPrefix, surfaceID, err)
	}
	defer rows.Close()

	var out []HandshakeRecord
	for rows.Next() {
		var rec HandshakeRecord
		if err := rows.Scan(&rec.ID, &rec.SurfaceID, &rec.Outcome, &rec.StateVersion, &rec.Error, &rec.DurationMs, &rec.RecordedAt); err != nil {
			return nil, fmt.Errorf("%s - scan handshake: %w", versionsLogPrefix, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - list handshakes for %q: %w", versionsLogPrefix, surfaceID, err)
	}
	return out, nil
}
