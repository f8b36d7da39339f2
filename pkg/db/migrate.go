package db

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
)

const migrateLogPrefix = "db:migrate"

// ErrNoDownMigration is returned by MigrationDown when the last applied migration has no
// rollback section.
var ErrNoDownMigration = errors.New("db: migration has no down section")

const createLedgerSQL = `CREATE TABLE IF NOT EXISTS surface_schema_migrations (
    name        TEXT PRIMARY KEY,
    applied_at  TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// RunMigrations applies every migration not yet recorded in surface_schema_migrations, in
// order, and returns how many were applied.
func RunMigrations(ctx context.Context, q Querier, migrations []Migration) (int, error) {
	applied, err := appliedMigrations(ctx, q)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, m := range migrations {
		if _, ok := applied[m.Name]; ok {
			continue
		}
		slog.Info(fmt.Sprintf("%s - Applying %s", migrateLogPrefix, m.Name))
		if _, err := q.Exec(ctx, m.Up); err != nil {
			return n, fmt.Errorf("%s - migration %s failed: %w", migrateLogPrefix, m.Name, err)
		}
		if _, err := q.Exec(ctx, `INSERT INTO surface_schema_migrations (name) VALUES ($1)`, m.Name); err != nil {
			return n, fmt.Errorf("%s - record %s: %w", migrateLogPrefix, m.Name, err)
		}
		n++
	}

	slog.Info(fmt.Sprintf("%s - Migrations complete (%d applied, %d already present)", migrateLogPrefix, n, len(migrations)-n))
	return n, nil
}

// MigrationStatus writes one line per migration file: applied (with its time) or pending.
// Ledger rows without a matching file are reported too.
func MigrationStatus(ctx context.Context, q Querier, migrations []Migration, out io.Writer) error {
	applied, err := appliedMigrations(ctx, q)
	if err != nil {
		return err
	}

	pending := 0
	for _, m := range migrations {
		at, ok := applied[m.Name]
		if !ok {
			pending++
			fmt.Fprintf(out, "pending  %s\n", m.Name)
			continue
		}
		fmt.Fprintf(out, "applied  %s  (%s)\n", m.Name, at.UTC().Format(time.RFC3339))
		delete(applied, m.Name)
	}
	unknown := make([]string, 0, len(applied))
	for name := range applied {
		unknown = append(unknown, name)
	}
	sort.Strings(unknown)
	for _, name := range unknown {
		fmt.Fprintf(out, "unknown  %s  (applied, file missing)\n", name)
	}
	if pending > 0 {
		fmt.Fprintf(out, "%d pending; run 'surface-host migrate up'\n", pending)
	}
	return nil
}

// MigrationDown rolls back the most recently applied migration and returns its name.
func MigrationDown(ctx context.Context, q Querier, migrations []Migration) (string, error) {
	if _, err := q.Exec(ctx, createLedgerSQL); err != nil {
		return "", fmt.Errorf("%s - create ledger: %w", migrateLogPrefix, err)
	}
	var last string
	err := q.QueryRow(ctx, `SELECT name FROM surface_schema_migrations ORDER BY name DESC LIMIT 1`).Scan(&last)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", fmt.Errorf("%s - nothing to roll back", migrateLogPrefix)
	}
	if err != nil {
		return "", fmt.Errorf("%s - find last migration: %w", migrateLogPrefix, err)
	}

	var target *Migration
	for i := range migrations {
		if migrations[i].Name == last {
			target = &migrations[i]
			break
		}
	}
	if target == nil {
		return "", fmt.Errorf("%s - migration file %s not found", migrateLogPrefix, last)
	}
	if target.Down == "" {
		return "", fmt.Errorf("%s - %s: %w", migrateLogPrefix, last, ErrNoDownMigration)
	}

	slog.Info(fmt.Sprintf("%s - Rolling back %s", migrateLogPrefix, last))
	if _, err := q.Exec(ctx, target.Down); err != nil {
		return "", fmt.Errorf("%s - roll back %s: %w", migrateLogPrefix, last, err)
	}
	if _, err := q.Exec(ctx, `DELETE FROM surface_schema_migrations WHERE name = $1`, last); err != nil {
		return "", fmt.Errorf("%s - unrecord %s: %w", migrateLogPrefix, last, err)
	}
	return last, nil
}

// appliedMigrations creates the ledger if needed and returns applied names with their times.
func appliedMigrations(ctx context.Context, q Querier) (map[string]time.Time, error) {
	if _, err := q.Exec(ctx, createLedgerSQL); err != nil {
		return nil, fmt.Errorf("%s - create ledger: %w", migrateLogPrefix, err)
	}
	rows, err := q.Query(ctx, `SELECT name, applied_at FROM surface_schema_migrations`)
	if err != nil {
		return nil, fmt.Errorf("%s - read ledger: %w", migrateLogPrefix, err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var (
			name string
			at   time.Time
		)
		if err := rows.Scan(&name, &at); err != nil {
			return nil, fmt.Errorf("%s - scan ledger: %w", migrateLogPrefix, err)
		}
		applied[name] = at
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s - read ledger: %w", migrateLogPrefix, err)
	}
	return applied, nil
}
