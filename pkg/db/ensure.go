package db

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
)

const ensureLogPrefix = "db:ensure"

var dbNamePattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// databaseName returns the validated database name of a postgres URL.
func databaseName(databaseURL string) (*url.URL, string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return nil, "", fmt.Errorf("%s - invalid database URL: %w", ensureLogPrefix, err)
	}
	name := strings.TrimSpace(strings.Trim(u.Path, "/"))
	switch {
	case name == "":
		return nil, "", fmt.Errorf("%s - database URL names no database", ensureLogPrefix)
	case !dbNamePattern.MatchString(name):
		return nil, "", fmt.Errorf("%s - database name %q must be letters, digits and underscores", ensureLogPrefix, name)
	}
	return u, name, nil
}

// maintenanceURL points u at the postgres maintenance database.
func maintenanceURL(u *url.URL) string {
	m := *u
	m.Path = "/postgres"
	return m.String()
}

// EnsureDatabase creates the database named by databaseURL when missing, then checks that it
// accepts connections. It reports whether the database was created.
func EnsureDatabase(ctx context.Context, databaseURL string) (bool, error) {
	u, name, err := databaseName(databaseURL)
	if err != nil {
		return false, err
	}

	admin, err := pgx.Connect(ctx, maintenanceURL(u))
	if err != nil {
		return false, fmt.Errorf("%s - failed to connect to maintenance database: %w", ensureLogPrefix, err)
	}
	defer admin.Close(ctx)

	var exists bool
	err = admin.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name).Scan(&exists)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, fmt.Errorf("%s - failed to look up %q: %w", ensureLogPrefix, name, err)
	}

	created := false
	if !exists {
		slog.Info(fmt.Sprintf("%s - Creating database %q", ensureLogPrefix, name))
		// CREATE DATABASE takes no bind parameters.
		if _, err := admin.Exec(ctx, "CREATE DATABASE "+pgx.Identifier{name}.Sanitize()); err != nil {
			return false, fmt.Errorf("%s - CREATE DATABASE %q failed: %w", ensureLogPrefix, name, err)
		}
		created = true
	}

	conn, err := pgx.Connect(ctx, databaseURL)
	if err != nil {
		return created, fmt.Errorf("%s - failed to connect to %q: %w", ensureLogPrefix, name, err)
	}
	defer conn.Close(ctx)
	if err := conn.Ping(ctx); err != nil {
		return created, fmt.Errorf("%s - ping %q: %w", ensureLogPrefix, name, err)
	}
	return created, nil
}
