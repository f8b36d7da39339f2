package db

import (
	"context"
	"fmt"
	"log/slog"
)

const clearLogPrefix = "db:clear"

// ClearVersions truncates surface_state_versions and surface_handshakes. Schema is
// preserved; every surface starts again at version 1.
func ClearVersions(ctx context.Context, q Querier) error {
	slog.Info(fmt.Sprintf("%s - Clearing surface version tables", clearLogPrefix))

	_, err := q.Exec(ctx, `TRUNCATE TABLE surface_handshakes, surface_state_versions RESTART IDENTITY`)
	if err != nil {
		return fmt.Errorf("%s - truncate failed: %w", clearLogPrefix, err)
	}

	slog.Info(fmt.Sprintf("%s - Surface versions cleared", clearLogPrefix))
	return nil
}
