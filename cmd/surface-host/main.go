// Package main is the entrypoint for the surface host (binary name "surface-host").
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/morezero/webview-comms/internal/config"
	"github.com/morezero/webview-comms/internal/server"
	"github.com/morezero/webview-comms/pkg/db"
)

const usage = `Usage: surface-host [command]
       surface-host serve                    Start the host (NATS control subject, HTTP, websocket surfaces).
       surface-host migrate up               Run database migrations.
       surface-host migrate down             Roll back the last applied migration (uses its -- +down section).
       surface-host migrate status           Show migration status.
       surface-host ensure-db [name]         Create database if missing (default name: surface_test). Uses DATABASE_URL host/user.
       surface-host clear                    Truncate state versions and handshake history; schema is preserved.
       surface-host versions                 List the persisted state version of every surface.
       surface-host history <surface> [n]    Show the last n handshakes of a surface (default 20).

Commands:
  serve           (default) Start the surface host.
  migrate up      Run database migrations only.
  migrate down    Roll back last migration (optional).
  migrate status  Show current migration status.
  ensure-db [name] Create database (e.g. surface_test) on same host as DATABASE_URL; then run tests with that URL.
  clear           Truncate surface_state_versions and surface_handshakes.
  versions        Print surface_state_versions.
  history         Print surface_handshakes for one surface, newest first.

Environment: COMMS_URL (empty disables NATS), DATABASE_URL (optional for serve, required for
database commands), MIGRATION_PATH, SURFACE_HTTP_ADDR (default 0.0.0.0:8080), HANDSHAKE_TIMEOUT,
MAX_SEND_RETRIES, RETRY_BACKOFF. See README.
`

func main() {
	args := os.Args[1:]
	cmd := ""
	if len(args) > 0 && args[0] != "" {
		cmd = args[0]
	}

	switch cmd {
	case "migrate":
		if len(args) < 2 {
			log.Fatalf("surface-host migrate: require subcommand (up, down, status)")
		}
		sub := args[1]
		var err error
		switch sub {
		case "up":
			err = withPool(runMigrateUp)
		case "status":
			err = withPool(runMigrateStatus)
		case "down":
			err = withPool(runMigrateDown)
		default:
			log.Fatalf("surface-host migrate: unknown subcommand %q (use up, down, status)", sub)
		}
		if err != nil {
			log.Fatalf("surface-host migrate %s: %v", sub, err)
		}
		return
	case "clear":
		if err := withPool(runClear); err != nil {
			log.Fatalf("surface-host clear: %v", err)
		}
		return
	case "versions":
		err := withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
			return printVersions(ctx, os.Stdout, db.NewVersionRepository(pool))
		})
		if err != nil {
			log.Fatalf("surface-host versions: %v", err)
		}
		return
	case "history":
		surfaceID, limit, err := parseHistoryArgs(args[1:])
		if err != nil {
			log.Fatalf("surface-host history: %v", err)
		}
		err = withPool(func(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
			return printHistory(ctx, os.Stdout, db.NewVersionRepository(pool), surfaceID, limit)
		})
		if err != nil {
			log.Fatalf("surface-host history: %v", err)
		}
		return
	case "ensure-db":
		dbName := "surface_test"
		if len(args) > 1 && args[1] != "" {
			dbName = args[1]
		}
		if err := runEnsureDB(dbName); err != nil {
			log.Fatalf("surface-host ensure-db: %v", err)
		}
		return
	case "help", "-h", "--help":
		fmt.Print(usage)
		return
	case "serve", "":
		// serve (explicit or default)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command %q.\n%s", cmd, usage)
		os.Exit(1)
	}

	if err := server.Run(); err != nil {
		log.Fatalf("surface-host: %v", err)
	}
}

// withPool loads the config, requires DATABASE_URL and runs fn with a connected pool.
func withPool(fn func(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.ValidateForDB(); err != nil {
		return err
	}
	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, cfg, pool)
}

func runMigrateUp(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	n, err := db.RunMigrations(ctx, pool, migrations)
	if err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	fmt.Printf("Applied %d migration(s).\n", n)
	return nil
}

func runMigrateStatus(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	return db.MigrationStatus(ctx, pool, migrations, os.Stdout)
}

func runMigrateDown(ctx context.Context, cfg *config.Config, pool *pgxpool.Pool) error {
	migrations, err := db.LoadMigrations(cfg.MigrationPath)
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	name, err := db.MigrationDown(ctx, pool, migrations)
	if err != nil {
		return err
	}
	fmt.Printf("Rolled back %s.\n", name)
	return nil
}

func runClear(ctx context.Context, _ *config.Config, pool *pgxpool.Pool) error {
	if err := db.ClearVersions(ctx, pool); err != nil {
		return fmt.Errorf("clear versions: %w", err)
	}
	return nil
}

func runEnsureDB(dbName string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cfg.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	targetURL, err := databaseURLFor(cfg.DatabaseURL, dbName)
	if err != nil {
		return err
	}
	created, err := db.EnsureDatabase(context.Background(), targetURL)
	if err != nil {
		return err
	}
	if created {
		fmt.Printf("Created database %q.\n", dbName)
		return nil
	}
	fmt.Printf("Database %q already exists.\n", dbName)
	return nil
}

// databaseURLFor swaps the database name of databaseURL, keeping query parameters such as sslmode.
func databaseURLFor(databaseURL, dbName string) (string, error) {
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("parse DATABASE_URL: %w", err)
	}
	u.Path = "/" + dbName
	return u.String(), nil
}

func parseHistoryArgs(args []string) (string, int, error) {
	if len(args) == 0 || args[0] == "" {
		return "", 0, fmt.Errorf("require a surface id")
	}
	limit := 20
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return "", 0, fmt.Errorf("invalid limit %q", args[1])
		}
		limit = n
	}
	return args[0], limit, nil
}

type versionLister interface {
	ListVersions(ctx context.Context) ([]db.SurfaceVersion, error)
}

type handshakeLister interface {
	ListHandshakes(ctx context.Context, surfaceID string, limit int) ([]db.HandshakeRecord, error)
}

func printVersions(ctx context.Context, out io.Writer, repo versionLister) error {
	versions, err := repo.ListVersions(ctx)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SURFACE\tVERSION\tUPDATED")
	for _, v := range versions {
		fmt.Fprintf(tw, "%s\t%d\t%s\n", v.SurfaceID, v.Version, v.UpdatedAt.UTC().Format("2006-01-02 15:04:05"))
	}
	return tw.Flush()
}

func printHistory(ctx context.Context, out io.Writer, repo handshakeLister, surfaceID string, limit int) error {
	records, err := repo.ListHandshakes(ctx, surfaceID, limit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintf(out, "No handshakes recorded for %s.\n", surfaceID)
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "RECORDED\tOUTCOME\tVERSION\tDURATION\tERROR")
	for _, r := range records {
		version := "-"
		if r.StateVersion != nil {
			version = strconv.FormatInt(*r.StateVersion, 10)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%dms\t%s\n", r.RecordedAt.UTC().Format("2006-01-02 15:04:05"), r.Outcome, version, r.DurationMs, r.Error)
	}
	return tw.Flush()
}
