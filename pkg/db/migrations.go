package db

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const migrationsLogPrefix = "db:migrations"

// downMarker starts the rollback section of a migration file.
const downMarker = "-- +down"

// Migration is one .sql file of the migrations directory. Name is the file name and
// orders migrations; Down is empty when the file has no rollback section.
type Migration struct {
	Name string
	Up   string
	Down string
}

// LoadMigrations reads every .sql file of dir, sorted by name.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("%s - failed to read migration dir %s: %w", migrationsLogPrefix, dir, err)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".sql" {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	out := make([]Migration, 0, len(names))
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%s - failed to read %s: %w", migrationsLogPrefix, path, err)
		}
		up, down := splitMigration(string(data))
		if strings.TrimSpace(up) == "" {
			return nil, fmt.Errorf("%s - %s has no statements before %q", migrationsLogPrefix, name, downMarker)
		}
		out = append(out, Migration{Name: name, Up: up, Down: down})
	}
	slog.Info(fmt.Sprintf("%s - Loaded %d migration files from %s", migrationsLogPrefix, len(out), dir))
	return out, nil
}

// splitMigration cuts sql at the first line that is exactly downMarker.
func splitMigration(sql string) (up, down string) {
	lines := strings.SplitAfter(sql, "\n")
	for i, line := range lines {
		if strings.TrimSpace(line) == downMarker {
			return strings.Join(lines[:i], ""), strings.TrimSpace(strings.Join(lines[i+1:], ""))
		}
	}
	return sql, ""
}
