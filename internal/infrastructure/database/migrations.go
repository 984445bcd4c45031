package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"slices"
	"strings"
	"time"
)

// MigrationsFS holds the migration files. Importing the migrations package
// registers the embedded set:
//
//	import _ "github.com/nerrad567/gray-logic-ble/migrations"
var MigrationsFS fs.FS

// MigrationsDir is the directory within MigrationsFS holding the files.
var MigrationsDir = "migrations"

// Migration is one schema step, loaded from a pair of files named
// {YYYYMMDD}_{HHMMSS}_{name}.up.sql and .down.sql.
type Migration struct {
	Version string // YYYYMMDD_HHMMSS
	Name    string
	Up      string
	Down    string
}

// MigrationState reports whether a migration has been applied. Versions
// recorded in the database but missing from MigrationsFS are listed with
// an empty Name.
type MigrationState struct {
	Version   string    `json:"version"`
	Name      string    `json:"name"`
	Applied   bool      `json:"applied"`
	AppliedAt time.Time `json:"applied_at,omitzero"`
}

// Migrate applies every pending migration, oldest first. Each runs in its
// own transaction; on failure the earlier ones stay applied and a rerun
// resumes at the failed one.
func (db *DB) Migrate(ctx context.Context) error {
	migrations, applied, err := db.migrationState(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if _, done := applied[m.Version]; done {
			continue
		}
		err := db.inTx(ctx, func(tx *sql.Tx) error {
			if _, err := tx.ExecContext(ctx, m.Up); err != nil {
				return err
			}
			_, err := tx.ExecContext(ctx,
				"INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)",
				m.Version, time.Now().UTC().Format(time.RFC3339))
			return err
		})
		if err != nil {
			return fmt.Errorf("applying migration %s (%s): %w", m.Version, m.Name, err)
		}
	}
	return nil
}

// MigrateDown reverts the most recently applied migration. It returns the
// reverted version, or "" when nothing was applied.
func (db *DB) MigrateDown(ctx context.Context) (string, error) {
	migrations, applied, err := db.migrationState(ctx)
	if err != nil {
		return "", err
	}
	if len(applied) == 0 {
		return "", nil
	}

	latest := slices.Max(mapKeys(applied))
	i := slices.IndexFunc(migrations, func(m Migration) bool { return m.Version == latest })
	if i < 0 {
		return "", fmt.Errorf("migration %s is applied but has no files", latest)
	}
	m := migrations[i]
	if strings.TrimSpace(m.Down) == "" {
		return "", fmt.Errorf("migration %s (%s) has no down step", m.Version, m.Name)
	}

	err = db.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, m.Down); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, "DELETE FROM schema_migrations WHERE version = ?", m.Version)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("reverting migration %s (%s): %w", m.Version, m.Name, err)
	}
	return m.Version, nil
}

// MigrationStatus lists every known migration in version order.
func (db *DB) MigrationStatus(ctx context.Context) ([]MigrationState, error) {
	migrations, applied, err := db.migrationState(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]MigrationState, 0, len(migrations))
	seen := make(map[string]bool, len(migrations))
	for _, m := range migrations {
		at, ok := applied[m.Version]
		out = append(out, MigrationState{Version: m.Version, Name: m.Name, Applied: ok, AppliedAt: at})
		seen[m.Version] = true
	}
	for version, at := range applied {
		if !seen[version] {
			out = append(out, MigrationState{Version: version, Applied: true, AppliedAt: at})
		}
	}
	slices.SortFunc(out, func(a, b MigrationState) int { return strings.Compare(a.Version, b.Version) })
	return out, nil
}

// migrationState loads the migration files and the applied versions,
// creating the bookkeeping table on first use.
func (db *DB) migrationState(ctx context.Context) ([]Migration, map[string]time.Time, error) {
	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version    TEXT PRIMARY KEY,
		applied_at TEXT NOT NULL
	)`); err != nil {
		return nil, nil, fmt.Errorf("creating migrations table: %w", err)
	}

	migrations, err := loadMigrations()
	if err != nil {
		return nil, nil, fmt.Errorf("loading migrations: %w", err)
	}

	rows, err := db.QueryContext(ctx, "SELECT version, applied_at FROM schema_migrations")
	if err != nil {
		return nil, nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]time.Time)
	for rows.Next() {
		var version, at string
		if err := rows.Scan(&version, &at); err != nil {
			return nil, nil, fmt.Errorf("reading applied migrations: %w", err)
		}
		applied[version], _ = time.Parse(time.RFC3339, at) //nolint:errcheck // written by Migrate
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("reading applied migrations: %w", err)
	}
	return migrations, applied, nil
}

func (db *DB) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// loadMigrations reads MigrationsFS. A missing directory means no
// migrations; a down file without its up file is an error.
func loadMigrations() ([]Migration, error) {
	if MigrationsFS == nil {
		return nil, nil
	}
	entries, err := fs.ReadDir(MigrationsFS, MigrationsDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	byVersion := make(map[string]*Migration)
	hasUp := make(map[string]bool)
	for _, e := range entries {
		version, name, up, ok := parseMigrationFilename(e.Name())
		if e.IsDir() || !ok {
			continue
		}
		body, err := fs.ReadFile(MigrationsFS, path.Join(MigrationsDir, e.Name()))
		if err != nil {
			return nil, err
		}
		m := byVersion[version]
		if m == nil {
			m = &Migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if up {
			m.Up = string(body)
			hasUp[version] = true
		} else {
			m.Down = string(body)
		}
	}

	out := make([]Migration, 0, len(byVersion))
	for version, m := range byVersion {
		if !hasUp[version] {
			return nil, fmt.Errorf("migration %s has a down file but no up file", version)
		}
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b Migration) int { return strings.Compare(a.Version, b.Version) })
	return out, nil
}

// parseMigrationFilename splits 20260301_120000_discovery_journal.up.sql
// into its version, name and direction.
func parseMigrationFilename(file string) (version, name string, up, ok bool) {
	base, found := strings.CutSuffix(file, ".sql")
	if !found {
		return "", "", false, false
	}
	if b, isUp := strings.CutSuffix(base, ".up"); isUp {
		base, up = b, true
	} else if b, isDown := strings.CutSuffix(base, ".down"); isDown {
		base = b
	} else {
		return "", "", false, false
	}

	date, rest, found := strings.Cut(base, "_")
	if !found || date == "" {
		return "", "", false, false
	}
	clock, name, _ := strings.Cut(rest, "_")
	if clock == "" {
		return "", "", false, false
	}
	return date + "_" + clock, name, up, true
}

func mapKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	return keys
}
