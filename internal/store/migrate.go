package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

var migrationPattern = regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)

type migrationFile struct {
	version string
	name    string
	path    string
}

// ApplyMigrations runs every pending *.up.sql file in version order, each in
// its own transaction, and records it in schema_migrations.
func ApplyMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}

	files, err := listMigrations(migrationsDir, "up")
	if err != nil {
		return err
	}

	for _, file := range files {
		if migrated, err := isMigrated(ctx, db, file.name); err != nil {
			return err
		} else if migrated {
			continue
		}

		contents, err := os.ReadFile(file.path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", file.name, err)
		}

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration tx %s: %w", file.name, err)
		}

		if _, err := tx.ExecContext(ctx, string(contents)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("execute migration %s: %w", file.name, err)
		}

		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version) VALUES($1)`, file.name); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %s: %w", file.name, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", file.name, err)
		}
	}

	return nil
}

// RollbackMigrations runs every *.down.sql file in reverse version order and
// clears schema_migrations.
func RollbackMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	files, err := listMigrations(migrationsDir, "down")
	if err != nil {
		return err
	}
	for i := len(files) - 1; i >= 0; i-- {
		contents, err := os.ReadFile(files[i].path)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", files[i].name, err)
		}
		sqlText := strings.TrimSpace(string(contents))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return fmt.Errorf("rollback migration %s: %w", files[i].name, err)
		}
	}
	if err := ensureMigrationsTable(ctx, db); err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		return fmt.Errorf("clear schema_migrations: %w", err)
	}
	return nil
}

func listMigrations(migrationsDir, direction string) ([]migrationFile, error) {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	var files []migrationFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		match := migrationPattern.FindStringSubmatch(entry.Name())
		if match == nil || match[2] != direction {
			continue
		}
		files = append(files, migrationFile{
			version: match[1],
			name:    entry.Name(),
			path:    filepath.Join(migrationsDir, entry.Name()),
		})
	}
	sort.Slice(files, func(i, j int) bool {
		return files[i].version < files[j].version
	})
	return files, nil
}

func ensureMigrationsTable(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`)
	if err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	return nil
}

func isMigrated(ctx context.Context, db *sql.DB, version string) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE version=$1)`, version).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check migration %s: %w", version, err)
	}
	return exists, nil
}
