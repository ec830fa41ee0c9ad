package db

import (
	"context"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
)

// Seed files applied after migrations. Each is optional; a missing file is skipped.
const (
	seedAnalysisSchema   = "schema_sobriety_v1.json"
	seedAnalysisTemplate = "template_sobriety_v1.txt"
)

// Migrate applies migrations and optional seed files found in the repository.
// It creates a `schema_migrations` table to track applied migrations and applies
// any SQL files in `migrations/` that have not yet been recorded. Seed files
// are applied idempotently.
func Migrate(ctx context.Context, d *DB, migrationFS fs.FS, seedFS fs.FS) error {
	if _, err := d.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version TEXT PRIMARY KEY, applied INTEGER NOT NULL)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	migDir := "migrations"

	entries, err := fs.ReadDir(migrationFS, migDir)
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if strings.HasSuffix(strings.ToLower(name), ".sql") {
			files = append(files, name)
		}
	}
	sort.Strings(files)

	for _, fname := range files {
		// filename without extension is the migration version key
		version := strings.TrimSuffix(fname, path.Ext(fname))

		var count int
		if err := d.QueryRow(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, version).Scan(&count); err != nil {
			return fmt.Errorf("scan migration applied count: %w", err)
		}
		if count > 0 {
			continue
		}

		b, err := fs.ReadFile(migrationFS, path.Join(migDir, fname))
		if err != nil {
			return fmt.Errorf("read migration %s: %w", fname, err)
		}
		if _, err := d.Exec(ctx, string(b)); err != nil {
			return fmt.Errorf("exec migration %s: %w", fname, err)
		}

		if _, err := d.Exec(ctx, `INSERT INTO schema_migrations (version, applied) VALUES (?, strftime('%s','now'))`, version); err != nil {
			return fmt.Errorf("record migration %s: %w", fname, err)
		}
		d.logger.Info("migration applied", "version", version)
	}

	if seedFS == nil {
		return nil
	}

	if b, err := fs.ReadFile(seedFS, path.Join("seed", seedAnalysisSchema)); err == nil {
		if _, err := d.Exec(ctx, `INSERT OR REPLACE INTO ai_schemas (version, description, schema_json, created, updated) VALUES ('v1', 'sobriety analysis v1 schema', ?, strftime('%s','now'), strftime('%s','now'))`, string(b)); err != nil {
			return fmt.Errorf("seed schema exec: %w", err)
		}
	}

	if b, err := fs.ReadFile(seedFS, path.Join("seed", seedAnalysisTemplate)); err == nil {
		if _, err := d.Exec(ctx, `INSERT OR REPLACE INTO ai_templates (name, version, template_text, schema_version, metadata, created, updated) VALUES ('sobriety', 'v1', ?, ?, ?, strftime('%s','now'), strftime('%s','now'))`, string(b), "v1", `{"owner":"system","description":"default sobriety analysis prompt"}`); err != nil {
			return fmt.Errorf("seed template exec: %w", err)
		}
	}

	return nil
}
