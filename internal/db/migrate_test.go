package db_test

import (
	"context"
	"testing"

	dbfs "github.com/garnizeh/sobershift/db"
	"github.com/garnizeh/sobershift/internal/db"
)

// Note: this test uses an in-memory sqlite database and a temporary migrations
// directory to validate idempotent behavior of Migrate.
func TestMigrate_Idempotent(t *testing.T) {
	ctx := context.Background()

	// create in-memory DB
	d, err := db.New(ctx, ":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open in-memory db: %v", err)
	}
	defer d.Close()

	// Run Migrate using the embedded migrations and seed files included in package db
	if err := db.Migrate(ctx, d, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	// Run again to ensure idempotency
	if err := db.Migrate(ctx, d, dbfs.Migrations, dbfs.SeedFiles); err != nil {
		t.Fatalf("second migrate failed: %v", err)
	}

	// verify schema_migrations has at least one entry (embedded migrations applied)
	var count int
	row := d.QueryRow(ctx, `SELECT COUNT(1) FROM schema_migrations`)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan schema_migrations count: %v", err)
	}
	if count < 1 {
		t.Fatalf("expected at least 1 migration recorded, got %d", count)
	}

	// verify a known table from the embedded migrations exists (workers)
	var name string
	r1 := d.QueryRow(ctx, `SELECT name FROM sqlite_master WHERE type='table' AND name='workers'`)
	if err := r1.Scan(&name); err != nil {
		t.Fatalf("expected workers table exists: %v", err)
	}

	// seeds: analysis schema and prompt template
	var tpl string
	if err := d.QueryRow(ctx, `SELECT template_text FROM ai_templates WHERE name = 'sobriety' AND version = 'v1'`).Scan(&tpl); err != nil {
		t.Fatalf("expected seeded sobriety template: %v", err)
	}
	var schema string
	if err := d.QueryRow(ctx, `SELECT schema_json FROM ai_schemas WHERE version = 'v1'`).Scan(&schema); err != nil {
		t.Fatalf("expected seeded analysis schema: %v", err)
	}
}
