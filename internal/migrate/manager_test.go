package migrate

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"strings"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pressly/goose/v3"
)

func newDB(t *testing.T) *sql.DB {
	t.Helper()
	db, _, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestEmbeddedMigrationsAreGooseFiles(t *testing.T) {
	files, err := fs.Glob(migrations, "sql/*.sql")
	if err != nil {
		t.Fatalf("glob: %v", err)
	}
	if len(files) < 3 {
		t.Fatalf("expected embedded migrations, got %v", files)
	}
	for _, name := range files {
		body, err := fs.ReadFile(migrations, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		if !strings.Contains(string(body), "-- +goose Up") || !strings.Contains(string(body), "-- +goose Down") {
			t.Fatalf("%s lacks goose annotations", name)
		}
	}
}

func TestUpUsesEmbeddedDir(t *testing.T) {
	orig := gooseUp
	defer func() { gooseUp = orig }()
	var gotDir string
	gooseUp = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		gotDir = dir
		return nil
	}

	if err := NewManager(newDB(t)).Up(context.Background()); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if gotDir != "sql" {
		t.Fatalf("unexpected dir %q", gotDir)
	}
}

func TestDownWrapsError(t *testing.T) {
	orig := gooseDown
	defer func() { gooseDown = orig }()
	gooseDown = func(context.Context, *sql.DB, string, ...goose.OptionsFunc) error {
		return errors.New("boom")
	}

	err := NewManager(newDB(t)).Down(context.Background())
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("expected wrapped boom, got %v", err)
	}
}

func TestStatusListsAppliedMigrations(t *testing.T) {
	orig := gooseVersion
	defer func() { gooseVersion = orig }()
	gooseVersion = func(context.Context, *sql.DB) (int64, error) { return 2, nil }

	applied, err := NewManager(newDB(t), WithMigrationsTable("authlink_migrations")).Status(context.Background())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	want := []string{"00001_accounts.sql", "00002_auth_identities.sql"}
	if strings.Join(applied, ",") != strings.Join(want, ",") {
		t.Fatalf("unexpected status %v", applied)
	}
}

func TestNilDatabase(t *testing.T) {
	if err := NewManager(nil).Up(context.Background()); err == nil {
		t.Fatal("expected error without database")
	}
}
