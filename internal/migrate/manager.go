// Package migrate applies the embedded schema migrations with goose.
package migrate

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/pressly/goose/v3"
)

const defaultMigrationsTable = "schema_migrations"

//go:embed sql/*.sql
var migrations embed.FS

// Seams for tests.
var (
	gooseUp = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return goose.UpContext(ctx, db, dir, opts...)
	}
	gooseDown = func(ctx context.Context, db *sql.DB, dir string, opts ...goose.OptionsFunc) error {
		return goose.DownContext(ctx, db, dir, opts...)
	}
	gooseVersion = func(ctx context.Context, db *sql.DB) (int64, error) {
		return goose.GetDBVersionContext(ctx, db)
	}
)

// goose keeps its configuration in package globals.
var gooseMu sync.Mutex

// Manager runs migrations against one database.
type Manager struct {
	db              *sql.DB
	migrationsTable string
}

// Option configures Manager.
type Option func(*Manager)

// WithMigrationsTable overrides the default migrations bookkeeping table.
func WithMigrationsTable(name string) Option {
	return func(m *Manager) {
		if name != "" {
			m.migrationsTable = name
		}
	}
}

// NewManager constructs a Manager.
func NewManager(db *sql.DB, opts ...Option) *Manager {
	m := &Manager{db: db, migrationsTable: defaultMigrationsTable}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) setup() error {
	goose.SetBaseFS(migrations)
	goose.SetTableName(m.migrationsTable)
	return goose.SetDialect("pgx")
}

func (m *Manager) run(fn func() error) error {
	if m.db == nil {
		return errors.New("migrate: database connection unavailable")
	}
	gooseMu.Lock()
	defer gooseMu.Unlock()
	if err := m.setup(); err != nil {
		return err
	}
	return fn()
}

// Up applies all pending migrations.
func (m *Manager) Up(ctx context.Context) error {
	return m.run(func() error {
		if err := gooseUp(ctx, m.db, "sql"); err != nil {
			return fmt.Errorf("apply migrations: %w", err)
		}
		return nil
	})
}

// Down rolls back the most recent applied migration.
func (m *Manager) Down(ctx context.Context) error {
	return m.run(func() error {
		if err := gooseDown(ctx, m.db, "sql"); err != nil {
			return fmt.Errorf("rollback migration: %w", err)
		}
		return nil
	})
}

// Version returns the current schema version.
func (m *Manager) Version(ctx context.Context) (int64, error) {
	var v int64
	err := m.run(func() error {
		var err error
		v, err = gooseVersion(ctx, m.db)
		return err
	})
	return v, err
}

// Status returns the applied migrations in order.
func (m *Manager) Status(ctx context.Context) ([]string, error) {
	var applied []string
	err := m.run(func() error {
		current, err := gooseVersion(ctx, m.db)
		if err != nil {
			return err
		}
		all, err := goose.CollectMigrations("sql", 0, goose.MaxVersion)
		if err != nil {
			return err
		}
		for _, mig := range all {
			if mig.Version <= current {
				applied = append(applied, filepath.Base(mig.Source))
			}
		}
		return nil
	})
	return applied, err
}
