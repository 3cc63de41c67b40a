package database

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var schemaFS embed.FS

// ErrDirtySchema means an earlier migration stopped halfway. The database is
// left alone until someone repairs it with the migrate CLI.
var ErrDirtySchema = errors.New("database schema is dirty")

type SchemaVersion struct {
	Version uint
	Applied bool // migrations ran during this call
}

// Migrate brings the bulletin store schema up to date.
func Migrate(db *DB) (SchemaVersion, error) {
	driver, err := sqlite.WithInstance(db.DB, &sqlite.Config{})
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("failed to create sqlite driver: %w", err)
	}

	source, err := iofs.New(schemaFS, "migrations")
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("failed to load embedded migrations: %w", err)
	}

	// m is not closed: closing it would close db as well
	m, err := migrate.NewWithInstance("iofs", source, "sqlite", driver)
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	before, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return SchemaVersion{}, fmt.Errorf("failed to read schema version: %w", err)
	}
	if dirty {
		return SchemaVersion{Version: before}, fmt.Errorf("%w at version %d", ErrDirtySchema, before)
	}

	applied := true
	if err := m.Up(); errors.Is(err, migrate.ErrNoChange) {
		applied = false
	} else if err != nil {
		return SchemaVersion{Version: before}, fmt.Errorf("failed to run migrations: %w", err)
	}

	after, _, err := m.Version()
	if err != nil {
		return SchemaVersion{}, fmt.Errorf("failed to read schema version: %w", err)
	}

	if applied {
		slog.Info("Database schema migrated", "from", before, "to", after)
	}
	return SchemaVersion{Version: after, Applied: applied}, nil
}
