package store

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/postgres/*.sql migrations/sqlite/*.sql
var migrationFiles embed.FS

// Migrate applies the embedded schema migrations for backend to db.
// It is a no-op when the schema is already current.
func Migrate(db *sql.DB, backend string) error {
	var (
		driver database.Driver
		dir    string
		err    error
	)
	switch backend {
	case BackendPostgres:
		driver, err = migratepg.WithInstance(db, &migratepg.Config{})
		dir = "migrations/postgres"
	case BackendSQLite:
		driver, err = migratesqlite.WithInstance(db, &migratesqlite.Config{})
		dir = "migrations/sqlite"
	default:
		return fmt.Errorf("no migrations for backend %q", backend)
	}
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	src, err := iofs.New(migrationFiles, dir)
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, backend, driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	err = m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		slog.Debug("Migrate: no new migrations to apply", "backend", backend)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Info("Migrate: migrations applied successfully", "backend", backend)
	return nil
}
