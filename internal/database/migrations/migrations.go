// Package migrations holds the chain registry schema and applies it with
// golang-migrate from embedded SQL files.
package migrations

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed files/*.sql
var migrationFiles embed.FS

// Status is the schema version of a registry compared with the version this
// binary ships.
type Status struct {
	Version   uint // 0 when the registry has never been migrated
	Latest    uint
	Dirty     bool
	Versioned bool
}

// Err describes why a registry with this status cannot be used, or nil.
func (s Status) Err() error {
	switch {
	case !s.Versioned:
		return fmt.Errorf("database has no schema version (needs migration)")
	case s.Dirty:
		return fmt.Errorf("database is in dirty state at version %d (migration failed previously)", s.Version)
	case s.Version < s.Latest:
		return fmt.Errorf("database is at version %d but latest is %d (%d migrations behind)",
			s.Version, s.Latest, s.Latest-s.Version)
	case s.Version > s.Latest:
		return fmt.Errorf("database version %d is ahead of binary version %d (binary needs update)",
			s.Version, s.Latest)
	}
	return nil
}

// Inspect reads the schema status of db.
func Inspect(db *sql.DB) (Status, error) {
	latest, err := latestVersion()
	if err != nil {
		return Status{}, fmt.Errorf("failed to determine latest version: %w", err)
	}
	st := Status{Latest: latest}

	// m is not closed: that would close db, which the caller owns.
	m, err := newMigrate(db)
	if err != nil {
		return Status{}, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		return st, nil
	case err != nil:
		return Status{}, fmt.Errorf("failed to get database version: %w", err)
	}
	st.Version, st.Dirty, st.Versioned = version, dirty, true
	return st, nil
}

// Check returns nil when db is at exactly the latest schema version.
func Check(db *sql.DB) error {
	st, err := Inspect(db)
	if err != nil {
		return err
	}
	return st.Err()
}

// Up runs all pending migrations. A registry already at the latest version
// is left alone.
func Up(db *sql.DB) error {
	m, err := newMigrate(db)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration failed: %w", err)
	}
	return nil
}

func newMigrate(db *sql.DB) (*migrate.Migrate, error) {
	sourceDriver, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return nil, fmt.Errorf("failed to create source driver: %w", err)
	}

	dbDriver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite3", dbDriver)
	if err != nil {
		sourceDriver.Close()
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	return m, nil
}

// latestVersion returns the highest migration version embedded in the binary.
func latestVersion() (uint, error) {
	src, err := iofs.New(migrationFiles, "files")
	if err != nil {
		return 0, fmt.Errorf("failed to read migration files: %w", err)
	}
	defer src.Close()
	return lastVersion(src)
}

func lastVersion(src source.Driver) (uint, error) {
	v, err := src.First()
	if err != nil {
		return 0, err
	}
	for {
		next, err := src.Next(v)
		if errors.Is(err, fs.ErrNotExist) {
			return v, nil
		}
		if err != nil {
			return 0, err
		}
		v = next
	}
}
