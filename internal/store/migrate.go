package store

import (
	"database/sql"
	"embed"

	"codeberg.org/mutker/bitaxectl/internal/errors"
	"codeberg.org/mutker/bitaxectl/internal/logger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// migrateUp brings the schema to the latest embedded version.
func migrateUp(db *sql.DB, log logger.Logger) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return errFactory.WithData(ErrSchemaMigration, struct {
			Phase string
			Error string
		}{
			Phase: "open_source",
			Error: err.Error(),
		})
	}

	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return errFactory.WithData(ErrSchemaMigration, struct {
			Phase string
			Error string
		}{
			Phase: "open_driver",
			Error: err.Error(),
		})
	}

	// m is not closed: closing it closes db as well.
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return errFactory.Wrap(ErrSchemaMigration, err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return errFactory.WithData(ErrSchemaMigration, struct {
			Phase string
			Error string
		}{
			Phase: "up",
			Error: err.Error(),
		})
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return errFactory.Wrap(ErrSchemaMigration, err)
	}

	log.Debug().
		Uint("version", version).
		Bool("dirty", dirty).
		Msg("Schema version is current")

	return nil
}
