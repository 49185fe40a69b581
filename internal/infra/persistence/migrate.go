package persistence

import (
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/spounge-ai/cashier/migrations"
)

// MigratePostgres applies the embedded schema for the default cache table.
// It returns nil when the schema is already current.
func MigratePostgres(databaseURL string) error {
	if databaseURL == "" {
		return notConfigured("postgres: url is required")
	}

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	mig, err := migrate.NewWithSourceInstance("iofs", src, databaseURL)
	if err != nil {
		return backendError("create migrate instance", err)
	}
	defer func() {
		_, _ = mig.Close()
	}()

	if err := mig.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return backendError("run migrations", err)
	}
	return nil
}
