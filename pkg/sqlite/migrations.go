package sqlite

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/plaenen/eventcore/pkg/sqlite/migrate"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// runMigrations brings the event log schema up to date.
func runMigrations(db *sql.DB) error {
	migrations, err := migrate.Load(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load migrations: %w", err)
	}
	if err := migrate.New(db, "schema_migrations").Apply(migrations); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	return nil
}
