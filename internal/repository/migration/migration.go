package migration

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
)

var (
	//go:embed init_pg.sql
	postgresSchema string
	//go:embed init_sqlite.sql
	sqliteSchema string
)

// RunMigrations creates the processed_references table for the given driver.
func RunMigrations(ctx context.Context, db *sql.DB, driver string) error {
	var schema string
	switch driver {
	case "postgres":
		schema = postgresSchema
	case "sqlite3":
		schema = sqliteSchema
	default:
		return fmt.Errorf("no migrations for driver %q", driver)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("run %s migrations: %w", driver, err)
	}
	return nil
}
