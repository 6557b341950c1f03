package postgresql

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"pixrelay/internal/config"
	"pixrelay/internal/port"
	"pixrelay/internal/repository/migration"
	"pixrelay/internal/repository/sqlstore"
)

// Open connects to Postgres, applies the schema and returns the reference store.
func Open(ctx context.Context, cfg config.StoreConfig) (port.ReferenceStore, error) {
	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	if cfg.MaxOpenConnection > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConnection)
	}
	if cfg.MaxIdleConnection > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConnection)
	}
	if cfg.ConnectionLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnectionLifetime)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := migration.RunMigrations(ctx, db, sqlstore.Postgres.Name); err != nil {
		db.Close()
		return nil, err
	}

	return sqlstore.NewReferenceRepository(db, sqlstore.Postgres), nil
}
