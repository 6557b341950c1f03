package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pixrelay/internal/port"
	"pixrelay/internal/repository/migration"
	"pixrelay/internal/repository/sqlstore"
)

// Open returns a reference store backed by the SQLite file at path, creating it if needed.
func Open(ctx context.Context, path string) (port.ReferenceStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory %s: %w", dir, err)
		}
	}

	// - _journal_mode=WAL: readers do not block the single writer
	// - _synchronous=FULL: a committed reservation survives power loss
	// - _busy_timeout=10000: wait up to 10s for the write lock held by another process
	// - _txlock=immediate: take the write lock at BEGIN so Reserve is serialised
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=10000&_txlock=immediate", path)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if err := migration.RunMigrations(ctx, db, sqlstore.SQLite.Name); err != nil {
		db.Close()
		return nil, err
	}

	return sqlstore.NewReferenceRepository(db, sqlstore.SQLite), nil
}
