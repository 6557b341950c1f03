// Package sqlstore implements port.ReferenceStore on database/sql. The postgresql and sqlite
// packages open the database and pick the dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"pixrelay/internal/domain"
	"pixrelay/internal/port"
)

type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2, ...) instead of '?'.
	Numbered bool
	// LockRow is appended to the row lookup inside Reserve.
	LockRow string
}

var (
	Postgres = Dialect{Name: "postgres", Numbered: true, LockRow: " FOR UPDATE"}
	SQLite   = Dialect{Name: "sqlite3"}
)

const (
	insertPending = `INSERT INTO processed_references (reference, status, token, reserved_at)
	VALUES (?, 'pending', ?, ?)
	ON CONFLICT (reference) DO NOTHING`

	selectRecord = `SELECT status, reserved_at FROM processed_references WHERE reference = ?`

	takeOver = `UPDATE processed_references SET token = ?, reserved_at = ?
	WHERE reference = ? AND status = 'pending'`

	upsertProcessed = `INSERT INTO processed_references (reference, status, token, reserved_at, processed_at)
	VALUES (?, 'processed', '', ?, ?)
	ON CONFLICT (reference) DO UPDATE SET status = 'processed', processed_at = excluded.processed_at
	WHERE processed_references.status <> 'processed'`

	deletePending = `DELETE FROM processed_references WHERE reference = ? AND status = 'pending' AND token = ?`

	selectStatus = `SELECT status FROM processed_references WHERE reference = ?`

	selectProcessed = `SELECT reference FROM processed_references WHERE status = 'processed' ORDER BY reference`
)

type referenceRepository struct {
	db      *sql.DB
	dialect Dialect
	now     func() time.Time

	// afterConflict runs between a conflicting insert and the row lookup. Tests only.
	afterConflict func(ctx context.Context, tx *sql.Tx) error
}

func NewReferenceRepository(db *sql.DB, dialect Dialect) port.ReferenceStore {
	return &referenceRepository{db: db, dialect: dialect, now: func() time.Time { return time.Now().UTC() }}
}

func (r *referenceRepository) q(query string) string {
	if !r.dialect.Numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, ch := range query {
		if ch == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (r *referenceRepository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (r *referenceRepository) Reserve(ctx context.Context, reference, token string, staleAfter time.Duration) (domain.ReserveOutcome, error) {
	outcome := domain.InFlight
	err := r.withTx(ctx, func(tx *sql.Tx) error {
		now := r.now()

		// A conflicting row can be released between the insert and the lookup;
		// in that case the insert is tried once more before giving up.
		for attempt := 0; attempt < 2; attempt++ {
			res, err := tx.ExecContext(ctx, r.q(insertPending), reference, token, now)
			if err != nil {
				return fmt.Errorf("insert reservation: %w", err)
			}
			if rows, _ := res.RowsAffected(); rows == 1 {
				outcome = domain.Reserved
				return nil
			}

			if r.afterConflict != nil {
				if err := r.afterConflict(ctx, tx); err != nil {
					return err
				}
			}

			var (
				status     string
				reservedAt time.Time
			)
			err = tx.QueryRowContext(ctx, r.q(selectRecord)+r.dialect.LockRow, reference).Scan(&status, &reservedAt)
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("lookup reservation: %w", err)
			}

			if domain.ReferenceStatus(status) == domain.ReferenceProcessed {
				outcome = domain.AlreadyProcessed
				return nil
			}
			if now.Sub(reservedAt) < staleAfter {
				return nil
			}

			if _, err := tx.ExecContext(ctx, r.q(takeOver), token, now, reference); err != nil {
				return fmt.Errorf("take over stale reservation: %w", err)
			}
			outcome = domain.Reserved
			return nil
		}
		return nil
	})
	if err != nil {
		return domain.ReserveUnknown, err
	}
	return outcome, nil
}

func (r *referenceRepository) Confirm(ctx context.Context, reference string) error {
	now := r.now()
	if _, err := r.db.ExecContext(ctx, r.q(upsertProcessed), reference, now, now); err != nil {
		return fmt.Errorf("confirm reference: %w", err)
	}
	return nil
}

func (r *referenceRepository) Release(ctx context.Context, reference, token string) error {
	res, err := r.db.ExecContext(ctx, r.q(deletePending), reference, token)
	if err != nil {
		return fmt.Errorf("release reference: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("release reference: %w", err)
	}
	if rows == 0 {
		return domain.ErrReservationNotOwned
	}
	return nil
}

func (r *referenceRepository) Status(ctx context.Context, reference string) (domain.ReferenceStatus, error) {
	var status string
	err := r.db.QueryRowContext(ctx, r.q(selectStatus), reference).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ReferenceUnknown, nil
	}
	if err != nil {
		return domain.ReferenceUnknown, fmt.Errorf("reference status: %w", err)
	}
	return domain.ReferenceStatus(status), nil
}

func (r *referenceRepository) ListProcessed(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, selectProcessed)
	if err != nil {
		return nil, fmt.Errorf("list processed references: %w", err)
	}
	defer rows.Close()

	var refs []string
	for rows.Next() {
		var ref string
		if err := rows.Scan(&ref); err != nil {
			return nil, fmt.Errorf("scan reference: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (r *referenceRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

func (r *referenceRepository) Close() error {
	return r.db.Close()
}
