// Package sqlstore implements the allocation store on database/sql, with a
// SQLite dialect for single-node deployments and a PostgreSQL dialect for
// shared ones. Uniqueness of port, address and unique ID is enforced by
// UNIQUE constraints; the scans inside a transaction are only a fast path.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/josephsvk/DRTA/internal/ports"
	"github.com/josephsvk/DRTA/internal/types"
)

const tableName = "enrollments"

type dialect struct {
	name   string
	schema []string
	// lock runs first in every allocation transaction.
	lock   string
	txOpts *sql.TxOptions
	rebind func(query string) string
	// isConflict recognises constraint violations and serialization failures.
	isConflict func(err error) bool
}

type Store struct {
	db  *sql.DB
	d   dialect
	now func() time.Time
}

func newStore(db *sql.DB, d dialect) (*Store, error) {
	s := &Store{db: db, d: d, now: time.Now}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	for _, stmt := range s.d.schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("%s schema: %w", s.d.name, err)
		}
	}
	return nil
}

func (s *Store) Allocate(ctx context.Context, fn ports.AllocateFunc) (types.EnrollmentRecord, error) {
	tx, err := s.db.BeginTx(ctx, s.d.txOpts)
	if err != nil {
		return types.EnrollmentRecord{}, s.wrap(ctx, err, "begin allocation")
	}
	// Rollback after Commit is a no-op.
	defer func() { _ = tx.Rollback() }()

	if s.d.lock != "" {
		if _, err := tx.ExecContext(ctx, s.d.lock); err != nil {
			return types.EnrollmentRecord{}, s.wrap(ctx, err, "lock %s", tableName)
		}
	}
	rec, err := fn(ctx, &sqlTx{s: s, tx: tx})
	if err != nil {
		return types.EnrollmentRecord{}, err
	}
	if err := ctx.Err(); err != nil {
		return types.EnrollmentRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		if s.d.isConflict(err) {
			return types.EnrollmentRecord{}, types.Err(types.ErrConflict, err, "")
		}
		return types.EnrollmentRecord{}, s.wrap(ctx, err, "commit allocation")
	}
	return rec, nil
}

// wrap surfaces context cancellation as-is and everything else as a store
// availability problem.
func (s *Store) wrap(ctx context.Context, err error, msgTemplate string, args ...any) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return types.Err(types.ErrStoreUnavailable, err, msgTemplate, args...)
}

type sqlTx struct {
	s  *Store
	tx *sql.Tx
}

func (t *sqlTx) NextFreePort(ctx context.Context, start, end int) (int, error) {
	rows, err := t.tx.QueryContext(ctx, t.s.d.rebind(
		`SELECT port FROM enrollments WHERE port >= ? AND port < ? ORDER BY port`),
		start, end,
	)
	if err != nil {
		return 0, t.s.wrap(ctx, err, "scan ports")
	}
	defer rows.Close()

	candidate := start
	for rows.Next() {
		var p int
		if err := rows.Scan(&p); err != nil {
			return 0, t.s.wrap(ctx, err, "scan ports")
		}
		if p > candidate {
			break // gap found
		}
		candidate = p + 1
	}
	if err := rows.Err(); err != nil {
		return 0, t.s.wrap(ctx, err, "scan ports")
	}
	if candidate >= end {
		return 0, types.ErrPortRangeExhausted
	}
	return candidate, nil
}

func (t *sqlTx) IsAddressTaken(ctx context.Context, address string) (bool, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx, t.s.d.rebind(
		`SELECT id FROM enrollments WHERE address = ?`), address,
	).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, t.s.wrap(ctx, err, "check address")
	}
	return true, nil
}

func (t *sqlTx) Insert(ctx context.Context, rec types.EnrollmentRecord) (types.EnrollmentRecord, error) {
	rec.CreatedAt = t.s.now().UTC().Truncate(time.Microsecond)
	err := t.tx.QueryRowContext(ctx, t.s.d.rebind(
		`INSERT INTO enrollments (device_name, address, port, location, function, unique_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 RETURNING id`),
		rec.DeviceName, rec.Address, rec.Port, rec.Location, rec.Function, rec.UniqueID, rec.CreatedAt,
	).Scan(&rec.ID)
	if err != nil {
		if t.s.d.isConflict(err) {
			return types.EnrollmentRecord{}, types.Err(types.ErrConflict, err, "")
		}
		return types.EnrollmentRecord{}, t.s.wrap(ctx, err, "insert enrollment")
	}
	return rec, nil
}

const selectColumns = `SELECT id, device_name, address, port, location, function, unique_id, created_at FROM enrollments`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (types.EnrollmentRecord, error) {
	var r types.EnrollmentRecord
	err := row.Scan(&r.ID, &r.DeviceName, &r.Address, &r.Port, &r.Location, &r.Function, &r.UniqueID, &r.CreatedAt)
	return r, err
}

func (s *Store) List(ctx context.Context) ([]types.EnrollmentRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY id`)
	if err != nil {
		return nil, s.wrap(ctx, err, "list enrollments")
	}
	defer rows.Close()

	var out []types.EnrollmentRecord
	for rows.Next() {
		r, err := scanRecord(rows)
		if err != nil {
			return nil, s.wrap(ctx, err, "list enrollments")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrap(ctx, err, "list enrollments")
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, uniqueID string) (types.EnrollmentRecord, error) {
	r, err := scanRecord(s.db.QueryRowContext(ctx, s.d.rebind(selectColumns+` WHERE unique_id = ?`), uniqueID))
	if errors.Is(err, sql.ErrNoRows) {
		return types.EnrollmentRecord{}, types.ErrNotFound
	}
	if err != nil {
		return types.EnrollmentRecord{}, s.wrap(ctx, err, "get enrollment %s", uniqueID)
	}
	return r, nil
}

func (s *Store) Delete(ctx context.Context, uniqueID string) error {
	res, err := s.db.ExecContext(ctx, s.d.rebind(`DELETE FROM enrollments WHERE unique_id = ?`), uniqueID)
	if err != nil {
		return s.wrap(ctx, err, "delete enrollment %s", uniqueID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return s.wrap(ctx, err, "delete enrollment %s", uniqueID)
	}
	if n == 0 {
		return types.ErrNotFound
	}
	return nil
}

func (s *Store) ClearAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM enrollments`)
	if err != nil {
		return s.wrap(ctx, err, "clear enrollments")
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// rebindDollar rewrites ? placeholders to $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func rebindNone(query string) string { return query }
