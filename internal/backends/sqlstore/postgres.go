package sqlstore

import (
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
)

const defaultMaxConns = 10

const (
	pqUniqueViolation      = "23505"
	pqSerializationFailure = "40001"
)

var postgresDialect = dialect{
	name: "postgres",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS enrollments (
			id BIGSERIAL PRIMARY KEY,
			device_name TEXT NOT NULL,
			address TEXT NOT NULL UNIQUE,
			port INTEGER NOT NULL UNIQUE,
			location TEXT NOT NULL,
			function TEXT NOT NULL,
			unique_id TEXT NOT NULL UNIQUE,
			created_at TIMESTAMPTZ NOT NULL
		);`,
	},
	// SHARE ROW EXCLUSIVE conflicts with itself, so allocation transactions
	// queue behind each other while plain reads keep going.
	lock:   `LOCK TABLE enrollments IN SHARE ROW EXCLUSIVE MODE`,
	txOpts: &sql.TxOptions{Isolation: sql.LevelSerializable},
	rebind: rebindDollar,
	isConflict: func(err error) bool {
		var pe *pq.Error
		if !errors.As(err, &pe) {
			return false
		}
		return pe.Code == pqUniqueViolation || pe.Code == pqSerializationFailure
	},
}

// OpenPostgres connects to dsn and makes sure the schema exists.
func OpenPostgres(dsn string) (*Store, error) {
	if dsn == "" {
		return nil, errors.New("DB_DSN is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(defaultMaxConns)
	db.SetMaxIdleConns(defaultMaxConns)
	db.SetConnMaxLifetime(30 * time.Minute)

	return newStore(db, postgresDialect)
}
