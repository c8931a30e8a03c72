package sqlstore

import (
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

const DefaultSQLitePath = "data/drta.db"

var sqliteDialect = dialect{
	name: "sqlite",
	schema: []string{
		`CREATE TABLE IF NOT EXISTS enrollments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_name TEXT NOT NULL,
			address TEXT NOT NULL UNIQUE,
			port INTEGER NOT NULL UNIQUE,
			location TEXT NOT NULL,
			function TEXT NOT NULL,
			unique_id TEXT NOT NULL UNIQUE,
			created_at DATETIME NOT NULL
		);`,
	},
	rebind: rebindNone,
	isConflict: func(err error) bool {
		return strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:" is
// accepted for tests. All access goes through one connection, so allocation
// transactions are serialized by the pool itself; AUTOINCREMENT keeps IDs of
// deleted rows from being reused.
func OpenSQLite(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = DefaultSQLitePath
	}

	dsn := path
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = "file:" + filepath.ToSlash(path) + "?_txlock=immediate"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	for _, pragma := range []string{
		`PRAGMA foreign_keys = ON;`,
		`PRAGMA journal_mode = WAL;`,
		`PRAGMA busy_timeout = 5000;`,
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return newStore(db, sqliteDialect)
}
