package store

import (
	"database/sql"
	_ "embed"

	_ "modernc.org/sqlite"

	"github.com/CLIAIMONITOR/coordcore/internal/corerr"
)

//go:embed schema.sql
var schemaSQL string

// DB is the durable task store backed by sqlite.
type DB struct {
	conn *sql.DB
}

// Open opens (creating if necessary) the sqlite database at path and
// applies the schema. path may be ":memory:" for tests.
func Open(path string) (*DB, error) {
	conn, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, corerr.Wrap(corerr.KindDependencyUnavailable, "store: open", err)
	}
	conn.SetMaxOpenConns(1) // sqlite write-serializes regardless; avoid SQLITE_BUSY churn

	db := &DB{conn: conn}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

func (d *DB) migrate() error {
	if _, err := d.conn.Exec(schemaSQL); err != nil {
		return corerr.Wrap(corerr.KindInternal, "store: apply schema", err)
	}
	return nil
}

// Close releases the underlying connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Ping reports whether the store's connection is alive, for the HTTP
// surface's readiness check.
func (d *DB) Ping() error {
	return d.conn.Ping()
}
