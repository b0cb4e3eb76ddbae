// Package sqlite implements the storage instance contract on a SQLite
// database file via the pure-Go modernc.org/sqlite driver. One DB handle is
// shared by all collection instances of a database; each collection maps to
// one table per schema version.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "modernc.org/sqlite"
)

var tableNameRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-]+$`)

// DB is a shared connection to one SQLite database file.
type DB struct {
	sql *sql.DB
}

// Open opens (or creates) the database file. WAL mode keeps readers
// unblocked by the committing writer.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	return &DB{sql: db}, nil
}

// OpenMemory opens a private in-memory database, mainly for tests and
// mirror collections.
func OpenMemory() (*DB, error) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("open in-memory sqlite database: %w", err)
	}
	// The write queue serializes access per instance; a single connection
	// keeps the shared in-memory database visible to all of them.
	db.SetMaxOpenConns(1)
	return &DB{sql: db}, nil
}

// Close closes the underlying handle. Instances must be closed first.
func (d *DB) Close() error {
	return d.sql.Close()
}

// tableName derives the physical table of a collection + schema version.
// Version bumps create a new physical namespace.
func tableName(collection string, schemaVersion int) (string, error) {
	if !tableNameRegex.MatchString(collection) {
		return "", fmt.Errorf("invalid collection name %q", collection)
	}
	return fmt.Sprintf("%s-%d", collection, schemaVersion), nil
}

func (d *DB) ensureTable(ctx context.Context, table string) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			id TEXT NOT NULL PRIMARY KEY,
			revision TEXT NOT NULL,
			deleted INTEGER NOT NULL CHECK (deleted IN (0, 1)),
			mtime INTEGER NOT NULL,
			data TEXT NOT NULL
		)`, table)
	if _, err := d.sql.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create table %q: %w", table, err)
	}

	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %q ON %q (mtime, id)`, table+"-mtime", table)
	if _, err := d.sql.ExecContext(ctx, idx); err != nil {
		return fmt.Errorf("create index on %q: %w", table, err)
	}
	return nil
}
