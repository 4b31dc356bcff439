// Package database opens the two kinds of SQLite files this PDS uses:
// one shared account.sqlite (accounts, sessions, the sequencer log, and
// the identity resolver's caches) and one store.sqlite per actor
// repository (HEAD + blocks). Both are opened through database/sql with
// the pure-Go modernc.org/sqlite driver — no cgo, matching how the
// retrieval pack's other Go repos embed SQLite.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// DB wraps a *sql.DB with the pragmas this application always wants.
type DB struct {
	Conn *sql.DB
	path string
}

// openPragmas is executed against every connection this package opens.
const openPragmas = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA foreign_keys = ON;
PRAGMA busy_timeout = 5000;
`

// open opens (creating if absent) a SQLite file at path, applies the
// standard pragmas, and runs schema against it.
func open(path, schema string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("database: mkdir %s: %w", dir, err)
		}
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("database: open %s: %w", path, err)
	}
	// A single-writer, append-mostly workload; one physical connection
	// avoids SQLITE_BUSY storms under WAL without a write-pool config knob.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(openPragmas); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: pragmas %s: %w", path, err)
	}
	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: bootstrap schema %s: %w", path, err)
	}

	return &DB{Conn: conn, path: path}, nil
}

// OpenAccountDB opens (and bootstraps) account.sqlite under dataDir.
func OpenAccountDB(dataDir string) (*DB, error) {
	return open(filepath.Join(dataDir, "account.sqlite"), AccountSchema)
}

// OpenActorDB opens (and bootstraps) the per-actor store.sqlite for did,
// sharded under actors/{shard}/{did}/.
func OpenActorDB(dataDir, did string) (*DB, error) {
	return open(ActorStorePath(dataDir, did), ActorSchema)
}

// Close closes the underlying connection.
func (db *DB) Close() error {
	return db.Conn.Close()
}

// Path returns the filesystem path this DB was opened from.
func (db *DB) Path() string { return db.path }

// WithTx runs fn inside a transaction, committing on nil error and
// rolling back otherwise. Every multi-statement write in this module
// (commits, sequencer appends, session rotation) goes through this so
// callers never hold a bare *sql.Tx across a suspension point boundary
// mismatch.
func (db *DB) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.Conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("database: begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("database: commit tx: %w", err)
	}
	return nil
}

// PingTimeout is the deadline applied to startup connectivity checks.
const PingTimeout = 5 * time.Second
