package ididx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	_ "github.com/mattn/go-sqlite3" // sqlite3 driver
)

// sqliteBusyTimeout is how long a connection waits on SQLITE_BUSY before
// giving up. The writer is the only connection that ever takes a write
// lock, so contention is only expected against the reader's long-lived
// snapshot transaction during a reopen.
const sqliteBusyTimeout = 10000 // milliseconds

// CacheSizeEnv optionally caps the index's SQLite page-cache budget, in
// KiB per connection. Unset, empty, or unparseable values leave SQLite's
// default in place.
const CacheSizeEnv = "SEQSTORE_INDEX_CACHE_KIB"

// openSqlite opens path with the pragmas the snapshot-reader/writer split
// depends on: WAL mode for reader/writer concurrency without blocking, and
// a bounded busy timeout so a stuck lock surfaces as an error rather than
// hanging forever.
func openSqlite(ctx context.Context, path string) (*sql.DB, error) {
	if path == "" {
		return nil, errors.New("open sqlite: path is empty")
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	if err := applyPragmas(ctx, db); err != nil {
		_ = db.Close()

		return nil, err
	}

	return db, nil
}

func applyPragmas(ctx context.Context, db *sql.DB) error {
	// synchronous = FULL so a committed transaction survives power loss:
	// in WAL mode, NORMAL skips the WAL fsync on commit and a "durable"
	// commit could roll back after a crash.
	statements := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", sqliteBusyTimeout),
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = FULL",
	}

	// Negative cache_size is SQLite's "budget in KiB" convention, as
	// opposed to a positive page count.
	if kib, err := strconv.Atoi(os.Getenv(CacheSizeEnv)); err == nil && kib > 0 {
		statements = append(statements, fmt.Sprintf("PRAGMA cache_size = -%d", kib))
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	return nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS identifiers (
	identifier TEXT PRIMARY KEY,
	key        INTEGER NOT NULL
) WITHOUT ROWID;
CREATE INDEX IF NOT EXISTS idx_identifiers_key ON identifiers(key);
`

func createSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	return nil
}
