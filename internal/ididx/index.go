package ididx

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultMaxModifications is the number of buffered modifications that
// triggers an automatic commit+reopen.
const DefaultMaxModifications = 10000

// entry is the Modification Buffer's tagged union: either a pending key
// assignment, or a tombstone recording a pending deletion.
type entry struct {
	key       uint64
	tombstone bool
}

// Index is the durable identifier -> key mapping. A writer connection takes
// all mutations; a separate reader connection holds a long-lived read-only
// transaction that WAL mode turns into a consistent snapshot, advanced only
// by an explicit reopen. Uncommitted mutations are served out of an
// in-memory buffer so callers never observe the reader's staleness.
type Index struct {
	mu sync.Mutex

	writer *sql.DB
	reader *sql.DB

	readerConn *sql.Conn
	readerTx   *sql.Tx

	maxModifications int
	buffer           map[string]entry
	generation       uint64
	closed           bool
}

// Open opens (creating if absent) the identifier index database at path
// inside dir. maxModifications of zero uses DefaultMaxModifications.
func Open(ctx context.Context, dir string, maxModifications int) (*Index, error) {
	if maxModifications <= 0 {
		maxModifications = DefaultMaxModifications
	}

	path := filepath.Join(dir, "index.sqlite")

	writer, err := openSqlite(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("ididx: open writer: %w", err)
	}

	writer.SetMaxOpenConns(1)

	if err := createSchema(ctx, writer); err != nil {
		_ = writer.Close()

		return nil, fmt.Errorf("ididx: %w", err)
	}

	reader, err := openSqlite(ctx, path)
	if err != nil {
		_ = writer.Close()

		return nil, fmt.Errorf("ididx: open reader: %w", err)
	}

	// The reader is pinned to a single physical connection so its
	// snapshot transaction survives across calls instead of database/sql
	// silently handing out a different pooled connection per query.
	reader.SetMaxOpenConns(1)

	idx := &Index{
		writer:           writer,
		reader:           reader,
		maxModifications: maxModifications,
		buffer:           make(map[string]entry),
	}

	if err := idx.reopenLocked(ctx); err != nil {
		_ = writer.Close()
		_ = reader.Close()

		return nil, err
	}

	return idx, nil
}

func validateIdentifier(identifier string) error {
	if identifier == "" || strings.ContainsRune(identifier, '\n') {
		return ErrInvalidIdentifier
	}

	return nil
}

// Set records identifier -> key in the modification buffer, committing and
// reopening the snapshot if the buffer has grown past maxModifications.
func (idx *Index) Set(ctx context.Context, identifier string, key uint64) error {
	if err := validateIdentifier(identifier); err != nil {
		return err
	}

	if key == 0 {
		return ErrInvalidKey
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}

	idx.buffer[identifier] = entry{key: key}

	return idx.maybeAutoCommitLocked(ctx)
}

// Delete records a tombstone for identifier. Deleting an identifier with no
// live mapping is permitted and only affects the buffer.
func (idx *Index) Delete(ctx context.Context, identifier string) error {
	if err := validateIdentifier(identifier); err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}

	idx.buffer[identifier] = entry{tombstone: true}

	return idx.maybeAutoCommitLocked(ctx)
}

// Get returns the key currently mapped to identifier, or ErrNotFound.
func (idx *Index) Get(ctx context.Context, identifier string) (uint64, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return 0, ErrClosed
	}

	if e, ok := idx.buffer[identifier]; ok {
		if e.tombstone {
			return 0, ErrNotFound
		}

		return e.key, nil
	}

	var key uint64

	err := idx.readerTx.QueryRowContext(ctx,
		"SELECT key FROM identifiers WHERE identifier = ?", identifier).Scan(&key)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}

	if err != nil {
		return 0, fmt.Errorf("ididx: get: %w", err)
	}

	return key, nil
}

// Length returns the number of live identifiers. It forces a commit+reopen
// first so the count reflects every buffered modification.
func (idx *Index) Length(ctx context.Context) (int, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return 0, ErrClosed
	}

	if err := idx.commitLocked(ctx); err != nil {
		return 0, err
	}

	if err := idx.reopenLocked(ctx); err != nil {
		return 0, err
	}

	var n int

	err := idx.readerTx.QueryRowContext(ctx, "SELECT COUNT(*) FROM identifiers").Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("ididx: length: %w", err)
	}

	return n, nil
}

// Commit durably persists every buffered modification to the writer
// database. It does not refresh the reader snapshot: callers that read
// through the buffer keep seeing the modifications exactly as before,
// since the reader would not show them yet anyway.
func (idx *Index) Commit(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}

	return idx.commitLocked(ctx)
}

func (idx *Index) commitLocked(ctx context.Context) error {
	if len(idx.buffer) == 0 {
		return nil
	}

	tx, err := idx.writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("ididx: begin commit: %w", err)
	}

	upsert, err := tx.PrepareContext(ctx,
		"INSERT INTO identifiers(identifier, key) VALUES (?, ?) "+
			"ON CONFLICT(identifier) DO UPDATE SET key = excluded.key")
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("ididx: prepare upsert: %w", err)
	}

	del, err := tx.PrepareContext(ctx, "DELETE FROM identifiers WHERE identifier = ?")
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("ididx: prepare delete: %w", err)
	}

	for identifier, e := range idx.buffer {
		if e.tombstone {
			if _, err := del.ExecContext(ctx, identifier); err != nil {
				_ = tx.Rollback()

				return fmt.Errorf("ididx: delete %q: %w", identifier, err)
			}

			continue
		}

		if _, err := upsert.ExecContext(ctx, identifier, e.key); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("ididx: upsert %q: %w", identifier, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("ididx: commit: %w", err)
	}

	return nil
}

// reopenLocked commits nothing by itself: callers that want committed
// modifications visible must call commitLocked first. It rolls back the
// previous snapshot transaction (a pending read-only tx has nothing to
// lose by discarding), begins a fresh one, and clears the buffer - the
// buffer's only job was hiding staleness the new snapshot no longer has.
func (idx *Index) reopenLocked(ctx context.Context) error {
	if idx.readerConn == nil {
		conn, err := idx.reader.Conn(ctx)
		if err != nil {
			return fmt.Errorf("ididx: acquire reader connection: %w", err)
		}

		idx.readerConn = conn
	}

	if idx.readerTx != nil {
		if err := idx.readerTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			return fmt.Errorf("ididx: close previous snapshot: %w", err)
		}
	}

	tx, err := idx.readerConn.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return fmt.Errorf("ididx: begin snapshot: %w", err)
	}

	// WAL-mode snapshot isolation is pinned at the first statement
	// executed inside the transaction, not at BeginTx; run one now so the
	// snapshot boundary is exactly "everything committed so far".
	if _, err := tx.ExecContext(ctx, "SELECT 1"); err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("ididx: pin snapshot: %w", err)
	}

	idx.readerTx = tx
	idx.generation++
	idx.buffer = make(map[string]entry)

	return nil
}

// Reopen forces a commit of any buffered modifications followed by a fresh
// snapshot - the same sequence Length/IterKeys/IterValues trigger
// internally before they read. It is exposed directly for callers that
// need an up-to-date snapshot without also iterating or counting, such as
// GC collecting the live key set, or Sequential Store's Commit wanting to
// advance the reader without also counting or iterating.
func (idx *Index) Reopen(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return ErrClosed
	}

	if err := idx.commitLocked(ctx); err != nil {
		return err
	}

	return idx.reopenLocked(ctx)
}

func (idx *Index) maybeAutoCommitLocked(ctx context.Context) error {
	if len(idx.buffer) <= idx.maxModifications {
		return nil
	}

	if err := idx.commitLocked(ctx); err != nil {
		return err
	}

	return idx.reopenLocked(ctx)
}

// Close commits any remaining buffered modifications and releases both
// connections. Close is idempotent.
func (idx *Index) Close(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil
	}

	commitErr := idx.commitLocked(ctx)

	var rollbackErr error
	if idx.readerTx != nil {
		rollbackErr = idx.readerTx.Rollback()
		if errors.Is(rollbackErr, sql.ErrTxDone) {
			rollbackErr = nil
		}
	}

	var connErr error
	if idx.readerConn != nil {
		connErr = idx.readerConn.Close()
	}

	readerCloseErr := idx.reader.Close()
	writerCloseErr := idx.writer.Close()

	idx.closed = true

	return errors.Join(commitErr, rollbackErr, connErr, readerCloseErr, writerCloseErr)
}
