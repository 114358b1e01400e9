package ididx

import (
	"context"
	"database/sql"
	"fmt"
)

// Iterator walks live identifiers in key-ascending order over a committed
// snapshot. It captures the index's generation at creation time and
// verifies it on every step; a commit+reopen performed by another
// operation while the iterator is alive invalidates it.
type Iterator struct {
	idx        *Index
	rows       *sql.Rows
	generation uint64

	identifier string
	key        uint64

	err  error
	done bool
}

// IterKeys returns identifiers in key-ascending order. It forces a
// commit+reopen first so the iteration sees a consistent, fully committed
// snapshot.
func (idx *Index) IterKeys(ctx context.Context) (*Iterator, error) {
	return idx.newIterator(ctx)
}

// IterValues returns the same sequence as IterKeys; callers interested only
// in the keys use Iterator.Key, those interested in identifiers use
// Iterator.Identifier - both are populated on every step.
func (idx *Index) IterValues(ctx context.Context) (*Iterator, error) {
	return idx.newIterator(ctx)
}

func (idx *Index) newIterator(ctx context.Context) (*Iterator, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.closed {
		return nil, ErrClosed
	}

	if err := idx.commitLocked(ctx); err != nil {
		return nil, err
	}

	if err := idx.reopenLocked(ctx); err != nil {
		return nil, err
	}

	rows, err := idx.readerTx.QueryContext(ctx,
		"SELECT identifier, key FROM identifiers ORDER BY key ASC")
	if err != nil {
		return nil, fmt.Errorf("ididx: iter: %w", err)
	}

	return &Iterator{idx: idx, rows: rows, generation: idx.generation}, nil
}

// Next advances the iterator. It returns false at the end of the
// snapshot, or on error (check Err, which distinguishes ErrConcurrentModification
// from an underlying I/O error).
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	it.idx.mu.Lock()
	defer it.idx.mu.Unlock()

	if it.idx.generation != it.generation {
		it.err = ErrConcurrentModification
		it.done = true

		return false
	}

	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			it.err = fmt.Errorf("ididx: iter: %w", err)
		}

		it.done = true

		return false
	}

	if err := it.rows.Scan(&it.identifier, &it.key); err != nil {
		it.err = fmt.Errorf("ididx: iter scan: %w", err)
		it.done = true

		return false
	}

	return true
}

// Identifier returns the current row's identifier. Valid only after Next
// returns true.
func (it *Iterator) Identifier() string { return it.identifier }

// Key returns the current row's key. Valid only after Next returns true.
func (it *Iterator) Key() uint64 { return it.key }

// Err returns the first error encountered by Next, if any.
func (it *Iterator) Err() error { return it.err }
