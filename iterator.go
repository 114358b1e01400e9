package seqstore

import (
	"context"

	"github.com/calvinalkan/seqstore/internal/ididx"
)

// KeyIterator walks live identifiers in the order of their most recently
// assigned key.
type KeyIterator struct {
	inner *ididx.Iterator
	err   error
}

// IterKeys returns identifiers in key-ascending order (i.e. oldest-surviving-
// write first, most recently (re)written last). It forces a commit+reopen
// of the Identifier Index first, so iteration sees a consistent snapshot.
func (s *Store) IterKeys() (*KeyIterator, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	inner, err := s.idx.IterKeys(context.Background())
	if err != nil {
		return nil, translateIdidxErr(err)
	}

	return &KeyIterator{inner: inner}, nil
}

// Next advances the iterator. It returns false at the end of the snapshot,
// or on error (check Err, which distinguishes ErrConcurrentModification
// from an underlying I/O error).
func (it *KeyIterator) Next() bool {
	if !it.inner.Next() {
		it.err = translateIdidxErr(it.inner.Err())

		return false
	}

	return true
}

// Identifier returns the current identifier. Valid only after Next returns
// true.
func (it *KeyIterator) Identifier() string { return it.inner.Identifier() }

// Err returns the first error encountered by Next, if any.
func (it *KeyIterator) Err() error { return it.err }

// ValueIterator walks live payloads in the same order as KeyIterator,
// fetching each one from the Record Log as it goes.
type ValueIterator struct {
	store *Store
	inner *ididx.Iterator
	data  []byte
	err   error
}

// IterValues returns payloads in the same order as IterKeys.
func (s *Store) IterValues() (*ValueIterator, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	inner, err := s.idx.IterValues(context.Background())
	if err != nil {
		return nil, translateIdidxErr(err)
	}

	return &ValueIterator{store: s, inner: inner}, nil
}

// Next advances the iterator.
func (it *ValueIterator) Next() bool {
	if !it.inner.Next() {
		it.err = translateIdidxErr(it.inner.Err())

		return false
	}

	data, err := it.store.fetchByKey(it.inner.Key())
	if err != nil {
		it.err = err

		return false
	}

	it.data = data

	return true
}

// Data returns the current payload. Valid only after Next returns true.
func (it *ValueIterator) Data() []byte { return it.data }

// Err returns the first error encountered by Next, if any.
func (it *ValueIterator) Err() error { return it.err }

// ItemIterator walks live (identifier, payload) pairs in the same order as
// KeyIterator.
type ItemIterator struct {
	store      *Store
	inner      *ididx.Iterator
	identifier string
	data       []byte
	err        error
}

// IterItems returns (identifier, data) pairs in the same order as IterKeys.
func (s *Store) IterItems() (*ItemIterator, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	inner, err := s.idx.IterKeys(context.Background())
	if err != nil {
		return nil, translateIdidxErr(err)
	}

	return &ItemIterator{store: s, inner: inner}, nil
}

// Next advances the iterator.
func (it *ItemIterator) Next() bool {
	if !it.inner.Next() {
		it.err = translateIdidxErr(it.inner.Err())

		return false
	}

	data, err := it.store.fetchByKey(it.inner.Key())
	if err != nil {
		it.err = err

		return false
	}

	it.identifier = it.inner.Identifier()
	it.data = data

	return true
}

// Identifier returns the current item's identifier. Valid only after Next
// returns true.
func (it *ItemIterator) Identifier() string { return it.identifier }

// Data returns the current item's payload. Valid only after Next returns
// true.
func (it *ItemIterator) Data() []byte { return it.data }

// Err returns the first error encountered by Next, if any.
func (it *ItemIterator) Err() error { return it.err }
