package seqstore

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/calvinalkan/seqstore/internal/ididx"
	"github.com/calvinalkan/seqstore/internal/recordlog"
)

// MultiIterator is returned by GetMultiple: a lazy sequence of resolved
// (identifier, data) pairs.
type MultiIterator struct {
	store *Store
	inner *recordlog.MultiIterator
	byKey map[uint64][]string

	// pendingIDs holds the identifiers still owed for the frame most
	// recently pulled from the log - more than one when the caller asked
	// for the same identifier twice.
	pendingIDs  []string
	pendingData []byte

	identifier string
	data       []byte

	err  error
	done bool
}

// GetMultiple resolves identifiers to keys via the Identifier Index, sorts
// the keys, then streams the payloads out of the Record Log in a single
// forward pass (its GetMultiple) before re-associating each payload with
// the identifier(s) that requested it. With ignoreMissing false, an
// identifier with no live mapping fails the whole call with ErrNotFound;
// with ignoreMissing true, it is silently skipped.
func (s *Store) GetMultiple(identifiers []string, ignoreMissing bool) (*MultiIterator, error) {
	if s.isClosed() {
		return nil, ErrClosed
	}

	byKey := make(map[uint64][]string, len(identifiers))

	for _, identifier := range identifiers {
		if err := validateIdentifier(identifier); err != nil {
			return nil, err
		}

		key, err := s.idx.Get(context.Background(), identifier)
		if err != nil {
			if errors.Is(err, ididx.ErrNotFound) {
				if ignoreMissing {
					continue
				}

				return nil, fmt.Errorf("seqstore: %q: %w", identifier, ErrNotFound)
			}

			return nil, translateIdidxErr(err)
		}

		byKey[key] = append(byKey[key], identifier)
	}

	keys := make([]uint64, 0, len(byKey))
	for key := range byKey {
		keys = append(keys, key)
	}

	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	// Every key came from a live index entry, so a missing frame is a
	// broken store, not a caller mistake; let the log report it as an
	// error rather than skipping it.
	s.logMu.RLock()
	inner, err := s.log.GetMultiple(keys, false)
	s.logMu.RUnlock()

	if err != nil {
		return nil, fmt.Errorf("seqstore: get multiple: %w", err)
	}

	return &MultiIterator{store: s, inner: inner, byKey: byKey}, nil
}

// Next advances the iterator. It returns false at the end of the resolved
// set or on error (check Err).
func (it *MultiIterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	if len(it.pendingIDs) == 0 {
		it.store.logMu.RLock()
		ok := it.inner.Next()
		it.store.logMu.RUnlock()

		if !ok {
			if err := it.inner.Err(); err != nil {
				if errors.Is(err, recordlog.ErrNotFound) {
					it.err = fmt.Errorf("seqstore: get multiple: %w: %w", ErrNotFound, err)
				} else {
					it.err = fmt.Errorf("seqstore: get multiple: %w", err)
				}
			}

			it.done = true

			return false
		}

		_, data, err := decodeEnvelope(it.inner.Value())
		if err != nil {
			it.err = err
			it.done = true

			return false
		}

		it.pendingIDs = it.byKey[it.inner.Key()]
		it.pendingData = data
	}

	it.identifier = it.pendingIDs[0]
	it.pendingIDs = it.pendingIDs[1:]
	it.data = it.pendingData

	return true
}

// Identifier returns the current record's identifier. Valid only after
// Next returns true.
func (it *MultiIterator) Identifier() string { return it.identifier }

// Data returns the current record's payload. Valid only after Next returns
// true.
func (it *MultiIterator) Data() []byte { return it.data }

// Err returns the first error encountered by Next, if any.
func (it *MultiIterator) Err() error { return it.err }
