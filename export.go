package seqstore

import (
	"errors"
	"fmt"

	"github.com/calvinalkan/seqstore/internal/export"
)

// Export streams every live (identifier, data) pair to a new file at path,
// in the order IterItems would yield them.
func (s *Store) Export(path string) error {
	if s.isClosed() {
		return ErrClosed
	}

	count, err := s.Length()
	if err != nil {
		return err
	}

	f, err := s.fsys.Create(path)
	if err != nil {
		return fmt.Errorf("seqstore: export: %w", err)
	}

	defer func() { _ = f.Close() }()

	w, err := export.NewWriter(f, count)
	if err != nil {
		return fmt.Errorf("seqstore: export: %w", err)
	}

	it, err := s.IterItems()
	if err != nil {
		return err
	}

	for it.Next() {
		if err := w.Write(it.Identifier(), it.Data()); err != nil {
			if errors.Is(err, export.ErrEncodingViolation) {
				return fmt.Errorf("seqstore: export %q: %w", it.Identifier(), err)
			}

			return fmt.Errorf("seqstore: export: %w", err)
		}
	}

	if err := it.Err(); err != nil {
		return err
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("seqstore: export: %w", err)
	}

	return f.Sync()
}

// ImportFrom reads an export stream from path and Adds every record it
// contains. Identifiers already present in the store are
// overwritten, matching Add's ordinary overwrite semantics.
func (s *Store) ImportFrom(path string) error {
	if s.isClosed() {
		return ErrClosed
	}

	f, err := s.fsys.Open(path)
	if err != nil {
		return fmt.Errorf("seqstore: import: %w", err)
	}

	defer func() { _ = f.Close() }()

	r, err := export.NewReader(f)
	if err != nil {
		if errors.Is(err, export.ErrVersionMismatch) {
			return fmt.Errorf("%w: %w", ErrVersionMismatch, err)
		}

		return fmt.Errorf("seqstore: import: %w", err)
	}

	defer func() { _ = r.Close() }()

	for {
		rec, ok := r.Next()
		if !ok {
			break
		}

		if err := s.Add(rec.Identifier, rec.Data); err != nil {
			return fmt.Errorf("seqstore: import %q: %w", rec.Identifier, err)
		}
	}

	if err := r.Err(); err != nil {
		return fmt.Errorf("seqstore: import: %w", err)
	}

	return nil
}
