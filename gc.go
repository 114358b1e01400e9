package seqstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/calvinalkan/seqstore/internal/recordlog"
)

// GC compacts the store: it rewrites the Record Log to keep only the
// frames the Identifier Index still references, dropping the garbage left
// behind by overwrites and deletes.
//
// maxSegments has no meaning for this single-file append log - there is
// exactly one segment - so it is accepted for call-signature compatibility
// and otherwise ignored.
//
// wait=false starts compaction in the background and returns immediately;
// the caller can observe completion via Close, which always waits for
// every started run. A later GC call does not wait for an earlier one
// before starting its own run; the runs are only serialized by writeMu.
// wait=true blocks until this call's compaction finishes and returns its
// error, if any.
//
// GC never runs concurrently with Add/Delete/Commit: it takes the same
// writeMu they do for its entire duration.
func (s *Store) GC(ctx context.Context, maxSegments int, wait bool) error {
	_ = maxSegments

	if s.isClosed() {
		return ErrClosed
	}

	done := make(chan error, 1)

	s.gcWG.Add(1)

	go func() {
		defer s.gcWG.Done()

		done <- s.runGC(ctx)
	}()

	if !wait {
		return nil
	}

	return <-done
}

func (s *Store) runGC(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	if err := s.idx.Reopen(ctx); err != nil {
		return translateIdidxErr(err)
	}

	keys, err := s.liveKeysLocked(ctx)
	if err != nil {
		return err
	}

	tmpPath := filepath.Join(s.dir, gcTmpName)
	logPath := filepath.Join(s.dir, logFileName)

	// GC must be idempotent with respect to a previous interrupted run: a
	// leftover tmp file from that run is just garbage, never data to
	// preserve, since nothing has been renamed over the live log yet.
	if err := s.fsys.Remove(tmpPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("seqstore: gc: remove stale tmp log: %w", err)
	}

	tmpFile, err := s.fsys.OpenFile(tmpPath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("seqstore: gc: create tmp log: %w", err)
	}

	tmpLog, err := recordlog.Open(tmpFile, recordlog.Options{
		BlockSize: int64(s.cfg.BlockSize),
		Codec:     recordlog.NewZlibCodec(s.cfg.CompressionLevel),
	})
	if err != nil {
		_ = tmpFile.Close()
		_ = s.fsys.Remove(tmpPath)

		return fmt.Errorf("seqstore: gc: open tmp log: %w", err)
	}

	if err := s.log.CopyTo(tmpLog, keys, false); err != nil {
		_ = tmpLog.Close()
		_ = s.fsys.Remove(tmpPath)

		return fmt.Errorf("seqstore: gc: copy live frames: %w", err)
	}

	if err := tmpLog.Close(); err != nil {
		_ = s.fsys.Remove(tmpPath)

		return fmt.Errorf("seqstore: gc: close tmp log: %w", err)
	}

	// From here the old log is closed and the field swapped; hold logMu
	// exclusively so no reader loads the pointer mid-swap or ends up
	// reading through the closed handle.
	s.logMu.Lock()
	defer s.logMu.Unlock()

	if err := s.log.Close(); err != nil {
		return fmt.Errorf("seqstore: gc: close old log: %w", err)
	}

	if err := s.fsys.Rename(tmpPath, logPath); err != nil {
		return fmt.Errorf("seqstore: gc: rename compacted log into place: %w", err)
	}

	newFile, err := s.fsys.OpenFile(logPath, os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("seqstore: gc: reopen compacted log: %w", err)
	}

	newLog, err := recordlog.Open(newFile, recordlog.Options{
		BlockSize: int64(s.cfg.BlockSize),
		Codec:     recordlog.NewZlibCodec(s.cfg.CompressionLevel),
	})
	if err != nil {
		return fmt.Errorf("seqstore: gc: reopen compacted log: %w", err)
	}

	// The identifiers in the index still reference the same integer keys;
	// only their offsets in the log moved. No index rewrite is needed -
	// the key is the record's identity, not its position.
	s.log = newLog

	return nil
}

// liveKeysLocked returns every key the Identifier Index currently
// references, in ascending order (the index iterates ORDER BY key ASC),
// ready to hand to the Record Log's CopyTo.
func (s *Store) liveKeysLocked(ctx context.Context) ([]uint64, error) {
	it, err := s.idx.IterKeys(ctx)
	if err != nil {
		return nil, translateIdidxErr(err)
	}

	var keys []uint64

	for it.Next() {
		keys = append(keys, it.Key())
	}

	if err := it.Err(); err != nil {
		return nil, translateIdidxErr(err)
	}

	return keys, nil
}
