package seqstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/calvinalkan/seqstore/internal/ididx"
	"github.com/calvinalkan/seqstore/internal/recordlog"
	"github.com/calvinalkan/seqstore/pkg/fs"
)

// RecoverIndexFromLog rebuilds dir's Identifier Index entirely from the
// Record Log, discarding whatever index state currently exists. It is the
// escape hatch for an Identifier Index that was lost or corrupted
// independently of the log. It opens the Record Log the same way Open
// does, so a log that makes Open fail with ErrCorruptLog makes it fail
// too; after ErrCorruptLog it helps only once the log has been replaced,
// for example by one salvaged from backup. The Record Log's
// envelope (see envelope.go) carries each frame's identifier, so the
// mapping can be reconstructed by replaying every frame in log order and
// keeping, for each identifier, the highest key seen.
//
// Limitation: the Record Log has no record of deletions (it is
// identifier-agnostic and never sees a delete). An identifier deleted
// before the index was lost will reappear, bound to whatever key it last
// held in the log, unless a GC had already reclaimed that frame. Recovery
// restores "everything physically still in the log", not "exactly the
// live set at the moment of loss" - callers that need the latter should
// restore the Identifier Index from a backup instead.
//
// The directory must not have an open Store at the time this is called;
// it manipulates the index directory and the log file directly.
func RecoverIndexFromLog(dir string) error {
	return RecoverIndexFromLogFS(fs.NewReal(), dir)
}

// RecoverIndexFromLogFS is RecoverIndexFromLog parameterized over the
// filesystem, for testing against fs.Crash/fs.Chaos.
func RecoverIndexFromLogFS(fsys fs.FS, dir string) error {
	ctx := context.Background()

	logFile, err := fsys.OpenFile(filepath.Join(dir, logFileName), os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("seqstore: recover: open record log: %w", err)
	}

	log, err := recordlog.Open(logFile, recordlog.Options{})
	if err != nil {
		_ = logFile.Close()

		return fmt.Errorf("seqstore: recover: open record log: %w", err)
	}

	defer func() { _ = log.Close() }()

	idxDir := filepath.Join(dir, indexDirName)

	if err := fsys.RemoveAll(idxDir); err != nil {
		return fmt.Errorf("seqstore: recover: clear stale index: %w", err)
	}

	if err := fsys.MkdirAll(idxDir, 0o755); err != nil {
		return fmt.Errorf("seqstore: recover: create index directory: %w", err)
	}

	idx, err := ididx.Open(ctx, idxDir, 0)
	if err != nil {
		return fmt.Errorf("seqstore: recover: open fresh index: %w", err)
	}

	defer func() { _ = idx.Close(ctx) }()

	it, err := log.Iter()
	if err != nil {
		return fmt.Errorf("seqstore: recover: scan record log: %w", err)
	}

	for it.Next() {
		identifier, _, err := decodeEnvelope(it.Value())
		if err != nil {
			// A frame whose envelope doesn't parse predates this
			// encoding, or is otherwise unrecoverable; skip it rather
			// than aborting the whole recovery.
			continue
		}

		if err := idx.Set(ctx, identifier, it.Key()); err != nil {
			return fmt.Errorf("seqstore: recover: set %q: %w", identifier, err)
		}
	}

	if err := it.Err(); err != nil {
		return fmt.Errorf("seqstore: recover: scan record log: %w", err)
	}

	return idx.Close(ctx)
}
