// Package seqstore implements a persistent, append-only, identifier-
// addressed record store: the durable backing layer for a metadata
// pipeline that treats each record as an opaque byte payload.
//
// A Store composes three durable pieces - the Record Log
// (internal/recordlog), the Identifier Index (internal/ididx), and the
// version gate (internal/versiongate) - under a single directory, plus the
// in-process coordination that keeps key allocation, the modification
// buffer, and compaction consistent with each other.
package seqstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/calvinalkan/seqstore/internal/ididx"
	"github.com/calvinalkan/seqstore/internal/recordlog"
	"github.com/calvinalkan/seqstore/internal/versiongate"
	"github.com/calvinalkan/seqstore/pkg/fs"
)

const (
	logFileName  = "seqstore"
	gcTmpName    = "seqstore~"
	lockFileName = "seqstore.lock"
	indexDirName = "index"
)

// Store is the user-facing sequential store: monotonic key allocation over
// the Record Log, identifier bookkeeping over the Identifier Index,
// compaction, and export/import.
//
// A Store exclusively owns its Record Log file handle, its Identifier
// Index, and the directory lock for as long as it is open.
// It is safe for concurrent use by multiple goroutines within one process;
// it is not safe for two Store instances to open the same directory (Open
// returns ErrLockObtainFailed for the second one).
type Store struct {
	dir  string
	fsys fs.FS
	cfg  config

	lock *fs.Lock

	// writeMu serializes the operations that must never interleave with
	// each other: Add, Delete, Commit, and GC all take it.
	// Point reads (Get, GetMultiple) and iteration do not - they go
	// through the Identifier Index's own snapshot/buffer machinery, which
	// is what makes "a caller's next read is consistent with its own
	// prior writes" work without blocking readers behind writers.
	writeMu sync.Mutex

	// logMu guards the log field itself: a background GC closes the old
	// log and swaps in the compacted one while holding only writeMu,
	// which readers never take. Readers hold the read side for the full
	// duration of their log access so the swap can neither race the
	// pointer load nor close the handle out from under an in-flight
	// read. Operations already under writeMu don't need it - GC holds
	// writeMu for its entire run, so the field is stable for them.
	logMu   sync.RWMutex
	log     *recordlog.Log
	nextKey uint64

	idx *ididx.Index

	gcWG sync.WaitGroup

	closeMu sync.Mutex
	closed  bool
}

// Option configures a Store at Open time, overriding both the package
// defaults and anything loaded from seqstore.conf (config precedence:
// defaults, then file, then explicit Options).
type Option func(*config)

// WithMaxModifications overrides the Identifier Index's modification
// buffer threshold (default 10,000).
func WithMaxModifications(n int) Option {
	return func(c *config) { c.MaxModifications = n }
}

// WithBlockSize overrides the Record Log's sparse block index block size
// in bytes (default 8192).
func WithBlockSize(n int) Option {
	return func(c *config) { c.BlockSize = n }
}

// WithCompressionLevel overrides the zlib compression level used for new
// frames (default zlib.DefaultCompression).
func WithCompressionLevel(n int) Option {
	return func(c *config) { c.CompressionLevel = n }
}

// Open opens or creates a store at dir on the real filesystem.
func Open(dir string, opts ...Option) (*Store, error) {
	return OpenFS(fs.NewReal(), dir, opts...)
}

// OpenFS opens or creates a store at dir using fsys, which lets tests run
// the same open/recover/compact logic against fs.Crash or fs.Chaos instead
// of the real filesystem.
func OpenFS(fsys fs.FS, dir string, opts ...Option) (*Store, error) {
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("seqstore: create store directory %q: %w", dir, err)
	}

	if err := versiongate.Check(fsys, dir); err != nil {
		if errors.Is(err, versiongate.ErrVersionMismatch) {
			return nil, fmt.Errorf("%w: %w", ErrVersionMismatch, err)
		}

		return nil, fmt.Errorf("seqstore: version gate: %w", err)
	}

	locker := fs.NewLocker(fsys)

	lock, err := locker.TryLock(filepath.Join(dir, lockFileName))
	if err != nil {
		if errors.Is(err, fs.ErrWouldBlock) {
			return nil, fmt.Errorf("%w: %w", ErrLockObtainFailed, err)
		}

		return nil, fmt.Errorf("seqstore: acquire directory lock: %w", err)
	}

	store, err := openLocked(fsys, dir, lock, opts...)
	if err != nil {
		_ = lock.Close()

		return nil, err
	}

	return store, nil
}

func openLocked(fsys fs.FS, dir string, lock *fs.Lock, opts ...Option) (*Store, error) {
	cfg, err := loadConfig(fsys, dir)
	if err != nil {
		return nil, err
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	logFile, err := fsys.OpenFile(filepath.Join(dir, logFileName), os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("seqstore: open record log: %w", err)
	}

	log, err := recordlog.Open(logFile, recordlog.Options{
		BlockSize: int64(cfg.BlockSize),
		Codec:     recordlog.NewZlibCodec(cfg.CompressionLevel),
	})
	if err != nil {
		_ = logFile.Close()

		if errors.Is(err, recordlog.ErrCorrupt) {
			return nil, fmt.Errorf("%w: %w", ErrCorruptLog, err)
		}

		return nil, fmt.Errorf("seqstore: open record log: %w", err)
	}

	idxDir := filepath.Join(dir, indexDirName)

	if err := fsys.MkdirAll(idxDir, 0o755); err != nil {
		_ = log.Close()

		return nil, fmt.Errorf("seqstore: create index directory: %w", err)
	}

	idx, err := ididx.Open(context.Background(), idxDir, cfg.MaxModifications)
	if err != nil {
		_ = log.Close()

		return nil, fmt.Errorf("seqstore: open identifier index: %w", err)
	}

	nextKey := uint64(1)
	if last, ok := log.LastKey(); ok {
		nextKey = last + 1
	}

	return &Store{
		dir:     dir,
		fsys:    fsys,
		cfg:     cfg,
		lock:    lock,
		log:     log,
		nextKey: nextKey,
		idx:     idx,
	}, nil
}

func validateIdentifier(identifier string) error {
	for _, r := range identifier {
		if r == '\n' {
			return fmt.Errorf("%w: identifier contains a newline", ErrInvalid)
		}
	}

	if identifier == "" {
		return fmt.Errorf("%w: identifier is empty", ErrInvalid)
	}

	return nil
}

func (s *Store) isClosed() bool {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()

	return s.closed
}

// Add allocates a new key, appends data to the Record Log under it, then
// points identifier at that key in the Identifier Index. Overwrites
// are permitted: re-adding an existing identifier allocates a fresh key and
// leaves the prior frame as garbage for a future GC to reclaim.
func (s *Store) Add(identifier string, data []byte) error {
	if data == nil {
		return fmt.Errorf("%w: data is nil", ErrInvalid)
	}

	if err := validateIdentifier(identifier); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	key := s.nextKey

	envelope := encodeEnvelope(identifier, data)

	if err := s.log.Add(key, envelope, false); err != nil {
		return fmt.Errorf("seqstore: add %q: %w", identifier, err)
	}

	// The key is now durably claimed in the log regardless of what
	// happens next - never reuse it, even if the flush or the index
	// update below fails (the frame just becomes garbage for GC to
	// reclaim, or - for a failed flush - a partially written tail the
	// next Open's recovery scan will trim).
	s.nextKey++

	// A reader that later sees identifier -> key in the Identifier Index
	// must find frame key in the log, so the frame has to be flushed to
	// disk before the index is touched, not just durably claimed in memory.
	if err := s.log.Flush(); err != nil {
		return fmt.Errorf("seqstore: add %q: flush record log: %w", identifier, err)
	}

	if err := s.idx.Set(context.Background(), identifier, key); err != nil {
		return translateIdidxErr(err)
	}

	return nil
}

// Delete durably marks identifier as absent. Deleting an identifier with
// no live mapping is permitted and is a no-op beyond recording a
// tombstone in the modification buffer.
func (s *Store) Delete(identifier string) error {
	if err := validateIdentifier(identifier); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	if err := s.idx.Delete(context.Background(), identifier); err != nil {
		return translateIdidxErr(err)
	}

	return nil
}

// Get returns the payload currently mapped to identifier, or ErrNotFound.
func (s *Store) Get(identifier string) ([]byte, error) {
	if err := validateIdentifier(identifier); err != nil {
		return nil, err
	}

	if s.isClosed() {
		return nil, ErrClosed
	}

	key, err := s.idx.Get(context.Background(), identifier)
	if err != nil {
		if errors.Is(err, ididx.ErrNotFound) {
			return nil, fmt.Errorf("seqstore: %q: %w", identifier, ErrNotFound)
		}

		return nil, translateIdidxErr(err)
	}

	return s.fetchByKey(key)
}

// GetOrDefault behaves like Get, except a missing identifier yields def
// instead of ErrNotFound.
func (s *Store) GetOrDefault(identifier string, def []byte) ([]byte, error) {
	data, err := s.Get(identifier)
	if errors.Is(err, ErrNotFound) {
		return def, nil
	}

	return data, err
}

func (s *Store) fetchByKey(key uint64) ([]byte, error) {
	s.logMu.RLock()
	defer s.logMu.RUnlock()

	envelope, err := s.log.Get(key)
	if err != nil {
		if errors.Is(err, recordlog.ErrNotFound) {
			return nil, fmt.Errorf("seqstore: key %d: %w", key, ErrNotFound)
		}

		return nil, fmt.Errorf("seqstore: fetch key %d: %w", key, err)
	}

	_, data, err := decodeEnvelope(envelope)
	if err != nil {
		return nil, err
	}

	return data, nil
}

// Length returns the number of live identifiers. It forces a commit+
// reopen of the Identifier Index first, so it always reflects every
// buffered modification.
func (s *Store) Length() (int, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}

	n, err := s.idx.Length(context.Background())
	if err != nil {
		return 0, translateIdidxErr(err)
	}

	return n, nil
}

// Commit flushes the Record Log to disk, durably persists any buffered
// Identifier Index modifications, and reopens the index's reader snapshot
// so a subsequent iteration or length check sees them.
func (s *Store) Commit() error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.isClosed() {
		return ErrClosed
	}

	if err := s.log.Flush(); err != nil {
		return fmt.Errorf("seqstore: commit: flush record log: %w", err)
	}

	if err := s.idx.Reopen(context.Background()); err != nil {
		return translateIdidxErr(err)
	}

	return nil
}

// SizeOnDisk returns the combined on-disk size of the Record Log and the
// Identifier Index's durable files, used to confirm GC shrank the
// store.
func (s *Store) SizeOnDisk() (int64, error) {
	if s.isClosed() {
		return 0, ErrClosed
	}

	s.logMu.RLock()
	logSize, err := s.log.Size()
	s.logMu.RUnlock()

	if err != nil {
		return 0, fmt.Errorf("seqstore: size: record log: %w", err)
	}

	idxDir := filepath.Join(s.dir, indexDirName)

	entries, err := s.fsys.ReadDir(idxDir)
	if err != nil {
		return 0, fmt.Errorf("seqstore: size: index directory: %w", err)
	}

	var idxSize int64

	for _, entry := range entries {
		info, err := entry.Info()
		if err != nil {
			return 0, fmt.Errorf("seqstore: size: stat %q: %w", entry.Name(), err)
		}

		idxSize += info.Size()
	}

	return logSize + idxSize, nil
}

// Close commits buffered modifications, waits for any in-flight GC, closes
// the Record Log and Identifier Index, and releases the directory lock.
// The Store is unusable after Close; Close itself is idempotent.
func (s *Store) Close() error {
	s.closeMu.Lock()

	if s.closed {
		s.closeMu.Unlock()

		return nil
	}

	s.closed = true
	s.closeMu.Unlock()

	s.gcWG.Wait()

	s.writeMu.Lock()
	flushErr := s.log.Flush()
	s.writeMu.Unlock()

	logCloseErr := s.log.Close()
	idxCloseErr := s.idx.Close(context.Background())
	lockCloseErr := s.lock.Close()

	return errors.Join(flushErr, logCloseErr, translateIdidxErr(idxCloseErr), lockCloseErr)
}

func translateIdidxErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ididx.ErrNotFound):
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	case errors.Is(err, ididx.ErrClosed):
		return ErrClosed
	case errors.Is(err, ididx.ErrConcurrentModification):
		return fmt.Errorf("%w: %w", ErrConcurrentModification, err)
	case errors.Is(err, ididx.ErrInvalidIdentifier), errors.Is(err, ididx.ErrInvalidKey):
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	default:
		return err
	}
}
