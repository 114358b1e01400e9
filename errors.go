package seqstore

import "errors"

// ErrNotFound is returned by Get and GetMultiple when an identifier has no
// live mapping.
var ErrNotFound = errors.New("seqstore: identifier not found")

// ErrInvalid is returned for a nil identifier/data argument, an empty
// identifier, or an identifier containing a newline.
var ErrInvalid = errors.New("seqstore: invalid identifier or data")

// ErrVersionMismatch is returned by Open when the store directory's
// version marker disagrees with the format version this package writes
// and reads.
var ErrVersionMismatch = errors.New("seqstore: on-disk version does not match current version")

// ErrLockObtainFailed is returned by Open when another Store instance
// already holds the directory's exclusive lock.
var ErrLockObtainFailed = errors.New("seqstore: store directory is locked by another process")

// ErrCorruptLog is returned by Open when the Record Log is nonempty but no
// valid frame can be found anywhere in it - recovery trusts no partial
// frame but still requires at least one intact one. Callers must
// intervene: RecoverIndexFromLog on a log salvaged from backup, or a
// fresh store.
var ErrCorruptLog = errors.New("seqstore: record log has no recoverable frame")

// ErrConcurrentModification is returned by an iterator step when another
// operation committed and reopened the identifier index snapshot the
// iterator was reading from.
var ErrConcurrentModification = errors.New("seqstore: iterator snapshot was invalidated by a concurrent commit")

// ErrClosed is returned by any Store method called after Close.
var ErrClosed = errors.New("seqstore: store is closed")
