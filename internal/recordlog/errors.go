// Package recordlog implements the append-only, key-framed record log that
// backs the sequential store: durable (key -> compressed payload) frames,
// a sparse in-memory block index for near-O(log N) lookup, and a
// corruption-tolerant scanner that recovers around arbitrary junk between
// frames.
package recordlog

import "errors"

// ErrNotFound is returned by Get and GetMultiple when the requested key has
// no live frame in the log.
var ErrNotFound = errors.New("recordlog: key not found")

// ErrMonotonicityViolation is returned by Add when key is not strictly
// greater than the log's current last key. It signals caller misuse: the
// sequential store never triggers this in normal operation because it
// always allocates last_key+1 before calling Add.
var ErrMonotonicityViolation = errors.New("recordlog: key is not greater than last key")

// ErrInvalidOrder is returned by GetMultiple when the requested keys are not
// strictly increasing.
var ErrInvalidOrder = errors.New("recordlog: keys must be strictly increasing")

// ErrCorrupt is returned by Open when a nonempty log file contains no frame
// that can be validated as the last one - i.e. no single valid frame exists
// anywhere in the file. A trailing partial frame alone does not trigger
// this; it is silently excluded from the log's visible tail.
var ErrCorrupt = errors.New("recordlog: no valid frame found in nonempty log")

// ErrClosed is returned by any operation after Close.
var ErrClosed = errors.New("recordlog: log is closed")
