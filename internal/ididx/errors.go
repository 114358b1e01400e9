// Package ididx is the durable identifier-to-key index: a SQLite-backed
// table mapping each live identifier to its current Record Log key, with an
// in-memory modification buffer overlaying uncommitted writes on top of a
// snapshot reader.
package ididx

import "errors"

// ErrNotFound is returned by Get for an identifier with no live mapping.
var ErrNotFound = errors.New("ididx: identifier not found")

// ErrInvalidIdentifier is returned for an empty identifier or one
// containing a newline.
var ErrInvalidIdentifier = errors.New("ididx: identifier is empty or contains a newline")

// ErrInvalidKey is returned by Set when key is not strictly positive.
var ErrInvalidKey = errors.New("ididx: key must be greater than zero")

// ErrClosed is returned by any operation after Close.
var ErrClosed = errors.New("ididx: index is closed")

// ErrConcurrentModification is returned by an iterator step when the
// index's snapshot generation changed (a commit+reopen happened) since the
// iterator was created.
var ErrConcurrentModification = errors.New("ididx: snapshot was invalidated by a concurrent commit")
