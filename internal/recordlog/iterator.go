package recordlog

import "fmt"

// Iterator is a lazy, restartable-only-by-calling-again forward cursor over
// frames. It follows the same shape as bufio.Scanner: call Next until it
// returns false, then check Err.
//
// Each Iterator holds a dedicated read cursor that repositions the shared
// file handle on every read, and every step runs under the Log's mutex, so
// interleaving an Iterator with Get, Add, or another Iterator on the same
// Log is safe. What an in-flight Iterator sees of frames appended after it
// was created is unspecified: it stops at whatever end of file its next
// read observes.
type Iterator struct {
	log   *Log
	sc    *scanner
	frame Frame
	err   error
	done  bool

	// lowerBound/upperBound/inclusive are set by Range; Iter leaves them
	// nil (unbounded).
	lowerBound *uint64
	upperBound *uint64
	inclusive  bool
}

// Iter returns a restartable full scan from the start of the log.
func (l *Log) Iter() (*Iterator, error) {
	return l.rangeFrom(0)
}

// Range returns a lazy sequence of frames with key in [start, stop) or, if
// inclusive is true, [start, stop]. A nil stop means unbounded.
func (l *Log) Range(start uint64, stop *uint64, inclusive bool) (*Iterator, error) {
	l.mu.Lock()
	offset, err := l.bidx.offsetOf(start)
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}

	it, err := l.rangeFrom(offset)
	if err != nil {
		return nil, err
	}

	it.lowerBound = &start
	it.upperBound = stop
	it.inclusive = inclusive

	return it, nil
}

func (l *Log) rangeFrom(offset int64) (*Iterator, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	sc, err := newScanner(l.file, offset, l.codec)
	if err != nil {
		return nil, err
	}

	return &Iterator{log: l, sc: sc}, nil
}

// Next advances the iterator. It returns false at the end of the log, at
// the configured stop bound, or on error (check Err).
func (it *Iterator) Next() bool {
	if it.done || it.err != nil {
		return false
	}

	it.log.mu.Lock()
	frame, ok, err := it.sc.next()
	// Range starts scanning at a block boundary, which can precede start;
	// skip the frames below the lower bound.
	for ok && err == nil && it.lowerBound != nil && frame.Key < *it.lowerBound {
		it.log.bidx.observeOffset(frame.Offset, frame.Key)
		frame, ok, err = it.sc.next()
	}
	if ok {
		it.log.bidx.observeOffset(frame.Offset, frame.Key)
	}
	it.log.mu.Unlock()

	if err != nil {
		it.err = err
		it.done = true

		return false
	}

	if !ok {
		it.done = true

		return false
	}

	if it.upperBound != nil {
		if it.inclusive && frame.Key > *it.upperBound {
			it.done = true

			return false
		}

		if !it.inclusive && frame.Key >= *it.upperBound {
			it.done = true

			return false
		}
	}

	it.frame = frame

	return true
}

// Key returns the current frame's key. Valid only after Next returns true.
func (it *Iterator) Key() uint64 { return it.frame.Key }

// Value returns the current frame's decompressed payload. Valid only after
// Next returns true.
func (it *Iterator) Value() []byte { return it.frame.Payload }

// Err returns the first error encountered by Next, if any.
func (it *Iterator) Err() error { return it.err }

// MultiIterator is returned by GetMultiple.
type MultiIterator struct {
	log           *Log
	sc            *scanner
	keys          []uint64
	idx           int
	ignoreMissing bool
	cur           Frame
	err           error
	done          bool

	// lookahead holds a frame already pulled from the scanner but not yet
	// matched against the currently wanted key - e.g. because it belongs
	// to a later key and the ones in between are missing. lookaheadDone
	// is true once the scanner itself is exhausted, so Next stops trying
	// to pull another frame and instead just drains remaining keys as
	// missing (or stops, if ignoreMissing is false).
	lookahead     *Frame
	lookaheadDone bool
}

// GetMultiple returns a lazy sequence of frames for a sorted, strictly
// increasing list of keys, reusing a single forward scan across the whole
// request so keys that are close together in the log don't each pay for a
// fresh bisection.
func (l *Log) GetMultiple(keys []uint64, ignoreMissing bool) (*MultiIterator, error) {
	for i := 1; i < len(keys); i++ {
		if keys[i] <= keys[i-1] {
			return nil, ErrInvalidOrder
		}
	}

	if len(keys) == 0 {
		return &MultiIterator{done: true}, nil
	}

	l.mu.Lock()
	offset, err := l.bidx.offsetOf(keys[0])
	l.mu.Unlock()

	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	sc, err := newScanner(l.file, offset, l.codec)
	if err != nil {
		return nil, err
	}

	return &MultiIterator{log: l, sc: sc, keys: keys, ignoreMissing: ignoreMissing}, nil
}

// Next advances to the next requested key that was found (or, with
// ignoreMissing=false, returns false and sets Err on the first missing
// key).
func (it *MultiIterator) Next() bool {
	for {
		if it.done || it.err != nil {
			return false
		}

		if it.idx >= len(it.keys) {
			it.done = true

			return false
		}

		want := it.keys[it.idx]

		if it.lookahead == nil && !it.lookaheadDone {
			it.log.mu.Lock()
			frame, ok, err := it.sc.next()
			if ok {
				it.log.bidx.observeOffset(frame.Offset, frame.Key)
			}
			it.log.mu.Unlock()

			if err != nil {
				it.err = err
				it.done = true

				return false
			}

			if ok {
				it.lookahead = &frame
			} else {
				it.lookaheadDone = true
			}
		}

		if it.lookahead == nil {
			// Scanner exhausted: every remaining requested key is missing.
			if !it.ignoreMissing {
				it.err = fmt.Errorf("%w: key %d", ErrNotFound, want)
				it.done = true

				return false
			}

			it.idx++

			continue
		}

		switch {
		case it.lookahead.Key == want:
			it.idx++
			it.cur = *it.lookahead
			it.lookahead = nil

			return true

		case it.lookahead.Key > want:
			// want is missing; keep the lookahead to compare against the
			// next requested key.
			if !it.ignoreMissing {
				it.err = fmt.Errorf("%w: key %d", ErrNotFound, want)
				it.done = true

				return false
			}

			it.idx++

		default:
			// it.lookahead.Key < want: stale frame, discard and pull the
			// next one.
			it.lookahead = nil
		}
	}
}

// Key returns the current frame's key. Valid only after Next returns true.
func (it *MultiIterator) Key() uint64 { return it.cur.Key }

// Value returns the current frame's decompressed payload. Valid only after
// Next returns true.
func (it *MultiIterator) Value() []byte { return it.cur.Payload }

// Err returns the first error encountered by Next, if any.
func (it *MultiIterator) Err() error { return it.err }
