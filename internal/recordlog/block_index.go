package recordlog

import (
	"sort"
	"sync"
)

// DefaultBlockSize is the block size used by the sparse block index when a
// Log is opened without an explicit WithBlockSize option.
const DefaultBlockSize = 8192

// blockSource lets blockIndex probe the underlying log without owning its
// file handle or mutex; Log provides the implementation.
type blockSource interface {
	// firstKeyAtOrAfter scans forward from offset and returns the key of
	// the first frame whose start is >= offset, or found=false if no such
	// frame exists before the current end of the log.
	firstKeyAtOrAfter(offset int64) (key uint64, found bool, err error)
	size() (int64, error)
}

// blockIndex is the in-memory sparse bisection index over block -> first
// key at or after that block's start (see the Record Log's block index
// design). Only positive results are cached: a block that currently has no
// frame starting in or after it can gain one as the log grows, so "not
// found" is never assumed permanent.
type blockIndex struct {
	mu        sync.Mutex
	blockSize int64
	firstKey  map[int64]uint64
	src       blockSource
}

func newBlockIndex(blockSize int64, src blockSource) *blockIndex {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}

	return &blockIndex{
		blockSize: blockSize,
		firstKey:  make(map[int64]uint64),
		src:       src,
	}
}

// offsetOf returns the byte offset a forward scan should begin from in
// order to find key: the start of the highest block whose
// first-key-at-or-after is <= key, or 0 if no cached or probed block
// qualifies.
func (b *blockIndex) offsetOf(key uint64) (int64, error) {
	size, err := b.src.size()
	if err != nil {
		return 0, err
	}

	numBlocks := blockCount(size, b.blockSize)
	if numBlocks == 0 {
		return 0, nil
	}

	// Find the smallest block whose first-key-at-or-after is strictly
	// greater than key; the answer is one block before that (clamped to
	// block 0). sort.Search requires a monotonic predicate, which holds
	// here because keys strictly increase with file offset.
	var probeErr error

	idx := sort.Search(numBlocks, func(i int) bool {
		if probeErr != nil {
			return true
		}

		fk, found, err := b.probe(int64(i))
		if err != nil {
			probeErr = err

			return true
		}

		if !found {
			return true
		}

		return fk > key
	})

	if probeErr != nil {
		return 0, probeErr
	}

	block := idx - 1
	if block < 0 {
		block = 0
	}

	return int64(block) * b.blockSize, nil
}

func (b *blockIndex) probe(block int64) (uint64, bool, error) {
	b.mu.Lock()
	if fk, ok := b.firstKey[block]; ok {
		b.mu.Unlock()

		return fk, true, nil
	}
	b.mu.Unlock()

	fk, found, err := b.src.firstKeyAtOrAfter(block * b.blockSize)
	if err != nil {
		return 0, false, err
	}

	if found {
		b.observe(block, fk)
	}

	return fk, found, nil
}

// observe records a known (block, firstKey) fact, e.g. one discovered as a
// side effect of an ordinary forward scan rather than through probe.
func (b *blockIndex) observe(block int64, key uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.firstKey[block]; !ok || key < existing {
		b.firstKey[block] = key
	}
}

// observeOffset is a convenience for callers that know a frame's absolute
// file offset rather than its block number.
func (b *blockIndex) observeOffset(offset int64, key uint64) {
	b.observe(offset/b.blockSize, key)
}

func blockCount(size, blockSize int64) int {
	if size <= 0 {
		return 0
	}

	return int((size + blockSize - 1) / blockSize)
}
