package recordlog

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/calvinalkan/seqstore/pkg/fs"
)

// Options configures a Log at Open time.
type Options struct {
	// BlockSize is the sparse block index's block size. Defaults to
	// DefaultBlockSize.
	BlockSize int64

	// Codec compresses/decompresses payloads. Defaults to a ZlibCodec at
	// zlib.DefaultCompression.
	Codec Codec
}

// Log is the append-only record log: durable (key -> compressed payload)
// frames, keyed by a strictly increasing uint64, with a sparse block index
// for lookup and a corruption-tolerant scanner for recovery.
//
// A Log owns its file handle exclusively; it is not safe to share a handle
// between a Log and other code, and a Log's own methods serialize access to
// that handle. Multi-writer/reader coordination across separate handles on
// the same file is out of scope.
type Log struct {
	mu          sync.Mutex
	file        fs.File
	codec       Codec
	blockSize   int64
	writer      *bufio.Writer
	writeOffset int64
	lastKey     uint64
	hasLastKey  bool
	bidx        *blockIndex
	closed      bool
}

var _ blockSource = (*Log)(nil)

// Open recovers a Log from f, which must be open for reading and writing
// and positioned anywhere (Open seeks as needed).
//
// If f is empty, the log starts empty. Otherwise Open scans forward from
// the start of the last block (stepping back a block at a time while a
// block yields no frame) to find the last fully valid frame: any
// trailing bytes after that frame - a partial frame left by a crash
// mid-write, or pure garbage - are excluded from the log's visible tail and
// physically truncated away, so subsequent appends start cleanly right
// after the last valid frame. Open fails with ErrCorrupt only when the
// file is nonempty and no valid frame exists anywhere in it.
func Open(f fs.File, opts Options) (*Log, error) {
	if opts.BlockSize <= 0 {
		opts.BlockSize = DefaultBlockSize
	}

	if opts.Codec == nil {
		opts.Codec = NewZlibCodec(0)
	}

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("recordlog: stat: %w", err)
	}

	l := &Log{
		file:      f,
		codec:     opts.Codec,
		blockSize: opts.BlockSize,
	}
	l.bidx = newBlockIndex(opts.BlockSize, l)

	size := info.Size()
	if size > 0 {
		lastFrame, err := l.recoverTail(size)
		if err != nil {
			return nil, err
		}

		l.writeOffset = lastFrame.End
		l.lastKey = lastFrame.Key
		l.hasLastKey = true

		if l.writeOffset < size {
			if err := f.Truncate(l.writeOffset); err != nil {
				return nil, fmt.Errorf("recordlog: truncate trailing partial frame: %w", err)
			}
		}
	}

	if _, err := f.Seek(l.writeOffset, io.SeekStart); err != nil {
		return nil, fmt.Errorf("recordlog: seek: %w", err)
	}

	l.writer = bufio.NewWriterSize(f, 64*1024)

	return l, nil
}

// recoverTail walks backward block by block from the last block, scanning
// each candidate start forward to the current end of file, until at least
// one valid frame is found. It returns the last valid frame found in that
// scan (frames are monotonic, so the last one scanned is the true last
// frame of the file).
func (l *Log) recoverTail(size int64) (Frame, error) {
	numBlocks := int64(blockCount(size, l.blockSize))

	for block := numBlocks - 1; block >= 0; block-- {
		last, found, err := l.lastValidFrameFrom(block*l.blockSize, size)
		if err != nil {
			return Frame{}, err
		}

		if found {
			return last, nil
		}
	}

	return Frame{}, ErrCorrupt
}

func (l *Log) lastValidFrameFrom(offset, _ int64) (Frame, bool, error) {
	sc, err := newScanner(l.file, offset, l.codec)
	if err != nil {
		return Frame{}, false, err
	}

	var (
		last  Frame
		found bool
	)

	for {
		frame, ok, err := sc.next()
		if err != nil {
			return Frame{}, false, err
		}

		if !ok {
			break
		}

		l.bidx.observeOffset(frame.Offset, frame.Key)

		last = frame
		found = true
	}

	return last, found, nil
}

// Add appends a new frame. key must be strictly greater than LastKey.
func (l *Log) Add(key uint64, payload []byte, alreadyCompressed bool) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	if l.hasLastKey && key <= l.lastKey {
		return fmt.Errorf("%w: key=%d last_key=%d", ErrMonotonicityViolation, key, l.lastKey)
	}

	compressed := payload

	if !alreadyCompressed {
		c, err := l.codec.Compress(payload)
		if err != nil {
			return fmt.Errorf("recordlog: compress: %w", err)
		}

		compressed = c
	}

	frame := encodeFrame(key, compressed)

	// Scanners reposition the shared handle on every read; re-seek to the
	// log's actual tail before writing so a read in between two Adds can
	// never make this write land on top of existing frames.
	if _, err := l.file.Seek(l.writeOffset, io.SeekStart); err != nil {
		return fmt.Errorf("recordlog: seek: %w", err)
	}

	if _, err := l.writer.Write(frame); err != nil {
		return fmt.Errorf("recordlog: write: %w", err)
	}

	// Flush immediately: readers open an independent scanner straight over
	// the file and only see bytes that have reached the kernel, so a frame
	// sitting in the bufio.Writer's buffer is invisible to Get/Iter/Range
	// until this runs.
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("recordlog: flush: %w", err)
	}

	l.bidx.observeOffset(l.writeOffset, key)

	l.writeOffset += int64(len(frame))
	l.lastKey = key
	l.hasLastKey = true

	return nil
}

// Get returns the payload stored at key, or ErrNotFound.
func (l *Log) Get(key uint64) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, ErrClosed
	}

	if l.hasLastKey && key > l.lastKey {
		return nil, ErrNotFound
	}

	offset, err := l.bidx.offsetOf(key)
	if err != nil {
		return nil, err
	}

	sc, err := newScanner(l.file, offset, l.codec)
	if err != nil {
		return nil, err
	}

	for {
		frame, ok, err := sc.next()
		if err != nil {
			return nil, err
		}

		if !ok {
			return nil, ErrNotFound
		}

		l.bidx.observeOffset(frame.Offset, frame.Key)

		if frame.Key == key {
			return frame.Payload, nil
		}

		if frame.Key > key {
			return nil, ErrNotFound
		}
	}
}

// LastKey returns the highest key present, and false if the log is empty.
func (l *Log) LastKey() (uint64, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.lastKey, l.hasLastKey
}

// Size returns the current file size (the end of the last valid frame,
// after any trailing-partial-frame truncation performed at Open).
func (l *Log) Size() (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.writeOffset, nil
}

// size implements blockSource; it is identical to Size but is used
// internally by blockIndex, which is always called with l.mu already held
// by the public method that triggered the probe.
func (l *Log) size() (int64, error) {
	return l.writeOffset, nil
}

// firstKeyAtOrAfter implements blockSource by scanning forward from offset
// until the first valid frame, returning its key.
func (l *Log) firstKeyAtOrAfter(offset int64) (uint64, bool, error) {
	sc, err := newScanner(l.file, offset, l.codec)
	if err != nil {
		return 0, false, err
	}

	frame, ok, err := sc.next()
	if err != nil {
		return 0, false, err
	}

	if !ok {
		return 0, false, nil
	}

	return frame.Key, true, nil
}

// Flush flushes buffered writes to the OS and fsyncs the file.
func (l *Log) Flush() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.flushLocked()
}

func (l *Log) flushLocked() error {
	if l.closed {
		return ErrClosed
	}

	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("recordlog: flush: %w", err)
	}

	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("recordlog: sync: %w", err)
	}

	return nil
}

// Close flushes and releases the file handle. The Log is unusable after
// Close.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}

	flushErr := l.writer.Flush()
	syncErr := l.file.Sync()
	closeErr := l.file.Close()

	l.closed = true

	if flushErr != nil {
		return fmt.Errorf("recordlog: flush on close: %w", flushErr)
	}

	if syncErr != nil {
		return fmt.Errorf("recordlog: sync on close: %w", syncErr)
	}

	if closeErr != nil {
		return fmt.Errorf("recordlog: close: %w", closeErr)
	}

	return nil
}
