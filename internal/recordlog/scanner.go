package recordlog

import (
	"bufio"
	"errors"
	"io"
	"strconv"

	"github.com/calvinalkan/seqstore/pkg/fs"
)

// Frame is one fully validated record recovered from the log.
type Frame struct {
	Key        uint64
	Payload    []byte // decompressed
	Compressed []byte // as stored on disk, for GC copy-through
	Offset     int64  // file offset of the frame's leading sentinel
	End        int64  // file offset just past the frame (before any next frame)
}

// scanner implements the corruption-tolerant frame reader described in the
// Record Log design notes: a small state machine that looks for a sentinel
// line, validates the key/length/payload/decompression that should follow
// it, and - on any validation failure - resyncs by replaying every byte
// consumed since that sentinel back through the search for the next one.
// This is what makes an embedded SENTINEL inside a payload, or arbitrary
// junk between frames, transparent to callers: false candidates are
// silently absorbed, never reported as errors.
type scanner struct {
	br       *bufio.Reader
	start    int64
	consumed int64
	pending  []byte
	codec    Codec
}

// cursor adapts the Log's shared file handle into a private sequential read
// cursor: it re-seeks to its own offset before every read, so two scanners -
// or a scanner and an Add, which seeks the handle to the log's tail - can
// interleave on the same handle without disturbing each other's position.
// Each call into a cursor happens under the Log's mutex, so the seek+read
// pair is never torn by a concurrent operation.
type cursor struct {
	f   fs.File
	off int64
}

func (c *cursor) Read(p []byte) (int, error) {
	if _, err := c.f.Seek(c.off, io.SeekStart); err != nil {
		return 0, err
	}

	n, err := c.f.Read(p)
	c.off += int64(n)

	return n, err
}

func newScanner(f fs.File, offset int64, codec Codec) (*scanner, error) {
	return &scanner{
		br:    bufio.NewReaderSize(&cursor{f: f, off: offset}, 64*1024),
		start: offset,
		codec: codec,
	}, nil
}

// pos returns the absolute file offset of the next byte the scanner will
// deliver.
func (s *scanner) pos() int64 {
	return s.start + s.consumed - int64(len(s.pending))
}

func (s *scanner) readByte() (b byte, eof bool, err error) {
	if len(s.pending) > 0 {
		b = s.pending[0]
		s.pending = s.pending[1:]

		return b, false, nil
	}

	b, err = s.br.ReadByte()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return 0, true, nil
		}

		return 0, false, err
	}

	s.consumed++

	return b, false, nil
}

// pushback replays raw in front of whatever remains pending, so the next
// reads see exactly the bytes that were consumed for a failed candidate.
func (s *scanner) pushback(raw []byte) {
	if len(raw) == 0 {
		return
	}

	buf := make([]byte, 0, len(raw)+len(s.pending))
	buf = append(buf, raw...)
	buf = append(buf, s.pending...)
	s.pending = buf
}

// readLine reads up to and including the next '\n'. line excludes the
// delimiter; raw includes every byte consumed (so callers can push it back
// verbatim on validation failure). eof is true when the stream ended before
// a '\n' was found - in that case line is meaningless and raw holds
// whatever trailing bytes existed.
func (s *scanner) readLine() (line, raw []byte, eof bool, err error) {
	for {
		b, isEOF, rerr := s.readByte()
		if rerr != nil {
			return nil, raw, false, rerr
		}

		if isEOF {
			return nil, raw, true, nil
		}

		raw = append(raw, b)

		if b == '\n' {
			return raw[:len(raw)-1], raw, false, nil
		}
	}
}

// readN reads exactly n bytes. eof is true if the stream ended first; raw
// then holds the short read.
func (s *scanner) readN(n int) (raw []byte, eof bool, err error) {
	raw = make([]byte, 0, n)

	for len(raw) < n {
		b, isEOF, rerr := s.readByte()
		if rerr != nil {
			return raw, false, rerr
		}

		if isEOF {
			return raw, true, nil
		}

		raw = append(raw, b)
	}

	return raw, false, nil
}

// next returns the next fully valid frame at or after the scanner's current
// position. ok is false with a nil error when the stream is exhausted
// (either cleanly, or because a trailing candidate was incomplete - the
// spec's "ignore the partial tail" behavior, not an error).
func (s *scanner) next() (Frame, bool, error) {
	for {
		frameStart := s.pos()

		line, _, eof, err := s.readLine()
		if err != nil {
			return Frame{}, false, err
		}

		if eof {
			return Frame{}, false, nil
		}

		if string(line) != sentinelMarker {
			continue
		}

		keyLine, keyRaw, eof, err := s.readLine()
		if err != nil {
			return Frame{}, false, err
		}

		if eof {
			return Frame{}, false, nil
		}

		key, perr := strconv.ParseUint(string(keyLine), 10, 64)
		if perr != nil {
			s.pushback(keyRaw)

			continue
		}

		lenLine, lenRaw, eof, err := s.readLine()
		if err != nil {
			return Frame{}, false, err
		}

		if eof {
			return Frame{}, false, nil
		}

		length, perr := strconv.ParseUint(string(lenLine), 10, 64)
		if perr != nil || length > maxFrameLength {
			s.pushback(append(keyRaw, lenRaw...))

			continue
		}

		payloadRaw, eof, err := s.readN(int(length))
		if err != nil {
			return Frame{}, false, err
		}

		if eof {
			return Frame{}, false, nil
		}

		decompressed, derr := s.codec.Decompress(payloadRaw)
		if derr != nil {
			s.pushback(concat(keyRaw, lenRaw, payloadRaw))

			continue
		}

		nb, nbEOF, nerr := s.readByte()
		if nerr != nil {
			return Frame{}, false, nerr
		}

		if !nbEOF && nb != '\n' {
			s.pushback([]byte{nb})
		}

		return Frame{
			Key:        key,
			Payload:    decompressed,
			Compressed: payloadRaw,
			Offset:     frameStart,
			End:        s.pos(),
		}, true, nil
	}
}

func concat(parts ...[]byte) []byte {
	n := 0
	for _, p := range parts {
		n += len(p)
	}

	out := make([]byte, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}

	return out
}
