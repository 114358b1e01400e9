package recordlog

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
)

// sentinelMarker begins every frame. Its appearance inside a payload is tolerated:
// the scanner validates the key and length that follow a candidate sentinel
// line and resyncs past it on failure instead of trusting it blindly.
const sentinelMarker = "----"

// maxFrameLength bounds the decimal length field read from a candidate
// frame header. It exists only to stop the scanner from trying to read a
// nonsensical number of bytes when a sentinel false-positive is followed by
// garbage that happens to parse as a huge integer; it is far above any
// payload size this store is meant to carry.
const maxFrameLength = 1 << 34

// Codec compresses and decompresses frame payloads. The Record Log stores
// payloads compressed on disk and decompresses them on read.
type Codec interface {
	Compress(src []byte) ([]byte, error)
	Decompress(src []byte) ([]byte, error)
}

// ZlibCodec implements Codec using the zlib/deflate format mandated by the
// on-disk frame layout (see the export/record-log format notes). It is the
// default and only Codec this package ships; it is pluggable purely so
// tests can substitute a codec that fails deterministically when exercising
// the scanner's decompression-failure recovery path.
type ZlibCodec struct {
	// Level is the zlib compression level; zero means
	// zlib.DefaultCompression.
	Level int
}

// NewZlibCodec returns a ZlibCodec at the given compression level. A level
// of 0 is treated as unset and maps to zlib.DefaultCompression, so
// zlib.NoCompression cannot be selected through this codec.
func NewZlibCodec(level int) *ZlibCodec {
	return &ZlibCodec{Level: level}
}

// Compress implements Codec.
func (z *ZlibCodec) Compress(src []byte) ([]byte, error) {
	level := z.Level
	if level == 0 {
		level = zlib.DefaultCompression
	}

	var buf bytes.Buffer

	w, err := zlib.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, fmt.Errorf("recordlog: zlib writer: %w", err)
	}

	if _, err := w.Write(src); err != nil {
		return nil, fmt.Errorf("recordlog: zlib compress: %w", err)
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("recordlog: zlib compress: %w", err)
	}

	return buf.Bytes(), nil
}

// Decompress implements Codec.
func (z *ZlibCodec) Decompress(src []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("recordlog: zlib decompress: %w", err)
	}

	defer func() { _ = r.Close() }()

	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("recordlog: zlib decompress: %w", err)
	}

	return out, nil
}

// encodeFrame serializes a frame: sentinel line, decimal key line, decimal
// length line, the already-compressed payload, then a trailing newline.
func encodeFrame(key uint64, compressed []byte) []byte {
	buf := make([]byte, 0, len(sentinelMarker)+1+20+1+20+1+len(compressed)+1)
	buf = append(buf, sentinelMarker...)
	buf = append(buf, '\n')
	buf = appendUint(buf, key)
	buf = append(buf, '\n')
	buf = appendUint(buf, uint64(len(compressed)))
	buf = append(buf, '\n')
	buf = append(buf, compressed...)
	buf = append(buf, '\n')

	return buf
}

func appendUint(buf []byte, v uint64) []byte {
	start := len(buf)
	if v == 0 {
		return append(buf, '0')
	}

	for v > 0 {
		buf = append(buf, byte('0'+v%10))
		v /= 10
	}

	reverse(buf[start:])

	return buf
}

func reverse(b []byte) {
	for i, j := 0, len(b)-1; i < j; i, j = i+1, j-1 {
		b[i], b[j] = b[j], b[i]
	}
}
