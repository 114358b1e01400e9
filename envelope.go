package seqstore

import (
	"encoding/binary"
	"fmt"
)

// The Record Log is identifier-agnostic: it only knows integer keys.
// RecoverIndexFromLog needs to rebuild an Identifier Index from nothing
// but the log, so Store.Add
// prepends a small envelope - identifier length as a uvarint, then the
// identifier bytes, then the caller's payload - before handing the blob to
// the Record Log for compression. Store.Get strips it back off. This is an
// internal encoding detail of the Sequential Store; it is invisible at the
// Record Log's public API and in the export format.

// encodeEnvelope prepends identifier to data as described above.
func encodeEnvelope(identifier string, data []byte) []byte {
	idBytes := []byte(identifier)

	buf := make([]byte, 0, binary.MaxVarintLen64+len(idBytes)+len(data))

	var lenBuf [binary.MaxVarintLen64]byte

	n := binary.PutUvarint(lenBuf[:], uint64(len(idBytes)))

	buf = append(buf, lenBuf[:n]...)
	buf = append(buf, idBytes...)
	buf = append(buf, data...)

	return buf
}

// decodeEnvelope splits an envelope back into its identifier and payload.
func decodeEnvelope(envelope []byte) (identifier string, data []byte, err error) {
	idLen, n := binary.Uvarint(envelope)
	if n <= 0 {
		return "", nil, fmt.Errorf("seqstore: corrupt frame: invalid envelope length prefix")
	}

	rest := envelope[n:]

	if idLen > uint64(len(rest)) {
		return "", nil, fmt.Errorf("seqstore: corrupt frame: envelope identifier length exceeds frame size")
	}

	return string(rest[:idLen]), rest[idLen:], nil
}
