// Package versiongate checks and stamps the on-disk format version marker
// that guards a store directory against being opened by an incompatible
// version of this package.
package versiongate

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/calvinalkan/seqstore/pkg/fs"
)

// FileName is the marker file's name inside a store directory.
const FileName = "sequentialstorage.version"

// CurrentVersion is the format version this package writes and accepts.
const CurrentVersion = "1"

// ErrVersionMismatch is returned by Check when a nonempty directory either
// lacks the marker file or its contents disagree with CurrentVersion.
var ErrVersionMismatch = errors.New("versiongate: on-disk version does not match current version")

// Check enforces the version contract for dir: a nonempty directory must
// contain a marker file whose contents equal CurrentVersion, or Check
// fails with ErrVersionMismatch. An empty directory gets the marker file
// written for it via fs.AtomicWriter (temp file + fsync + rename + parent
// dir fsync), so a crash mid-write never leaves a half-written version
// file for the next Check to trip over.
func Check(fsys fs.FS, dir string) error {
	entries, err := fsys.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("versiongate: read directory: %w", err)
	}

	if len(entries) == 0 {
		return write(fsys, dir)
	}

	path := filepath.Join(dir, FileName)

	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ErrVersionMismatch
		}

		return fmt.Errorf("versiongate: read %q: %w", path, err)
	}

	if !bytes.Equal(data, []byte(CurrentVersion)) {
		return ErrVersionMismatch
	}

	return nil
}

func write(fsys fs.FS, dir string) error {
	path := filepath.Join(dir, FileName)

	aw := fs.NewAtomicWriter(fsys)

	if err := aw.WriteWithDefaults(path, bytes.NewReader([]byte(CurrentVersion))); err != nil {
		return fmt.Errorf("versiongate: write %q: %w", path, err)
	}

	return nil
}
