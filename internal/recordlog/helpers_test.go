package recordlog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/calvinalkan/seqstore/pkg/fs"
)

// openFile opens a fresh real file backing a Log for a test, cleaned up
// automatically.
func openFile(t *testing.T) (fs.File, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "recordlog")

	f, err := fs.NewReal().OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		t.Fatalf("OpenFile(%q): %v", path, err)
	}

	t.Cleanup(func() { _ = f.Close() })

	return f, path
}

func reopenFile(t *testing.T, path string) fs.File {
	t.Helper()

	f, err := fs.NewReal().OpenFile(path, os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("OpenFile(%q): %v", path, err)
	}

	t.Cleanup(func() { _ = f.Close() })

	return f
}

func newTestLog(t *testing.T, opts Options) (*Log, string) {
	t.Helper()

	f, path := openFile(t)

	l, err := Open(f, opts)
	if err != nil {
		t.Fatalf("Open(%q): %v", path, err)
	}

	t.Cleanup(func() { _ = l.Close() })

	return l, path
}
