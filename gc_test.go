package seqstore_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/calvinalkan/seqstore"
)

// GC reduces on-disk size while preserving the live set.
func Test_Store_GC_Shrinks_Log_And_Preserves_Live_Set(t *testing.T) {
	t.Parallel()

	store := openStore(t)

	const n = 2000

	for i := range n {
		id := fmt.Sprintf("id-%04d", i)
		require.NoError(t, store.Add(id, make([]byte, 512)))
	}

	// Overwrite half, delete a quarter, leaving garbage frames behind for
	// both operations.
	for i := range n / 2 {
		id := fmt.Sprintf("id-%04d", i)
		require.NoError(t, store.Add(id, make([]byte, 512)))
	}

	for i := range n / 4 {
		id := fmt.Sprintf("id-%04d", n-1-i)
		require.NoError(t, store.Delete(id))
	}

	require.NoError(t, store.Commit())

	before, err := store.SizeOnDisk()
	require.NoError(t, err)

	require.NoError(t, store.GC(context.Background(), 1, true))

	after, err := store.SizeOnDisk()
	require.NoError(t, err)
	require.Less(t, after, before)

	length, err := store.Length()
	require.NoError(t, err)
	require.Equal(t, n-n/4, length)

	for i := range n {
		id := fmt.Sprintf("id-%04d", i)
		deleted := i >= n-n/4

		if deleted {
			_, err := store.Get(id)
			require.ErrorIsf(t, err, seqstore.ErrNotFound, "id %q should have been deleted", id)

			continue
		}

		got, err := store.Get(id)
		require.NoErrorf(t, err, "id %q should still be live", id)
		require.Len(t, got, 512)
	}
}

// GC survives and is reflected after a close/reopen cycle.
func Test_Store_GC_Persists_Across_Reopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()

	store, err := seqstore.Open(dir)
	require.NoError(t, err)

	for i := range 100 {
		require.NoError(t, store.Add(fmt.Sprintf("id-%d", i), make([]byte, 64)))
	}

	for i := range 50 {
		require.NoError(t, store.Add(fmt.Sprintf("id-%d", i), make([]byte, 64)))
	}

	require.NoError(t, store.GC(context.Background(), 1, true))
	require.NoError(t, store.Close())

	store, err = seqstore.Open(dir)
	require.NoError(t, err)

	defer func() { _ = store.Close() }()

	length, err := store.Length()
	require.NoError(t, err)
	require.Equal(t, 100, length)

	got, err := store.Get("id-0")
	require.NoError(t, err)
	require.Len(t, got, 64)
}

func Test_Store_GC_Wait_False_Still_Completes_Before_Close(t *testing.T) {
	t.Parallel()

	store := openStore(t)

	for i := range 200 {
		require.NoError(t, store.Add(fmt.Sprintf("id-%d", i), make([]byte, 64)))
	}

	for i := range 100 {
		require.NoError(t, store.Add(fmt.Sprintf("id-%d", i), make([]byte, 64)))
	}

	require.NoError(t, store.GC(context.Background(), 1, false))

	// Close waits for any in-flight GC to finish before releasing the
	// lock and closing the underlying files.
	require.NoError(t, store.Close())
}
