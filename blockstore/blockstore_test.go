package blockstore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/store"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	db, err := store.Open(filepath.Join(dir, "test.db"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := openTestStore(t)

	data := make([]byte, 1000)
	for i := range data {
		data[i] = byte(i)
	}
	h := blockhash.Sum(blockhash.PadToSize(data))

	inserted, err := s.Put(h, data)
	require.NoError(t, err)
	require.True(t, inserted)

	inserted, err = s.Put(h, data)
	require.NoError(t, err)
	require.False(t, inserted, "idempotent insert")

	got, err := s.Get(h)
	require.NoError(t, err)
	require.Len(t, got, blockhash.Size)
	require.Equal(t, blockhash.PadToSize(data), got)
}

func TestExistsAndNotFound(t *testing.T) {
	s := openTestStore(t)

	ok, err := s.Exists(blockhash.ZeroHash)
	require.NoError(t, err)
	require.False(t, ok)

	_, err = s.Get(blockhash.ZeroHash)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = s.Put(blockhash.ZeroHash, make([]byte, blockhash.Size))
	require.NoError(t, err)

	ok, err = s.Exists(blockhash.ZeroHash)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestGC(t *testing.T) {
	s := openTestStore(t)

	keepData := []byte("keep me")
	dropData := []byte("drop me")
	keepHash := blockhash.Sum(blockhash.PadToSize(keepData))
	dropHash := blockhash.Sum(blockhash.PadToSize(dropData))

	_, err := s.Put(keepHash, keepData)
	require.NoError(t, err)
	_, err = s.Put(dropHash, dropData)
	require.NoError(t, err)

	removed, err := s.GC(func(yield func(blockhash.Hash) bool) {
		yield(keepHash)
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, removed)

	ok, err := s.Exists(keepHash)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = s.Exists(dropHash)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestMain_tempDirWritable(t *testing.T) {
	// Sanity guard: TempDir must be writable for sqlite to create -wal/-shm files.
	dir := t.TempDir()
	f, err := os.CreateTemp(dir, "x")
	require.NoError(t, err)
	f.Close()
}
