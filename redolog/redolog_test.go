package redolog

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/store"
)

func openTestDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func hashOf(s string) blockhash.Hash {
	return blockhash.Sum(blockhash.PadToSize([]byte(s)))
}

func TestMaxLSNEmpty(t *testing.T) {
	db := openTestDB(t)
	log := New(db)
	lsn, err := log.MaxLSN()
	require.NoError(t, err)
	require.Zero(t, lsn)
}

func TestAppendAndSnapshotDeterminism(t *testing.T) {
	db := openTestDB(t)
	log := New(db)

	hA, hB := hashOf("A"), hashOf("B")

	tx, err := db.SQL().Begin()
	require.NoError(t, err)
	lsn, err := AppendTx(tx, []Entry{
		{BlockID: 0, Hash: hA},
		{BlockID: 1, Hash: hB},
		{BlockID: 2, Hash: hA},
	})
	require.NoError(t, err)
	require.EqualValues(t, 3, lsn)
	require.NoError(t, tx.Commit())

	maxLSN, err := log.MaxLSN()
	require.NoError(t, err)
	require.EqualValues(t, 3, maxLSN)

	snap, err := log.Materialize(maxLSN)
	require.NoError(t, err)
	defer snap.Close()

	h, ok, err := snap.ReadBlockHash(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hA, h)

	h, ok, err = snap.ReadBlockHash(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hB, h)

	_, ok, err = snap.ReadBlockHash(99)
	require.NoError(t, err)
	require.False(t, ok, "no redo entry -> implicit zero block")
}

func TestSnapshotAtEarlierLSNIgnoresLaterEntries(t *testing.T) {
	db := openTestDB(t)
	log := New(db)
	hA, hC := hashOf("A"), hashOf("C")

	tx, _ := db.SQL().Begin()
	_, err := AppendTx(tx, []Entry{{BlockID: 1, Hash: hA}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	tx, _ = db.SQL().Begin()
	_, err = AppendTx(tx, []Entry{{BlockID: 1, Hash: hC}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	snap, err := log.Materialize(1)
	require.NoError(t, err)
	defer snap.Close()

	h, ok, err := snap.ReadBlockHash(1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, hA, h, "snapshot at lsn=1 must not observe the lsn=2 overwrite")
}

func TestConsistentPointInsertOrIgnore(t *testing.T) {
	db := openTestDB(t)
	log := New(db)

	tx, _ := db.SQL().Begin()
	require.NoError(t, AddConsistentPointTx(tx, ConsistentPoint{LSN: 1, Size: 100, CreatedAt: 111}))
	require.NoError(t, tx.Commit())

	// Re-inserting the same LSN with a different size must not update it.
	tx, _ = db.SQL().Begin()
	require.NoError(t, AddConsistentPointTx(tx, ConsistentPoint{LSN: 1, Size: 999, CreatedAt: 222}))
	require.NoError(t, tx.Commit())

	cp, err := log.ConsistentPointAt(1)
	require.NoError(t, err)
	require.EqualValues(t, 100, cp.Size)
	require.EqualValues(t, 111, cp.CreatedAt)
}

func TestConsistentPointNotFound(t *testing.T) {
	db := openTestDB(t)
	log := New(db)
	_, err := log.ConsistentPointAt(42)
	require.ErrorIs(t, err, ErrNotConsistentPoint)
}
