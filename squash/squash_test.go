package squash

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/blockstore"
	"github.com/bsync-project/bsync/redolog"
	"github.com/bsync-project/bsync/store"
)

func openTestFixtures(t *testing.T) (*store.DB, *redolog.Log, *blockstore.Store) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blocks, err := blockstore.New(db)
	require.NoError(t, err)
	t.Cleanup(blocks.Close)

	return db, redolog.New(db), blocks
}

func hashOf(s string) blockhash.Hash {
	return blockhash.Sum(blockhash.PadToSize([]byte(s)))
}

func appendAndCommit(t *testing.T, db *store.DB, entries []redolog.Entry) uint64 {
	t.Helper()
	tx, err := db.SQL().Begin()
	require.NoError(t, err)
	lsn, err := redolog.AppendTx(tx, entries)
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	return lsn
}

func addCP(t *testing.T, db *store.DB, lsn, size uint64) {
	t.Helper()
	tx, err := db.SQL().Begin()
	require.NoError(t, err)
	require.NoError(t, redolog.AddConsistentPointTx(tx, redolog.ConsistentPoint{LSN: lsn, Size: size, CreatedAt: 1}))
	require.NoError(t, tx.Commit())
}

// TestSquashPreservesEndpoints sets up blocks A, B, A at lsn 1-3 (cp 3),
// block 1 changed to C at lsn 4, block 1 changed back to A at lsn 5 (cp
// 5). Squashing (3, 5] must drop the superseded lsn=4 entry for block
// 1, keep lsn=5, and GC the now-orphaned hash for C.
func TestSquashPreservesEndpoints(t *testing.T) {
	db, redo, blocks := openTestFixtures(t)

	hA, hB, hC := hashOf("A"), hashOf("B"), hashOf("C")
	for _, h := range []blockhash.Hash{hA, hB, hC} {
		_, err := blocks.Put(h, make([]byte, blockhash.Size))
		require.NoError(t, err)
	}

	appendAndCommit(t, db, []redolog.Entry{{BlockID: 0, Hash: hA}, {BlockID: 1, Hash: hB}, {BlockID: 2, Hash: hA}})
	addCP(t, db, 3, 3*blockhash.Size)

	appendAndCommit(t, db, []redolog.Entry{{BlockID: 1, Hash: hC}})
	appendAndCommit(t, db, []redolog.Entry{{BlockID: 1, Hash: hA}})
	addCP(t, db, 5, 3*blockhash.Size)

	snapBefore3, err := redo.Materialize(3)
	require.NoError(t, err)
	h, _, err := snapBefore3.ReadBlockHash(1)
	require.NoError(t, err)
	require.Equal(t, hB, h)
	require.NoError(t, snapBefore3.Close())

	res, err := Run(db, redo, blocks, 3, 5, true, nil)
	require.NoError(t, err)
	require.EqualValues(t, 1, res.RedoRowsDeleted, "lsn 4 (superseded by lsn 5 for block 1) must be removed")
	require.EqualValues(t, 1, res.CASRowsDeleted, "hash C is now unreferenced")
	require.True(t, res.Vacuumed)

	snap3, err := redo.Materialize(3)
	require.NoError(t, err)
	h, _, err = snap3.ReadBlockHash(1)
	require.NoError(t, err)
	require.Equal(t, hB, h, "snapshot at surviving endpoint lsn=3 is unchanged")
	require.NoError(t, snap3.Close())

	snap5, err := redo.Materialize(5)
	require.NoError(t, err)
	h, _, err = snap5.ReadBlockHash(1)
	require.NoError(t, err)
	require.Equal(t, hA, h, "snapshot at surviving endpoint lsn=5 is unchanged")
	require.NoError(t, snap5.Close())

	ok, err := blocks.Exists(hC)
	require.NoError(t, err)
	require.False(t, ok, "orphaned hash C removed by gc")
}

func TestSquashRejectsNonConsistentEndpoints(t *testing.T) {
	db, redo, blocks := openTestFixtures(t)
	appendAndCommit(t, db, []redolog.Entry{{BlockID: 0, Hash: hashOf("A")}})
	addCP(t, db, 1, blockhash.Size)

	_, err := Run(db, redo, blocks, 0, 2, true, nil)
	require.ErrorIs(t, err, ErrNotConsistentPoint)
}

func TestSquashRejectsInvalidRange(t *testing.T) {
	db, redo, blocks := openTestFixtures(t)
	_, err := Run(db, redo, blocks, 5, 5, true, nil)
	require.ErrorIs(t, err, ErrInvalidRange)
}

// TestSquashDeletesInteriorConsistentPoints checks that an intermediate
// consistent point strictly inside the open interval is removed, while
// the endpoints are not.
func TestSquashDeletesInteriorConsistentPoints(t *testing.T) {
	db, redo, blocks := openTestFixtures(t)

	appendAndCommit(t, db, []redolog.Entry{{BlockID: 0, Hash: hashOf("A")}})
	addCP(t, db, 1, blockhash.Size)
	appendAndCommit(t, db, []redolog.Entry{{BlockID: 0, Hash: hashOf("B")}})
	addCP(t, db, 2, blockhash.Size)
	appendAndCommit(t, db, []redolog.Entry{{BlockID: 0, Hash: hashOf("C")}})
	addCP(t, db, 3, blockhash.Size)

	_, err := Run(db, redo, blocks, 1, 3, false, nil)
	require.NoError(t, err)

	_, err = redo.ConsistentPointAt(1)
	require.NoError(t, err, "left endpoint survives")
	_, err = redo.ConsistentPointAt(3)
	require.NoError(t, err, "right endpoint survives")
	_, err = redo.ConsistentPointAt(2)
	require.ErrorIs(t, err, redolog.ErrNotConsistentPoint, "interior consistent point removed")
}
