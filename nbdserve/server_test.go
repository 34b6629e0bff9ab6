package nbdserve

import (
	"encoding/binary"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/stretchr/testify/require"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/blockstore"
	"github.com/bsync-project/bsync/redolog"
	"github.com/bsync-project/bsync/store"
)

func newTestCache(t *testing.T) (*lru.Cache[uint64, []byte], error) {
	t.Helper()
	return lru.New[uint64, []byte](cacheSize)
}

func buildFixture(t *testing.T) (*BlockSource, uint64) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"), false, nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	blocks, err := blockstore.New(db)
	require.NoError(t, err)
	t.Cleanup(blocks.Close)

	dataA := make([]byte, blockhash.Size)
	for i := range dataA {
		dataA[i] = 0xAB
	}
	hA := blockhash.Sum(dataA)
	_, err = blocks.Put(hA, dataA)
	require.NoError(t, err)

	redo := redolog.New(db)
	tx, err := db.SQL().Begin()
	require.NoError(t, err)
	_, err = redolog.AppendTx(tx, []redolog.Entry{{BlockID: 0, Hash: hA}})
	require.NoError(t, err)
	require.NoError(t, tx.Commit())

	snap, err := redo.Materialize(1)
	require.NoError(t, err)
	t.Cleanup(func() { snap.Close() })

	return &BlockSource{Snapshot: snap, Blocks: blocks}, 2 * blockhash.Size
}

func TestReadRangeAcrossBlocksAndZeroFallback(t *testing.T) {
	src, size := buildFixture(t)
	srv := New(src, size, nil)

	cache, err := newTestCache(t)
	require.NoError(t, err)

	// Entirely within block 0 (present, all 0xAB).
	got, err := srv.readRange(cache, 10, 20)
	require.NoError(t, err)
	require.Len(t, got, 20)
	for _, b := range got {
		require.Equal(t, byte(0xAB), b)
	}

	// Block 1 has no redo entry: implicit zero block.
	got, err = srv.readRange(cache, uint64(blockhash.Size)+5, 10)
	require.NoError(t, err)
	for _, b := range got {
		require.Equal(t, byte(0), b)
	}

	// Straddles both blocks.
	got, err = srv.readRange(cache, uint64(blockhash.Size)-5, 10)
	require.NoError(t, err)
	require.Len(t, got, 10)
	for i := 0; i < 5; i++ {
		require.Equal(t, byte(0xAB), got[i])
	}
	for i := 5; i < 10; i++ {
		require.Equal(t, byte(0), got[i])
	}
}

func TestServeOverTCPHandshakeAndRead(t *testing.T) {
	src, size := buildFixture(t)
	srv := New(src, size, nil)

	ln, err := Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	done := make(chan struct{})
	go func() {
		srv.Serve(ln)
		close(done)
	}()

	conn, err := net.DialTimeout("tcp", ln.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	defer conn.Close()

	// --- handshake: fixed newstyle, NBD_OPT_EXPORT_NAME with an empty
	// (default) export name.
	var magics [16]byte
	_, err = io.ReadFull(conn, magics[:])
	require.NoError(t, err)
	require.Equal(t, uint64(nbdMagic), binary.BigEndian.Uint64(magics[0:8]))
	require.Equal(t, uint64(nbdIHaveOpt), binary.BigEndian.Uint64(magics[8:16]))

	var serverFlags [2]byte
	_, err = io.ReadFull(conn, serverFlags[:])
	require.NoError(t, err)

	// Client flags: set NBD_FLAG_C_NO_ZEROES so the server skips the
	// 124-byte reserved padding after export info.
	_, err = conn.Write(u32(uint32(nbdFlagNoZeroes)))
	require.NoError(t, err)

	// NBD_OPT_EXPORT_NAME, zero-length name (default export).
	require.NoError(t, writeAll(conn, u64(nbdIHaveOpt), u32(nbdOptExportName), u32(0)))

	var exportInfo [10]byte
	_, err = io.ReadFull(conn, exportInfo[:])
	require.NoError(t, err)
	require.Equal(t, size, binary.BigEndian.Uint64(exportInfo[0:8]))

	// --- transmission: read the first 4 bytes of block 0.
	handle := uint64(42)
	reqHdr := make([]byte, 28)
	binary.BigEndian.PutUint32(reqHdr[0:4], nbdRequestMagic)
	binary.BigEndian.PutUint16(reqHdr[6:8], nbdCmdRead)
	binary.BigEndian.PutUint64(reqHdr[8:16], handle)
	binary.BigEndian.PutUint64(reqHdr[16:24], 0)
	binary.BigEndian.PutUint32(reqHdr[24:28], 4)
	_, err = conn.Write(reqHdr)
	require.NoError(t, err)

	replyHdr := make([]byte, 16)
	_, err = io.ReadFull(conn, replyHdr)
	require.NoError(t, err)
	require.Equal(t, nbdSimpleReply, binary.BigEndian.Uint32(replyHdr[0:4]))
	require.Equal(t, nbdErrNone, binary.BigEndian.Uint32(replyHdr[4:8]))
	require.Equal(t, handle, binary.BigEndian.Uint64(replyHdr[8:16]))

	data := make([]byte, 4)
	_, err = io.ReadFull(conn, data)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAB, 0xAB, 0xAB, 0xAB}, data)

	// NBD_CMD_DISC ends the connection cleanly.
	binary.BigEndian.PutUint16(reqHdr[6:8], nbdCmdDisc)
	binary.BigEndian.PutUint32(reqHdr[24:28], 0)
	_, err = conn.Write(reqHdr)
	require.NoError(t, err)

	ln.Close()
	<-done
}
