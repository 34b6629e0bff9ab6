package remotehelper

import (
	"bytes"
	"io"
	"testing"

	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"

	"github.com/bsync-project/bsync/blockhash"
)

func TestHashRangeExactBlocks(t *testing.T) {
	blockSize := int64(8)
	img := bytes.NewReader(bytes.Repeat([]byte{0xAB}, int(blockSize*3)))

	got, err := HashRange(readerAt{img}, blockSize, 0, 3)
	require.NoError(t, err)
	require.Len(t, got, 3*blockhash.HashLen)

	want := blockhash.Sum(bytes.Repeat([]byte{0xAB}, int(blockSize)))
	require.Equal(t, want[:], got[:blockhash.HashLen])
}

func TestHashRangePadsPastEOF(t *testing.T) {
	blockSize := int64(16)
	img := bytes.NewReader(bytes.Repeat([]byte{1}, 10)) // shorter than one block

	got, err := HashRange(readerAt{img}, blockSize, 0, 1)
	require.NoError(t, err)

	padded := blockhash.PadToSize(bytes.Repeat([]byte{1}, 10))
	want := blockhash.Sum(padded[:blockSize])
	require.Equal(t, want[:], got)
}

func TestHashRangeRejectsUnalignedOffset(t *testing.T) {
	_, err := HashRange(readerAt{bytes.NewReader(nil)}, 16, 5, 1)
	require.Error(t, err)
}

func TestDumpBlocksRoundTrip(t *testing.T) {
	blockSize := int64(8)
	content := []byte("AAAAAAAABBBBBBBB") // two distinct 8-byte blocks
	img := bytes.NewReader(content)

	var buf bytes.Buffer
	require.NoError(t, DumpBlocks(readerAt{img}, blockSize, []int64{0, 8}, &buf))

	sr := snappy.NewReader(&buf)
	out, err := io.ReadAll(sr)
	require.NoError(t, err)
	require.Equal(t, content, out)
}

func TestDumpBlocksPadsShortTail(t *testing.T) {
	blockSize := int64(8)
	content := []byte("ABCD") // shorter than one block
	img := bytes.NewReader(content)

	var buf bytes.Buffer
	require.NoError(t, DumpBlocks(readerAt{img}, blockSize, []int64{0}, &buf))

	sr := snappy.NewReader(&buf)
	out, err := io.ReadAll(sr)
	require.NoError(t, err)
	require.Len(t, out, int(blockSize))
	require.Equal(t, []byte("ABCD"), out[:4])
	for _, b := range out[4:] {
		require.Zero(t, b)
	}
}

// readerAt adapts a *bytes.Reader to io.ReaderAt without consuming its
// read cursor, matching the semantics of *os.File.ReadAt used in
// production.
type readerAt struct {
	r *bytes.Reader
}

func (a readerAt) ReadAt(p []byte, off int64) (int, error) {
	return a.r.ReadAt(p, off)
}
