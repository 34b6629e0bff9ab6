package blockhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestZeroHashIsStable(t *testing.T) {
	require.False(t, ZeroHash.IsZero(), "the digest of the zero block is never the zero value")
	require.Equal(t, ZeroHash, Sum(make([]byte, Size)))
}

func TestPadToSize(t *testing.T) {
	short := []byte("hello")
	padded := PadToSize(short)
	require.Len(t, padded, Size)
	require.Equal(t, short, padded[:len(short)])
	for _, b := range padded[len(short):] {
		require.Zero(t, b)
	}

	full := make([]byte, Size)
	require.Equal(t, full, PadToSize(full))
}

func TestHashRoundTrip(t *testing.T) {
	h := Sum([]byte("block content"))
	require.Equal(t, h, FromBytes(h.Bytes()))
	require.Len(t, h.String(), HashLen*2)
}
