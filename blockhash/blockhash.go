// Package blockhash computes the BLAKE3 digest of a logical block and
// exposes the fixed parameters of the block-level data model: a fixed
// 262144-byte block size and a 32-byte hash width.
package blockhash

import (
	"lukechampine.com/blake3"
)

const (
	// Size is the fixed logical block size L, in bytes.
	Size = 262144

	// HashLen is the fixed hash width H, in bytes.
	HashLen = 32
)

// Hash is a block digest: the BLAKE3-256 hash of exactly Size bytes.
type Hash [HashLen]byte

// IsZero reports whether h is the all-zero hash value (never a valid
// digest; used as a sentinel for "unset").
func (h Hash) IsZero() bool {
	return h == Hash{}
}

func (h Hash) String() string {
	const hextable = "0123456789abcdef"
	buf := make([]byte, HashLen*2)
	for i, b := range h {
		buf[i*2] = hextable[b>>4]
		buf[i*2+1] = hextable[b&0xf]
	}
	return string(buf)
}

// Bytes returns a copy of the hash as a byte slice, suitable for use as
// a SQLite BLOB parameter.
func (h Hash) Bytes() []byte {
	b := make([]byte, HashLen)
	copy(b, h[:])
	return b
}

// FromBytes converts a HashLen-byte slice into a Hash. It panics if b is
// not exactly HashLen bytes; callers must validate lengths read off the
// wire or out of the database before calling this.
func FromBytes(b []byte) Hash {
	if len(b) != HashLen {
		panic("blockhash: wrong length")
	}
	var h Hash
	copy(h[:], b)
	return h
}

// Sum returns the BLAKE3-256 digest of data.
func Sum(data []byte) Hash {
	return Hash(blake3.Sum256(data))
}

// zeroBlock is the canonical all-zero block, allocated at package
// initialization and used to compute ZeroHash. It is never mutated.
var zeroBlock = make([]byte, Size)

// ZeroHash is the precomputed digest of a full Size-byte all-zero block,
// the implicit content of a block with no redo entry.
var ZeroHash = Sum(zeroBlock)

// PadToSize right-pads data with zero bytes up to Size. It is a no-op
// (returns data unchanged) if data is already Size bytes or longer.
func PadToSize(data []byte) []byte {
	if len(data) >= Size {
		return data
	}
	padded := make([]byte, Size)
	copy(padded, data)
	return padded
}
