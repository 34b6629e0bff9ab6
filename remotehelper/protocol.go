package remotehelper

import (
	"fmt"
	"io"

	"github.com/golang/snappy"

	"github.com/bsync-project/bsync/blockhash"
)

// HashRange computes the BLAKE3 hash of each of count consecutive
// blocks of blockSize bytes starting at initialOffset, reading from img.
// Blocks (or the tail of the image) beyond EOF are right-padded with
// zeros before hashing. initialOffset must be a multiple of blockSize.
//
// The result is exactly count*blockhash.HashLen bytes: the wire format
// the client side of the protocol (transport.Helper) expects back.
func HashRange(img io.ReaderAt, blockSize int64, initialOffset int64, count int64) ([]byte, error) {
	if initialOffset%blockSize != 0 {
		return nil, fmt.Errorf("remotehelper: initial_offset %d is not a multiple of block_size %d", initialOffset, blockSize)
	}

	out := make([]byte, 0, count*int64(blockhash.HashLen))
	buf := make([]byte, blockSize)
	for i := int64(0); i < count; i++ {
		offset := initialOffset + i*blockSize
		n, err := img.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return nil, fmt.Errorf("remotehelper: read block at offset %d: %w", offset, err)
		}
		block := buf[:n]
		h := blockhash.Sum(padToBlockSize(block, blockSize))
		out = append(out, h[:]...)
	}
	return out, nil
}

// DumpBlocks streams the concatenation of the blocks at offsets
// (each right-padded with zeros if it overruns EOF) to w, Snappy-framed.
// The uncompressed length written is exactly len(offsets)*blockSize
// bytes.
func DumpBlocks(img io.ReaderAt, blockSize int64, offsets []int64, w io.Writer) error {
	sw := snappy.NewBufferedWriter(w)
	defer sw.Close()

	buf := make([]byte, blockSize)
	for _, offset := range offsets {
		n, err := img.ReadAt(buf, offset)
		if err != nil && err != io.EOF {
			return fmt.Errorf("remotehelper: read block at offset %d: %w", offset, err)
		}
		padded := padToBlockSize(buf[:n], blockSize)
		if _, err := sw.Write(padded); err != nil {
			return fmt.Errorf("remotehelper: write block at offset %d: %w", offset, err)
		}
	}
	return sw.Close()
}

// padToBlockSize right-pads data with zeros up to blockSize. Unlike
// blockhash.PadToSize (which always pads to the fixed blockhash.Size),
// this pads to the wire protocol's own block_size argument, since the
// helper's hash/dump contract is defined in terms of whatever block
// size the caller passed on the command line.
func padToBlockSize(data []byte, blockSize int64) []byte {
	if int64(len(data)) >= blockSize {
		return data
	}
	padded := make([]byte, blockSize)
	copy(padded, data)
	return padded
}
