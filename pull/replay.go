package pull

import (
	"fmt"
	"io"
	"os"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/blockstore"
	"github.com/bsync-project/bsync/redolog"
)

// Replay writes the image at a consistent point's snapshot to output.
// Block devices get every block explicitly written,
// including zero blocks; regular files get holes via Seek for blocks
// with no redo entry, materializing the final length with a trailing
// zero byte if the last action was a seek.
func Replay(snap *redolog.Snapshot, blocks *blockstore.Store, size uint64, out *os.File) error {
	isBlockDevice, err := isBlockDevice(out)
	if err != nil {
		return fmt.Errorf("pull: replay: stat output: %w", err)
	}

	blockSize := uint64(blockhash.Size)
	totalBlocks := (size + blockSize - 1) / blockSize
	lastWroteByWrite := false

	for b := uint64(0); b < totalBlocks; b++ {
		hash, ok, err := snap.ReadBlockHash(b)
		if err != nil {
			return fmt.Errorf("pull: replay: read block hash %d: %w", b, err)
		}

		n := blockSize
		if last := b == totalBlocks-1; last {
			if rem := size % blockSize; rem != 0 {
				n = rem
			}
		}

		if !ok {
			if isBlockDevice {
				if err := writeZeros(out, n); err != nil {
					return fmt.Errorf("pull: replay: write zero block %d: %w", b, err)
				}
				lastWroteByWrite = true
			} else {
				if _, err := out.Seek(int64(n), io.SeekCurrent); err != nil {
					return fmt.Errorf("pull: replay: seek past block %d: %w", b, err)
				}
				lastWroteByWrite = false
			}
			continue
		}

		data, err := blocks.Get(hash)
		if err != nil {
			return fmt.Errorf("pull: replay: get block %d: %w", b, err)
		}
		if _, err := out.Write(data[:n]); err != nil {
			return fmt.Errorf("pull: replay: write block %d: %w", b, err)
		}
		lastWroteByWrite = true
	}

	if !lastWroteByWrite && totalBlocks > 0 && size > 0 {
		// The last action was a Seek past a hole: the file's length is
		// only materialized by an actual write, so place one zero byte at
		// the final offset rather than appending past it.
		if _, err := out.Seek(int64(size-1), io.SeekStart); err != nil {
			return fmt.Errorf("pull: replay: seek to final offset: %w", err)
		}
		if _, err := out.Write([]byte{0}); err != nil {
			return fmt.Errorf("pull: replay: materialize final hole: %w", err)
		}
	}
	return nil
}

func writeZeros(out *os.File, n uint64) error {
	zeros := make([]byte, n)
	_, err := out.Write(zeros)
	return err
}

func isBlockDevice(f *os.File) (bool, error) {
	info, err := f.Stat()
	if err != nil {
		return false, err
	}
	return info.Mode()&os.ModeDevice != 0, nil
}
