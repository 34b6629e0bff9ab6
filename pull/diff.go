package pull

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/redolog"
	"github.com/bsync-project/bsync/store"
	"github.com/bsync-project/bsync/transport"
)

type recordKind int

const (
	kindFetch recordKind = iota
	kindAssumeExist
)

// fetchRecord is one changed block discovered during the diff phase,
// carrying its remote-reported hash and (once the fetch phase has run)
// its content.
type fetchRecord struct {
	blockID uint64
	hash    blockhash.Hash
	kind    recordKind
	content []byte
}

// diff runs step 6: walks the remote image in DiffBatchSize-block
// chunks, comparing each block's remote hash against the base
// snapshot, and returns the ordered list of blocks that changed.
func (e *Engine) diff(ctx context.Context, helper *transport.Helper, snap *redolog.Snapshot, blockSize int64, remoteSize uint64) ([]*fetchRecord, error) {
	totalBlocks := (remoteSize + uint64(blockSize) - 1) / uint64(blockSize)
	seenHashes := make(map[blockhash.Hash]bool)
	var records []*fetchRecord

	for base := uint64(0); base < totalBlocks; base += DiffBatchSize {
		count := DiffBatchSize
		if remaining := totalBlocks - base; remaining < uint64(count) {
			count = int(remaining)
		}

		remoteHashes, err := helper.HashRange(ctx, base*uint64(blockSize), uint64(count))
		if err != nil {
			return nil, fmt.Errorf("hash range at block %d: %w", base, err)
		}

		blockIDs := make([]uint64, count)
		for i := range blockIDs {
			blockIDs[i] = base + uint64(i)
		}
		localHashes, err := snap.ReadBlockHashes(blockIDs)
		if err != nil {
			return nil, fmt.Errorf("read base hashes at block %d: %w", base, err)
		}

		for i, remoteHash := range remoteHashes {
			blockID := base + uint64(i)
			localHash, ok := localHashes[blockID]
			if !ok {
				localHash = blockhash.ZeroHash
			}
			if remoteHash == localHash {
				continue
			}

			rec := &fetchRecord{blockID: blockID, hash: remoteHash}
			exists, err := e.Blocks.Exists(remoteHash)
			if err != nil {
				return nil, fmt.Errorf("check cas for block %d: %w", blockID, err)
			}
			if exists || seenHashes[remoteHash] {
				rec.kind = kindAssumeExist
			} else {
				rec.kind = kindFetch
				seenHashes[remoteHash] = true
			}
			records = append(records, rec)
		}
	}
	return records, nil
}

// fetchAndCommit runs steps 7-8: it walks records in order, grouping
// them into chunks of up to FetchBatchSize Fetch-kind entries (plus any
// interleaved AssumeExist entries), dumps each chunk's changed block
// content from the remote, and commits the chunk as one IMMEDIATE
// transaction before moving to the next. lsn0 is the base LSN observed
// before the diff phase began.
func (e *Engine) fetchAndCommit(ctx context.Context, helper *transport.Helper, blockSize int64, lsn0 uint64, records []*fetchRecord) (finalLSN uint64, fetched int, assumed int, err error) {
	finalLSN = lsn0
	committed := uint64(0)

	for start := 0; start < len(records); {
		end := start
		fetchCount := 0
		for end < len(records) && fetchCount < FetchBatchSize {
			if records[end].kind == kindFetch {
				fetchCount++
			}
			end++
		}
		chunk := records[start:end]

		var offsets []uint64
		for _, rec := range chunk {
			if rec.kind == kindFetch {
				offsets = append(offsets, rec.blockID*uint64(blockSize))
			}
		}
		if len(offsets) > 0 {
			data, derr := helper.Dump(ctx, offsets)
			if derr != nil {
				return 0, fetched, assumed, fmt.Errorf("dump blocks: %w", derr)
			}
			o := 0
			for _, rec := range chunk {
				if rec.kind == kindFetch {
					rec.content = data[o*int(blockSize) : (o+1)*int(blockSize)]
					o++
				}
			}
		}

		newLSN, err := e.commitChunk(lsn0+committed, chunk)
		if err != nil {
			return 0, fetched, assumed, err
		}
		committed += uint64(len(chunk))
		finalLSN = newLSN

		for _, rec := range chunk {
			if rec.kind == kindFetch {
				fetched++
			} else {
				assumed++
			}
		}

		start = end
	}
	return finalLSN, fetched, assumed, nil
}

// commitChunk is step 8: one BEGIN IMMEDIATE transaction that re-checks
// the expected base LSN, inserts any missing CAS rows, and appends the
// chunk's redo entries in order.
func (e *Engine) commitChunk(expectedBaseLSN uint64, chunk []*fetchRecord) (uint64, error) {
	e.DB.Lock()
	defer e.DB.Unlock()

	tx, err := e.DB.BeginImmediate()
	if err != nil {
		return 0, fmt.Errorf("commit chunk: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			e.DB.Rollback()
		}
	}()

	current, err := maxLSNInTx(tx)
	if err != nil {
		return 0, fmt.Errorf("commit chunk: %w", err)
	}
	if current != expectedBaseLSN {
		return 0, fmt.Errorf("%w: expected %d, observed %d", ErrLsnMismatch, expectedBaseLSN, current)
	}

	entries := make([]redolog.Entry, len(chunk))
	for i, rec := range chunk {
		hash := rec.hash
		if rec.kind == kindFetch {
			hash = blockhash.Sum(rec.content)
		}

		exists, err := e.Blocks.ExistsTx(tx, hash)
		if err != nil {
			return 0, fmt.Errorf("commit chunk: check cas for block %d: %w", rec.blockID, err)
		}
		if !exists {
			if rec.kind != kindFetch {
				return 0, fmt.Errorf("%w: block %d hash %s", ErrMissingHash, rec.blockID, hash)
			}
			if err := e.Blocks.PutLocked(tx, hash, rec.content); err != nil {
				return 0, fmt.Errorf("commit chunk: put block %d: %w", rec.blockID, err)
			}
		}
		entries[i] = redolog.Entry{BlockID: rec.blockID, Hash: hash}
	}

	newMax, err := redolog.AppendTx(tx, entries)
	if err != nil {
		return 0, fmt.Errorf("commit chunk: %w", err)
	}
	if err := e.DB.Commit(); err != nil {
		return 0, fmt.Errorf("commit chunk: commit: %w", err)
	}
	committed = true
	return newMax, nil
}

func maxLSNInTx(tx store.Execer) (uint64, error) {
	var max sql.NullInt64
	if err := tx.QueryRow(`SELECT MAX(lsn) FROM redo`).Scan(&max); err != nil {
		return 0, fmt.Errorf("max lsn: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}
