package redolog

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/store"
)

// Snapshot is the transient mapping block_id -> hash materialized for a
// target LSN. It is backed by a SQLite TEMP TABLE that is dropped
// when Close is called; callers must defer Close().
type Snapshot struct {
	db        *store.DB
	tableName string
	targetLSN uint64
	closed    bool
}

// Materialize builds the snapshot for targetLSN:
//
//	SELECT block_id, hash FROM redo
//	WHERE lsn IN (SELECT MAX(lsn) FROM redo WHERE lsn <= :target GROUP BY block_id)
//
// staged into a session-local temp table.
func (l *Log) Materialize(targetLSN uint64) (*Snapshot, error) {
	id := l.db.NextSnapshotID()
	tableName := fmt.Sprintf("snap_%d", id)

	l.db.Lock()
	defer l.db.Unlock()

	createSQL := fmt.Sprintf(
		`CREATE TEMP TABLE %s (block_id INTEGER PRIMARY KEY, hash BLOB NOT NULL)`, tableName,
	)
	if _, err := l.db.SQL().Exec(createSQL); err != nil {
		return nil, fmt.Errorf("redolog: materialize: create temp table: %w", err)
	}

	insertSQL := fmt.Sprintf(
		`INSERT INTO %s (block_id, hash)
		 SELECT block_id, hash FROM redo
		 WHERE lsn IN (SELECT MAX(lsn) FROM redo WHERE lsn <= ? GROUP BY block_id)`,
		tableName,
	)
	if _, err := l.db.SQL().Exec(insertSQL, targetLSN); err != nil {
		l.db.SQL().Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, tableName))
		return nil, fmt.Errorf("redolog: materialize: populate: %w", err)
	}

	return &Snapshot{db: l.db, tableName: tableName, targetLSN: targetLSN}, nil
}

// TargetLSN returns the LSN this snapshot was materialized for.
func (s *Snapshot) TargetLSN() uint64 { return s.targetLSN }

// Close drops the temp table backing the snapshot. Safe to call more
// than once.
func (s *Snapshot) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	s.db.Lock()
	defer s.db.Unlock()
	_, err := s.db.SQL().Exec(fmt.Sprintf(`DROP TABLE IF EXISTS %s`, s.tableName))
	if err != nil {
		return fmt.Errorf("redolog: close snapshot: %w", err)
	}
	return nil
}

// ReadBlockHash returns the mapped hash for blockID, or
// (blockhash.ZeroHash, false) if the snapshot has no redo entry for it:
// an implicit all-zero block.
func (s *Snapshot) ReadBlockHash(blockID uint64) (blockhash.Hash, bool, error) {
	s.db.Lock()
	defer s.db.Unlock()

	var raw []byte
	err := s.db.SQL().QueryRow(
		fmt.Sprintf(`SELECT hash FROM %s WHERE block_id = ?`, s.tableName), blockID,
	).Scan(&raw)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return blockhash.ZeroHash, false, nil
	case err != nil:
		return blockhash.Hash{}, false, fmt.Errorf("redolog: read block hash %d: %w", blockID, err)
	}
	return blockhash.FromBytes(raw), true, nil
}

// ReadBlockHashes is ReadBlockHash for a batch of block IDs, skipping
// any block_id with no redo entry rather than reporting it. Joining with
// the CAS to get decompressed bytes, and substituting the zero-block
// fast path for misses, is left to the caller, which is expected to hold
// a blockstore.Store reference; Snapshot itself only knows the redo
// mapping, keeping the log and content concerns separate.
func (s *Snapshot) ReadBlockHashes(blockIDs []uint64) (map[uint64]blockhash.Hash, error) {
	out := make(map[uint64]blockhash.Hash, len(blockIDs))
	s.db.Lock()
	defer s.db.Unlock()

	stmt, err := s.db.SQL().Prepare(fmt.Sprintf(`SELECT hash FROM %s WHERE block_id = ?`, s.tableName))
	if err != nil {
		return nil, fmt.Errorf("redolog: prepare batch read: %w", err)
	}
	defer stmt.Close()

	for _, id := range blockIDs {
		var raw []byte
		err := stmt.QueryRow(id).Scan(&raw)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			continue
		case err != nil:
			return nil, fmt.Errorf("redolog: batch read block %d: %w", id, err)
		}
		out[id] = blockhash.FromBytes(raw)
	}
	return out, nil
}
