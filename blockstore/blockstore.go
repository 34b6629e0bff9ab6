// Package blockstore implements the content-addressed store (CAS):
// hash -> optionally zstd-compressed block payload, backed by the
// shared SQLite handle in package store.
package blockstore

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/store"
)

// Store is the content-addressed block store.
type Store struct {
	db *store.DB

	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New wraps db with CAS operations. The zstd encoder/decoder are built
// once and reused across calls (long-lived heavy objects, not
// per-request allocations).
func New(db *store.DB) (*Store, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("blockstore: new zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("blockstore: new zstd decoder: %w", err)
	}
	return &Store{db: db, encoder: enc, decoder: dec}, nil
}

// Close releases the zstd decoder's background goroutines.
func (s *Store) Close() {
	s.encoder.Close()
	s.decoder.Close()
}

// compress zstd-compresses data at level 3 (zstd.SpeedDefault).
func (s *Store) compress(data []byte) []byte {
	return s.encoder.EncodeAll(data, make([]byte, 0, len(data)))
}

func (s *Store) decompress(data []byte) ([]byte, error) {
	out, err := s.decoder.DecodeAll(data, make([]byte, 0, blockhash.Size))
	if err != nil {
		return nil, fmt.Errorf("blockstore: zstd decode: %w", err)
	}
	return out, nil
}

// Put inserts (hash, compress(bytes)) if hash is absent; no-op otherwise.
// It reports whether a new row was inserted. bytes shorter than
// blockhash.Size are right-padded with zeros before storage; callers
// must track the logical image size separately.
func (s *Store) Put(hash blockhash.Hash, data []byte) (inserted bool, err error) {
	padded := blockhash.PadToSize(data)
	compressed := s.compress(padded)

	s.db.Lock()
	defer s.db.Unlock()
	res, err := s.db.SQL().Exec(
		`INSERT OR IGNORE INTO cas (hash, content, compressed) VALUES (?, ?, 1)`,
		hash.Bytes(), compressed,
	)
	if err != nil {
		return false, fmt.Errorf("blockstore: put %s: %w", hash, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("blockstore: put %s: rows affected: %w", hash, err)
	}
	return n > 0, nil
}

// PutLocked is Put's body for callers that already hold db.Lock(), used
// by the pull engine to insert within a larger IMMEDIATE transaction.
func (s *Store) PutLocked(tx store.Execer, hash blockhash.Hash, data []byte) error {
	padded := blockhash.PadToSize(data)
	compressed := s.compress(padded)
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO cas (hash, content, compressed) VALUES (?, ?, 1)`,
		hash.Bytes(), compressed,
	)
	if err != nil {
		return fmt.Errorf("blockstore: put %s: %w", hash, err)
	}
	return nil
}

// Exists reports whether hash is present in the CAS.
func (s *Store) Exists(hash blockhash.Hash) (bool, error) {
	s.db.Lock()
	defer s.db.Unlock()
	return s.existsLocked(s.db.SQL(), hash)
}

// ExistsTx is Exists's body for callers already inside a transaction.
func (s *Store) ExistsTx(tx store.Execer, hash blockhash.Hash) (bool, error) {
	return s.existsLocked(tx, hash)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func (s *Store) existsLocked(q queryRower, hash blockhash.Hash) (bool, error) {
	var one int
	err := q.QueryRow(`SELECT 1 FROM cas WHERE hash = ?`, hash.Bytes()).Scan(&one)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("blockstore: exists %s: %w", hash, err)
	}
	return true, nil
}

// ErrNotFound is returned by Get when hash is absent from the CAS.
var ErrNotFound = errors.New("blockstore: hash not found")

// Get decompresses and returns exactly blockhash.Size bytes for hash.
func (s *Store) Get(hash blockhash.Hash) ([]byte, error) {
	s.db.Lock()
	defer s.db.Unlock()

	var content []byte
	err := s.db.SQL().QueryRow(`SELECT content FROM cas WHERE hash = ?`, hash.Bytes()).Scan(&content)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	case err != nil:
		return nil, fmt.Errorf("blockstore: get %s: %w", hash, err)
	}
	return s.decompress(content)
}

// GC removes every CAS entry whose hash is not yielded by referenced. It
// returns the number of rows removed. Typically called by squash after
// compacting the redo log, with referenced iterating the surviving
// distinct redo.hash values.
func (s *Store) GC(referenced func(yield func(blockhash.Hash) bool)) (removed int64, err error) {
	s.db.Lock()
	defer s.db.Unlock()

	// Stage the referenced set into a temp table so the DELETE is a
	// single indexed anti-join instead of one round trip per hash.
	if _, err := s.db.SQL().Exec(`CREATE TEMP TABLE IF NOT EXISTS gc_keep (hash BLOB PRIMARY KEY)`); err != nil {
		return 0, fmt.Errorf("blockstore: gc: create temp table: %w", err)
	}
	defer s.db.SQL().Exec(`DROP TABLE IF EXISTS gc_keep`)

	if _, err := s.db.SQL().Exec(`DELETE FROM gc_keep`); err != nil {
		return 0, fmt.Errorf("blockstore: gc: reset temp table: %w", err)
	}

	tx, err := s.db.SQL().Begin()
	if err != nil {
		return 0, fmt.Errorf("blockstore: gc: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR IGNORE INTO gc_keep (hash) VALUES (?)`)
	if err != nil {
		return 0, fmt.Errorf("blockstore: gc: prepare: %w", err)
	}
	defer stmt.Close()

	var insertErr error
	referenced(func(h blockhash.Hash) bool {
		if _, err := stmt.Exec(h.Bytes()); err != nil {
			insertErr = err
			return false
		}
		return true
	})
	if insertErr != nil {
		return 0, fmt.Errorf("blockstore: gc: stage referenced: %w", insertErr)
	}

	res, err := tx.Exec(`DELETE FROM cas WHERE hash NOT IN (SELECT hash FROM gc_keep)`)
	if err != nil {
		return 0, fmt.Errorf("blockstore: gc: delete: %w", err)
	}
	removed, err = res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("blockstore: gc: rows affected: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("blockstore: gc: commit: %w", err)
	}
	return removed, nil
}
