// Package redolog implements the append-only redo log and the snapshot
// materializer that turns a target LSN into a block_id -> hash mapping.
// The redo table is the single source of truth for version history;
// consistent points are a secondary index into it.
package redolog

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/store"
)

// Log wraps the shared DB handle with redo-log and consistent-point
// operations.
type Log struct {
	db *store.DB
}

func New(db *store.DB) *Log {
	return &Log{db: db}
}

// MaxLSN returns the current maximum LSN in the redo table, or 0 if
// empty.
func (l *Log) MaxLSN() (uint64, error) {
	l.db.Lock()
	defer l.db.Unlock()
	return maxLSNTx(l.db.SQL())
}

type querier interface {
	QueryRow(query string, args ...any) *sql.Row
}

func maxLSNTx(q querier) (uint64, error) {
	var max sql.NullInt64
	if err := q.QueryRow(`SELECT MAX(lsn) FROM redo`).Scan(&max); err != nil {
		return 0, fmt.Errorf("redolog: max_lsn: %w", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return uint64(max.Int64), nil
}

// Entry is one (block_id, hash) pair appended within a pull batch.
type Entry struct {
	BlockID uint64
	Hash    blockhash.Hash
}

// AppendTx appends entries in order within tx, returning the LSN
// assigned to the last one. Callers (pull.Engine) are responsible for
// the surrounding BEGIN IMMEDIATE / base-LSN check.
func AppendTx(tx store.Execer, entries []Entry) (newMaxLSN uint64, err error) {
	stmt, err := tx.Prepare(`INSERT INTO redo (block_id, hash) VALUES (?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("redolog: prepare append: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		res, err := stmt.Exec(e.BlockID, e.Hash.Bytes())
		if err != nil {
			return 0, fmt.Errorf("redolog: append block %d: %w", e.BlockID, err)
		}
		lsn, err := res.LastInsertId()
		if err != nil {
			return 0, fmt.Errorf("redolog: append block %d: last insert id: %w", e.BlockID, err)
		}
		newMaxLSN = uint64(lsn)
	}
	return newMaxLSN, nil
}

// ConsistentPoint is one row of the consistent-point registry.
type ConsistentPoint struct {
	LSN       uint64
	Size      uint64
	CreatedAt int64 // unix seconds
}

// AddConsistentPointTx records (lsn, size, created_at) within tx. It
// deliberately uses INSERT OR IGNORE: if lsn already has a consistent
// point, its size/created_at are left untouched rather than overwritten.
func AddConsistentPointTx(tx store.Execer, cp ConsistentPoint) error {
	_, err := tx.Exec(
		`INSERT OR IGNORE INTO consistent_point (lsn, size, created_at) VALUES (?, ?, ?)`,
		cp.LSN, cp.Size, cp.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("redolog: add consistent point lsn=%d: %w", cp.LSN, err)
	}
	return nil
}

// ConsistentPoints lists every consistent point, ordered by LSN.
func (l *Log) ConsistentPoints() ([]ConsistentPoint, error) {
	l.db.Lock()
	defer l.db.Unlock()

	rows, err := l.db.SQL().Query(`SELECT lsn, size, created_at FROM consistent_point ORDER BY lsn`)
	if err != nil {
		return nil, fmt.Errorf("redolog: list consistent points: %w", err)
	}
	defer rows.Close()

	var out []ConsistentPoint
	for rows.Next() {
		var cp ConsistentPoint
		if err := rows.Scan(&cp.LSN, &cp.Size, &cp.CreatedAt); err != nil {
			return nil, fmt.Errorf("redolog: scan consistent point: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// ErrNotConsistentPoint is returned when a requested LSN has no
// consistent-point row.
var ErrNotConsistentPoint = errors.New("redolog: lsn is not a consistent point")

// ConsistentPointAt returns the consistent point recorded at lsn.
func (l *Log) ConsistentPointAt(lsn uint64) (ConsistentPoint, error) {
	l.db.Lock()
	defer l.db.Unlock()

	var cp ConsistentPoint
	cp.LSN = lsn
	err := l.db.SQL().QueryRow(`SELECT size, created_at FROM consistent_point WHERE lsn = ?`, lsn).
		Scan(&cp.Size, &cp.CreatedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return ConsistentPoint{}, fmt.Errorf("%w: %d", ErrNotConsistentPoint, lsn)
	case err != nil:
		return ConsistentPoint{}, fmt.Errorf("redolog: read consistent point %d: %w", lsn, err)
	}
	return cp, nil
}
