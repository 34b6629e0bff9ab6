// Package squash implements history compaction between two consistent
// points: for each block_id with at least one redo entry in
// (start_lsn, end_lsn], retain only the max-lsn entry in that range and
// delete the rest; consistent points strictly between the endpoints are
// deleted too. A CAS GC sweep and an optional VACUUM follow in the same
// run, under one exported entry point.
package squash

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/blockstore"
	"github.com/bsync-project/bsync/redolog"
	"github.com/bsync-project/bsync/store"
)

// ErrNotConsistentPoint is returned when start_lsn (if nonzero) or
// end_lsn does not name a consistent point.
var ErrNotConsistentPoint = redolog.ErrNotConsistentPoint

// ErrInvalidRange is returned when start_lsn >= end_lsn.
var ErrInvalidRange = errors.New("squash: start_lsn must be less than end_lsn")

// Result reports what a run removed.
type Result struct {
	RedoRowsDeleted      int64
	ConsistentPointsGone int64
	CASRowsDeleted       int64
	Vacuumed             bool
}

// Run compacts redo history in (startLSN, endLSN], deletes consistent
// points strictly inside that interval, garbage-collects orphaned CAS
// rows, and VACUUMs the database file if vacuum is true. startLSN of 0
// is permitted without being a registered consistent point; any
// nonzero startLSN and endLSN must both name an existing consistent
// point.
func Run(db *store.DB, redo *redolog.Log, blocks *blockstore.Store, startLSN, endLSN uint64, vacuum bool, log *zap.SugaredLogger) (Result, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	if startLSN >= endLSN {
		return Result{}, ErrInvalidRange
	}
	if startLSN != 0 {
		if _, err := redo.ConsistentPointAt(startLSN); err != nil {
			return Result{}, fmt.Errorf("squash: start_lsn: %w", err)
		}
	}
	if _, err := redo.ConsistentPointAt(endLSN); err != nil {
		return Result{}, fmt.Errorf("squash: end_lsn: %w", err)
	}

	var res Result

	db.Lock()
	err := func() error {
		defer db.Unlock()

		tx, err := db.BeginImmediate()
		if err != nil {
			return fmt.Errorf("squash: begin: %w", err)
		}
		committed := false
		defer func() {
			if !committed {
				db.Rollback()
			}
		}()

		cpRes, err := tx.Exec(`DELETE FROM consistent_point WHERE lsn > ? AND lsn < ?`, startLSN, endLSN)
		if err != nil {
			return fmt.Errorf("squash: delete interior consistent points: %w", err)
		}
		if res.ConsistentPointsGone, err = cpRes.RowsAffected(); err != nil {
			return fmt.Errorf("squash: delete interior consistent points: rows affected: %w", err)
		}

		if _, err := tx.Exec(`CREATE TEMP TABLE squash_keep (lsn INTEGER PRIMARY KEY)`); err != nil {
			return fmt.Errorf("squash: create temp table: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO squash_keep (lsn)
			 SELECT MAX(lsn) FROM redo WHERE lsn > ? AND lsn <= ? GROUP BY block_id`,
			startLSN, endLSN,
		); err != nil {
			return fmt.Errorf("squash: populate keep set: %w", err)
		}

		redoRes, err := tx.Exec(
			`DELETE FROM redo WHERE lsn > ? AND lsn <= ? AND lsn NOT IN (SELECT lsn FROM squash_keep)`,
			startLSN, endLSN,
		)
		if err != nil {
			return fmt.Errorf("squash: delete superseded redo rows: %w", err)
		}
		if res.RedoRowsDeleted, err = redoRes.RowsAffected(); err != nil {
			return fmt.Errorf("squash: delete superseded redo rows: rows affected: %w", err)
		}

		if _, err := tx.Exec(`DROP TABLE squash_keep`); err != nil {
			return fmt.Errorf("squash: drop temp table: %w", err)
		}

		if err := db.Commit(); err != nil {
			return err
		}
		committed = true
		return nil
	}()
	if err != nil {
		return Result{}, err
	}

	log.Infow("squash compacted redo history", "start_lsn", startLSN, "end_lsn", endLSN, "redo_rows_deleted", res.RedoRowsDeleted, "consistent_points_removed", res.ConsistentPointsGone)

	// Collect the referenced set before GC starts: GC holds the single
	// pooled connection in its own transaction while it calls back, so a
	// query issued from inside the callback could never get a connection.
	var referenced []blockhash.Hash
	db.Lock()
	yieldReferencedHashes(db, func(h blockhash.Hash) bool {
		referenced = append(referenced, h)
		return true
	})
	db.Unlock()

	removed, err := blocks.GC(func(yield func(blockhash.Hash) bool) {
		for _, h := range referenced {
			if !yield(h) {
				return
			}
		}
	})
	if err != nil {
		return res, fmt.Errorf("squash: gc: %w", err)
	}
	res.CASRowsDeleted = removed
	log.Infow("squash ran cas gc", "rows_deleted", removed)

	if vacuum {
		db.Lock()
		_, err := db.SQL().Exec(`VACUUM`)
		db.Unlock()
		if err != nil {
			return res, fmt.Errorf("squash: vacuum: %w", err)
		}
		res.Vacuumed = true
		log.Infow("squash vacuumed database")
	}

	return res, nil
}

// yieldReferencedHashes streams every distinct hash still referenced
// from the redo table to yield, stopping early if yield returns false.
// Run uses it to collect the referenced set that blockstore.GC's
// anti-join keeps.
//
// The caller must hold db.Lock(); db.mu is not reentrant, so this does
// not lock it again.
func yieldReferencedHashes(db *store.DB, yield func(blockhash.Hash) bool) {
	rows, err := db.SQL().Query(`SELECT DISTINCT hash FROM redo`)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return
		}
		if !yield(blockhash.FromBytes(raw)) {
			return
		}
	}
}
