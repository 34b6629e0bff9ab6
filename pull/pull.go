// Package pull drives the remote helper through the hash/diff/fetch
// cycle and commits the result into the redo log and CAS.
package pull

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/bsync-project/bsync/blockhash"
	"github.com/bsync-project/bsync/blockstore"
	"github.com/bsync-project/bsync/config"
	"github.com/bsync-project/bsync/lockfile"
	"github.com/bsync-project/bsync/redolog"
	"github.com/bsync-project/bsync/store"
	"github.com/bsync-project/bsync/transport"
)

// Fixed batch sizes: 16384 blocks per hash round trip, 256 blocks per
// dump round trip.
const (
	DiffBatchSize  = 16384
	FetchBatchSize = 256
)

// Engine runs one pull against an already-connected RemoteExec. Callers
// assemble it from config.Config plus the opened local store.
type Engine struct {
	Exec      transport.RemoteExec
	Cfg       *config.Config
	DB        *store.DB
	Blocks    *blockstore.Store
	Redo      *redolog.Log
	BlockSize int64 // defaults to blockhash.Size if zero
	Log       *zap.SugaredLogger

	// Now is overridable for tests; defaults to time.Now at construction.
	Now func() time.Time
}

// New builds an Engine with defaults filled in.
func New(exec transport.RemoteExec, cfg *config.Config, db *store.DB, blocks *blockstore.Store, redo *redolog.Log, log *zap.SugaredLogger) *Engine {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &Engine{
		Exec:      exec,
		Cfg:       cfg,
		DB:        db,
		Blocks:    blocks,
		Redo:      redo,
		BlockSize: blockhash.Size,
		Log:       log,
		Now:       time.Now,
	}
}

// Result summarizes one completed pull.
type Result struct {
	BaseLSN     uint64
	FinalLSN    uint64
	RemoteSize  uint64
	Fetched     int
	AssumedSame int
}

// Run executes the full pull algorithm. It acquires the configured
// writer lock only when scripts are enabled.
func (e *Engine) Run(ctx context.Context) (Result, error) {
	scripts := e.Cfg.Remote.Scripts
	needsLock := (scripts.PrePull != "" || scripts.PostPull != "") && !scripts.NoPullLock

	var res Result
	var err error
	if needsLock {
		err = lockfile.WithLock(e.Cfg.Local.PullLock, func() error {
			var runErr error
			res, runErr = e.run(ctx)
			return runErr
		})
	} else {
		res, err = e.run(ctx)
	}
	return res, err
}

func (e *Engine) run(ctx context.Context) (Result, error) {
	scripts := e.Cfg.Remote.Scripts
	if scripts.PrePull != "" {
		if err := runScript(ctx, scripts.PrePull, e.scriptEnv()); err != nil {
			return Result{}, fmt.Errorf("pull: pre-pull script: %w", err)
		}
	}

	res, err := e.pullOnce(ctx)
	if err != nil {
		return res, err
	}

	if scripts.PostPull != "" {
		if err := runScript(ctx, scripts.PostPull, e.scriptEnv()); err != nil {
			return res, fmt.Errorf("pull: post-pull script: %w", err)
		}
	}
	return res, nil
}

func (e *Engine) scriptEnv() []string {
	return []string{
		"BSYNC_REMOTE_IMAGE=" + e.Cfg.Remote.Image,
		"BSYNC_LOCAL_DB=" + e.Cfg.Local.DB,
	}
}

// pullOnce is the core of a single pull: helper placement, size query,
// diff, fetch and commit. It does not touch the pre/post scripts or the
// outer lock.
func (e *Engine) pullOnce(ctx context.Context) (Result, error) {
	blockSize := e.BlockSize
	if blockSize == 0 {
		blockSize = blockhash.Size
	}

	remotePath, err := transport.Install(ctx, e.Exec, e.DB.InstanceID())
	if err != nil {
		return Result{}, fmt.Errorf("pull: install helper: %w", err)
	}
	helper := transport.NewHelperClient(e.Exec, remotePath, e.Cfg.Remote.Image, blockSize)

	remoteSize, err := transport.ImageSize(ctx, e.Exec, e.Cfg.Remote.Image)
	if err != nil {
		return Result{}, fmt.Errorf("pull: image size: %w", err)
	}

	lastCP, hasLastCP, err := e.lastConsistentPoint()
	if err != nil {
		return Result{}, err
	}
	if hasLastCP && remoteSize < lastCP.Size {
		return Result{}, fmt.Errorf("%w: remote is %d bytes, last consistent point was %d", ErrShrink, remoteSize, lastCP.Size)
	}

	lsn0, err := e.Redo.MaxLSN()
	if err != nil {
		return Result{}, fmt.Errorf("pull: max lsn: %w", err)
	}
	snap, err := e.Redo.Materialize(lsn0)
	if err != nil {
		return Result{}, fmt.Errorf("pull: materialize base snapshot: %w", err)
	}
	defer snap.Close()

	records, err := e.diff(ctx, helper, snap, blockSize, remoteSize)
	if err != nil {
		return Result{}, fmt.Errorf("pull: diff: %w", err)
	}

	finalLSN, fetched, assumed, err := e.fetchAndCommit(ctx, helper, blockSize, lsn0, records)
	if err != nil {
		return Result{}, err
	}

	if err := e.addConsistentPoint(finalLSN, remoteSize); err != nil {
		return Result{}, err
	}

	return Result{
		BaseLSN:     lsn0,
		FinalLSN:    finalLSN,
		RemoteSize:  remoteSize,
		Fetched:     fetched,
		AssumedSame: assumed,
	}, nil
}

func (e *Engine) lastConsistentPoint() (redolog.ConsistentPoint, bool, error) {
	cps, err := e.Redo.ConsistentPoints()
	if err != nil {
		return redolog.ConsistentPoint{}, false, fmt.Errorf("pull: list consistent points: %w", err)
	}
	if len(cps) == 0 {
		return redolog.ConsistentPoint{}, false, nil
	}
	return cps[len(cps)-1], true, nil
}

func (e *Engine) addConsistentPoint(lsn, size uint64) error {
	e.DB.Lock()
	defer e.DB.Unlock()
	tx, err := e.DB.BeginImmediate()
	if err != nil {
		return fmt.Errorf("pull: add consistent point: begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			e.DB.Rollback()
		}
	}()
	if err := redolog.AddConsistentPointTx(tx, redolog.ConsistentPoint{LSN: lsn, Size: size, CreatedAt: e.Now().Unix()}); err != nil {
		return fmt.Errorf("pull: %w", err)
	}
	if err := e.DB.Commit(); err != nil {
		return fmt.Errorf("pull: add consistent point: commit: %w", err)
	}
	committed = true
	return nil
}
