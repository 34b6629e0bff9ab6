// Package store owns the single SQLite database handle shared by the
// blockstore, redolog and consistent-point registry: one connection,
// guarded by a mutex, WAL journaling, IMMEDIATE write transactions.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
	"go.uber.org/zap"
)

// SchemaVersion is the only schema version this build understands.
const SchemaVersion = "1"

// ErrSchemaVersion is returned by Open when an existing database reports
// a schema_version other than SchemaVersion.
var ErrSchemaVersion = errors.New("store: unsupported schema_version")

// DB wraps the single *sql.DB connection to the local database file,
// plus the process-wide state derived from it (instance id). All SQL
// runs while holding mu: a single mutex-guarded handle, since the write
// path is single-threaded anyway.
type DB struct {
	mu         sync.Mutex
	sqldb      *sql.DB
	path       string
	readOnly   bool
	instanceID string
	log        *zap.SugaredLogger
}

// snapCounter is the process-wide monotonic counter for temp snapshot
// table names, shared by every DB handle in the process.
var snapCounter atomic.Uint64

// Open opens (creating if necessary, unless readOnly) the database file
// at path, enables WAL journaling and a busy timeout, and ensures the
// schema exists.
func Open(path string, readOnly bool, log *zap.SugaredLogger) (*DB, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	dsn := path
	if readOnly {
		dsn = fmt.Sprintf("file:%s?mode=ro", path)
	}
	sqldb, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	sqldb.SetMaxOpenConns(1) // single connection: matches the single-mutex-guarded handle model

	d := &DB{sqldb: sqldb, path: path, readOnly: readOnly, log: log}

	if _, err := sqldb.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("store: enable WAL: %w", err)
	}
	// 100ms retry on SQLITE_BUSY via SQLite's own busy_timeout pragma.
	if _, err := sqldb.Exec(`PRAGMA busy_timeout=100`); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("store: set busy_timeout: %w", err)
	}

	if !readOnly {
		if err := d.ensureSchema(); err != nil {
			sqldb.Close()
			return nil, err
		}
	}

	instanceID, err := d.loadOrCreateInstanceID(readOnly)
	if err != nil {
		sqldb.Close()
		return nil, err
	}
	d.instanceID = instanceID

	return d, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.sqldb.Close()
}

// InstanceID returns the process-wide instance_id recorded in config.
func (d *DB) InstanceID() string { return d.instanceID }

// Path returns the filesystem path of the database file.
func (d *DB) Path() string { return d.path }

// Lock guards every SQL statement issued against the handle. Exported so
// that pull/squash can wrap a multi-statement transaction (BEGIN
// IMMEDIATE ... COMMIT) in a single critical section.
func (d *DB) Lock()   { d.mu.Lock() }
func (d *DB) Unlock() { d.mu.Unlock() }

// SQL returns the underlying *sql.DB. Callers must hold Lock()/Unlock()
// around any use that isn't already inside a method on DB.
func (d *DB) SQL() *sql.DB { return d.sqldb }

// Execer is satisfied by both *sql.DB and *sql.Tx. pull and squash accept
// an Execer rather than a *sql.Tx for their multi-statement write
// transactions, because database/sql's Tx.Begin() gives no portable way
// to request SQLite's IMMEDIATE locking mode: instead BeginImmediate
// issues the statement directly on the shared connection.
type Execer interface {
	Exec(query string, args ...any) (sql.Result, error)
	Query(query string, args ...any) (*sql.Rows, error)
	QueryRow(query string, args ...any) *sql.Row
	Prepare(query string) (*sql.Stmt, error)
}

// BeginImmediate issues BEGIN IMMEDIATE on the shared connection,
// acquiring SQLite's write lock up front instead of on first write. The
// caller must already hold Lock() (SetMaxOpenConns(1) pins every
// statement to the same connection, so the transaction survives across
// the separate Exec/Query calls that follow) and must finish with
// exactly one of Commit or Rollback. A concurrent reader briefly holding
// the file lock during a WAL checkpoint surfaces as SQLITE_BUSY here;
// retryBusy gives that case visible, loggable backoff instead of failing
// the pull outright.
func (d *DB) BeginImmediate() (Execer, error) {
	err := d.retryBusy(func() error {
		_, err := d.sqldb.Exec(`BEGIN IMMEDIATE`)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("store: begin immediate: %w", err)
	}
	return d.sqldb, nil
}

// Commit finishes a transaction opened with BeginImmediate.
func (d *DB) Commit() error {
	if _, err := d.sqldb.Exec(`COMMIT`); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

// Rollback aborts a transaction opened with BeginImmediate. Errors are
// logged rather than returned: callers invoke Rollback from a defer
// alongside a real error that already explains the failure.
func (d *DB) Rollback() {
	if _, err := d.sqldb.Exec(`ROLLBACK`); err != nil {
		d.log.Debugw("rollback failed", "path", d.path, "error", err)
	}
}

// NextSnapshotID returns a process-unique, monotonically increasing
// counter value used to name transient snapshot tables, avoiding
// collisions between concurrent snapshots in the same process.
func (d *DB) NextSnapshotID() uint64 {
	return snapCounter.Add(1)
}

func (d *DB) ensureSchema() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS config (k TEXT PRIMARY KEY, v TEXT)`,
		`CREATE TABLE IF NOT EXISTS cas (hash BLOB PRIMARY KEY, content BLOB NOT NULL, compressed INTEGER NOT NULL)`,
		`CREATE TABLE IF NOT EXISTS redo (lsn INTEGER PRIMARY KEY AUTOINCREMENT, block_id INTEGER NOT NULL, hash BLOB NOT NULL)`,
		`CREATE INDEX IF NOT EXISTS redo_block_lsn ON redo(block_id, lsn)`,
		`CREATE TABLE IF NOT EXISTS consistent_point (lsn INTEGER PRIMARY KEY, size INTEGER NOT NULL, created_at INTEGER NOT NULL)`,
	}
	for _, s := range stmts {
		if _, err := d.sqldb.Exec(s); err != nil {
			return fmt.Errorf("store: ensure schema (%s): %w", s, err)
		}
	}
	return nil
}

func (d *DB) loadOrCreateInstanceID(readOnly bool) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	var version string
	err := d.sqldb.QueryRow(`SELECT v FROM config WHERE k = 'schema_version'`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if readOnly {
			return "", fmt.Errorf("store: %s has no config (not a bsync database)", d.path)
		}
		id := uuid.NewString()
		if _, err := d.sqldb.Exec(`INSERT INTO config (k, v) VALUES ('schema_version', ?), ('instance_id', ?)`, SchemaVersion, id); err != nil {
			return "", fmt.Errorf("store: write initial config: %w", err)
		}
		return id, nil
	case err != nil:
		return "", fmt.Errorf("store: read schema_version: %w", err)
	}

	if version != SchemaVersion {
		return "", fmt.Errorf("%w: got %q, want %q", ErrSchemaVersion, version, SchemaVersion)
	}

	var id string
	if err := d.sqldb.QueryRow(`SELECT v FROM config WHERE k = 'instance_id'`).Scan(&id); err != nil {
		return "", fmt.Errorf("store: read instance_id: %w", err)
	}
	return id, nil
}

// retryBusy runs fn, retrying while it returns a SQLITE_BUSY-shaped
// error. The pragma busy_timeout already retries inside the driver; this
// is a second layer for the IMMEDIATE-transaction acquisition path where
// callers want visible, loggable backoff rather than blocking silently.
func (d *DB) retryBusy(fn func() error) error {
	for {
		err := fn()
		if err == nil || !isBusy(err) {
			return err
		}
		d.log.Debugw("database busy, retrying", "path", d.path)
		time.Sleep(100 * time.Millisecond)
	}
}

func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
