// Package sqlitedb is the engine's concrete, minimal realization of the
// external SQL-store collaborator spec.md describes as "opaque" — a
// WAL-mode modernc.org/sqlite wrapper supporting nested savepoints and a
// persistent user_version pragma, plus the event queue table built on top
// of it. Nothing in internal/pipeline, internal/engine, internal/registry,
// or internal/version imports database/sql directly: pipeline and version
// reach the store through their own small interfaces (model.Store,
// pipeline.Tx, version.Store), and internal/engine uses this package's
// concrete DB, Tx and Queue types.
package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/stratodb/stratodb/internal/model"
)

// DB is a WAL-mode SQLite handle. It is safe for concurrent use. Construct
// with Open; Close releases the underlying connection pool. A DB whose
// underlying connection has been torn down by Reset (see internal/engine's
// backoff-driven handle recycling) reopens itself lazily on next use.
type DB struct {
	path     string
	readOnly bool
	shared   *DB // non-nil when this handle must alias another (":memory:")

	mu  sync.Mutex
	sql *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies WAL mode
// and the single-writer connection pool discipline. If readOnly is true and
// path is not ":memory:", the connection is opened with SQLite's
// mode=ro query parameter so the handle can never block behind — or be
// blocked by — the read-write writer. ":memory:" databases cannot be
// aliased across connections, so callers must pass the same *DB for both
// their RW and RO roles when path == ":memory:"; Open does not enforce this
// itself (see internal/engine.New, which owns that decision).
func Open(path string, readOnly bool) (*DB, error) {
	d := &DB{path: path, readOnly: readOnly}
	if err := d.open(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *DB) dsn() string {
	if d.path == ":memory:" {
		return ":memory:"
	}
	if d.readOnly {
		return fmt.Sprintf("file:%s?mode=ro&_txlock=deferred", d.path)
	}
	return d.path
}

func (d *DB) open() error {
	db, err := sql.Open("sqlite", d.dsn())
	if err != nil {
		return fmt.Errorf("sqlitedb: open %q: %w", d.path, err)
	}

	// SQLite allows only one writer at a time; a single pooled connection
	// serializes every write through this handle and avoids "database is
	// locked" errors, matching internal/queue/sqlite_queue.go's discipline.
	if !d.readOnly {
		db.SetMaxOpenConns(1)
	}

	if !d.readOnly {
		if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
			_ = db.Close()
			return fmt.Errorf("sqlitedb: set WAL mode: %w", err)
		}
		if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
			_ = db.Close()
			return fmt.Errorf("sqlitedb: set synchronous=NORMAL: %w", err)
		}
	}

	d.sql = db
	return nil
}

// ensure reopens the underlying *sql.DB if a prior Reset closed it. It is
// called at the top of every public method so backoff-driven recycling is
// transparent to callers.
func (d *DB) ensure() (*sql.DB, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shared != nil {
		return d.shared.ensure()
	}
	if d.sql == nil {
		if err := d.open(); err != nil {
			return nil, err
		}
	}
	return d.sql, nil
}

// Reset closes the underlying connection so the next call reopens it. This
// is the handle-recycling step internal/engine's polling loop performs after
// repeated transaction failures, on the theory that a stuck OS-level lock or
// corrupted connection state will clear on reopen.
func (d *DB) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shared != nil {
		return d.shared.Reset()
	}
	if d.sql == nil {
		return nil
	}
	err := d.sql.Close()
	d.sql = nil
	return err
}

// Close releases the underlying connection pool permanently.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.shared != nil {
		return nil // shared handles are closed by their owner
	}
	if d.sql == nil {
		return nil
	}
	return d.sql.Close()
}

// Alias returns a DB that shares this one's underlying connection — used
// when the RO role must be served by the same handle as RW because the
// database is ":memory:" and a second connection would see an empty store.
func (d *DB) Alias() *DB {
	return &DB{path: d.path, readOnly: d.readOnly, shared: d}
}

// Exec runs a statement outside of any transaction.
func (d *DB) Exec(ctx context.Context, query string, args ...any) error {
	sqlDB, err := d.ensure()
	if err != nil {
		return err
	}
	_, err = sqlDB.ExecContext(ctx, query, args...)
	return err
}

// QueryRow runs a single-row query outside of any transaction.
func (d *DB) QueryRow(ctx context.Context, query string, args ...any) model.Row {
	sqlDB, err := d.ensure()
	if err != nil {
		return errRow{err}
	}
	return sqlDB.QueryRowContext(ctx, query, args...)
}

// Query runs a multi-row query outside of any transaction.
func (d *DB) Query(ctx context.Context, query string, args ...any) (model.Rows, error) {
	sqlDB, err := d.ensure()
	if err != nil {
		return nil, err
	}
	rows, err := sqlDB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return rows, nil
}

// UserVersion reads the persistent PRAGMA user_version outside of any
// transaction. See internal/version for the cached, single-flight reader
// built on top of this.
func (d *DB) UserVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := d.QueryRow(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("sqlitedb: read user_version: %w", err)
	}
	return v, nil
}

// WithTransaction runs fn inside a single write transaction: commits if fn
// returns nil, rolls back otherwise. Only the read-write handle should ever
// call this.
func (d *DB) WithTransaction(ctx context.Context, fn func(*Tx) error) error {
	sqlDB, err := d.ensure()
	if err != nil {
		return err
	}
	sqlTx, err := sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlitedb: begin transaction: %w", err)
	}
	tx := &Tx{tx: sqlTx}
	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("sqlitedb: commit: %w", err)
	}
	return nil
}

// errRow is a model.Row that always fails Scan with a fixed error, used to
// surface a connection-acquisition failure through the normal Row interface
// instead of a second error-return path.
type errRow struct{ err error }

func (r errRow) Scan(dest ...any) error { return r.err }
