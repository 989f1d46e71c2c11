package sqlitedb

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/stratodb/stratodb/internal/model"
)

// Tx is the active write transaction handed to internal/pipeline's apply
// phase. It supports named, nestable savepoints in addition to plain
// statement execution, matching spec.md §6's "SAVEPOINT x / RELEASE
// SAVEPOINT x / ROLLBACK TO SAVEPOINT x, nestable" contract.
type Tx struct {
	tx *sql.Tx
}

func (t *Tx) Exec(ctx context.Context, query string, args ...any) error {
	_, err := t.tx.ExecContext(ctx, query, args...)
	return err
}

func (t *Tx) QueryRow(ctx context.Context, query string, args ...any) model.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *Tx) Query(ctx context.Context, query string, args ...any) (model.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

// Savepoint opens a new named savepoint. Savepoint names in this codebase
// are always simple identifiers supplied by internal/pipeline, never
// caller-controlled strings, so they are interpolated directly rather than
// bound as parameters (SQLite does not allow parameter binding in DDL-like
// savepoint statements).
func (t *Tx) Savepoint(ctx context.Context, name string) error {
	if err := t.Exec(ctx, fmt.Sprintf(`SAVEPOINT %s`, name)); err != nil {
		return fmt.Errorf("sqlitedb: savepoint %s: %w", name, err)
	}
	return nil
}

// Release commits the named savepoint into its parent transaction.
func (t *Tx) Release(ctx context.Context, name string) error {
	if err := t.Exec(ctx, fmt.Sprintf(`RELEASE SAVEPOINT %s`, name)); err != nil {
		return fmt.Errorf("sqlitedb: release savepoint %s: %w", name, err)
	}
	return nil
}

// RollbackTo undoes every statement since the named savepoint was opened,
// without rolling back the rest of the enclosing transaction. Per SQLite
// semantics the savepoint itself remains open after a ROLLBACK TO and must
// still be released (or the enclosing transaction rolled back entirely) to
// fully unwind it.
func (t *Tx) RollbackTo(ctx context.Context, name string) error {
	if err := t.Exec(ctx, fmt.Sprintf(`ROLLBACK TO SAVEPOINT %s`, name)); err != nil {
		return fmt.Errorf("sqlitedb: rollback to savepoint %s: %w", name, err)
	}
	return nil
}

// UserVersion reads PRAGMA user_version from inside this transaction.
func (t *Tx) UserVersion(ctx context.Context) (int64, error) {
	var v int64
	if err := t.QueryRow(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, fmt.Errorf("sqlitedb: read user_version: %w", err)
	}
	return v, nil
}

// SetUserVersion persists a new user_version from inside this transaction.
// It is only ever called by internal/pipeline's apply phase, for top-level
// events, after ApplyChanges has succeeded.
func (t *Tx) SetUserVersion(ctx context.Context, v int64) error {
	// PRAGMA statements do not accept bound parameters; v is an internal
	// int64 computed by the pipeline, never user input.
	if err := t.Exec(ctx, fmt.Sprintf(`PRAGMA user_version = %d`, v)); err != nil {
		return fmt.Errorf("sqlitedb: set user_version: %w", err)
	}
	return nil
}
