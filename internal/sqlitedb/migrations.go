package sqlitedb

import (
	"context"
	"fmt"
	"sort"
	"strconv"
)

// Migration is one named, idempotent schema-upgrade step a model registers
// against a MigrationRegistry. It receives the plain read-write DB, not a
// Tx, since migrations run once at startup, before the pipeline or any
// model's own apply-phase writes exist.
type Migration func(ctx context.Context, db *DB) error

// migrationsDDL is the bookkeeping table recording which (name, key) steps
// have already run, so Apply is safe to call on every startup.
const migrationsDDL = `
CREATE TABLE IF NOT EXISTS _migrations (
    name TEXT NOT NULL,
    key  TEXT NOT NULL,
    PRIMARY KEY (name, key)
);
`

// MigrationRegistry is the Go realization of spec.md §6's "migration
// registry (external collaborator)": models register a named set of
// numeric-keyed steps, and Apply runs every step that hasn't already been
// recorded in _migrations, in ascending numeric key order within each name.
type MigrationRegistry struct {
	names []string
	steps map[string]map[string]Migration
}

// NewMigrationRegistry constructs an empty registry.
func NewMigrationRegistry() *MigrationRegistry {
	return &MigrationRegistry{steps: make(map[string]map[string]Migration)}
}

// Register adds steps under name. Keys must parse as integers (e.g. "001",
// "2") so Apply can order them; Register panics on a non-numeric key, since
// that can only be a programming error in an embedder's own migration set,
// never something a caller should handle at runtime.
func (r *MigrationRegistry) Register(name string, steps map[string]Migration) {
	if _, ok := r.steps[name]; !ok {
		r.names = append(r.names, name)
	}
	existing := r.steps[name]
	if existing == nil {
		existing = make(map[string]Migration, len(steps))
	}
	for key := range steps {
		if _, err := strconv.Atoi(key); err != nil {
			panic(fmt.Sprintf("sqlitedb: migration key %q for %q must be numeric", key, name))
		}
		existing[key] = steps[key]
	}
	r.steps[name] = existing
}

// Apply runs every registered step not yet recorded in _migrations, on db's
// own handle (never inside the caller's own transaction, since each step
// commits its bookkeeping row immediately after running). Names are visited
// in registration order; within a name, keys run in ascending numeric order.
func (r *MigrationRegistry) Apply(ctx context.Context, db *DB) error {
	if err := db.Exec(ctx, migrationsDDL); err != nil {
		return fmt.Errorf("sqlitedb: create _migrations table: %w", err)
	}

	for _, name := range r.names {
		keys := make([]string, 0, len(r.steps[name]))
		for key := range r.steps[name] {
			keys = append(keys, key)
		}
		sort.Slice(keys, func(i, j int) bool {
			ni, _ := strconv.Atoi(keys[i])
			nj, _ := strconv.Atoi(keys[j])
			return ni < nj
		})

		for _, key := range keys {
			applied, err := r.isApplied(ctx, db, name, key)
			if err != nil {
				return err
			}
			if applied {
				continue
			}
			if err := r.steps[name][key](ctx, db); err != nil {
				return fmt.Errorf("sqlitedb: migration %s/%s: %w", name, key, err)
			}
			if err := db.Exec(ctx, `INSERT INTO _migrations (name, key) VALUES (?, ?)`, name, key); err != nil {
				return fmt.Errorf("sqlitedb: record migration %s/%s: %w", name, key, err)
			}
		}
	}
	return nil
}

func (r *MigrationRegistry) isApplied(ctx context.Context, db *DB, name, key string) (bool, error) {
	var n int
	err := db.QueryRow(ctx, `SELECT COUNT(*) FROM _migrations WHERE name = ? AND key = ?`, name, key).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("sqlitedb: check migration %s/%s: %w", name, key, err)
	}
	return n > 0, nil
}
