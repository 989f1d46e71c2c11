// Package builtin provides small, fully worked model implementations used
// by the engine's own tests and as a starting point for new models — the
// one concrete "model" the core spec otherwise leaves abstract.
package builtin

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stratodb/stratodb/internal/event"
	"github.com/stratodb/stratodb/internal/model"
)

// KV is a minimal key→version table: its reducer records the dispatching
// event's version against the id carried in the event payload, and its
// applyChanges upserts that into a table named kv_<name>. It demonstrates
// the full {reducer, applyChanges, Writable} capability set end-to-end.
type KV struct {
	name string

	mu       sync.Mutex
	writable bool
}

// NewKV constructs a KV model backed by a table named kv_<name>. name must
// be a valid SQL identifier fragment — it is interpolated directly into
// DDL/DML, which is safe because it is always a compile-time constant
// supplied by the embedder, never attacker-controlled input.
func NewKV(name string) *KV {
	return &KV{name: name}
}

// Registration returns the model.Registration for this KV instance. The
// kv_<name> table is created by a registered migration rather than lazily
// from inside apply, so it exists before the first event ever reaches the
// pipeline.
func (k *KV) Registration() model.Registration {
	return model.Registration{
		Name:         k.name,
		Reducer:      k.reduce,
		ApplyChanges: k.apply,
		Instance:     k,
		Migrations: map[string]model.Migration{
			"1": k.createTable,
		},
	}
}

// SetWritable implements model.Writable.
func (k *KV) SetWritable(w bool) {
	k.mu.Lock()
	k.writable = w
	k.mu.Unlock()
}

type setOp struct {
	ID string `json:"id"`
	V  int64  `json:"v"`
}

type changeset struct {
	Set []setOp `json:"set,omitempty"`
}

// Row is one kv_<name> record.
type Row struct {
	ID string
	V  int64
}

func (k *KV) reduce(_ context.Context, _ model.Store, ev *event.Event) (model.Changes, error) {
	var payload struct {
		ID string `json:"id"`
	}
	if len(ev.Data) > 0 {
		if err := json.Unmarshal(ev.Data, &payload); err != nil {
			return model.Changes{}, fmt.Errorf("builtin/kv: unmarshal event data: %w", err)
		}
	}
	if payload.ID == "" {
		return model.Changes{}, nil
	}

	raw, err := json.Marshal(changeset{Set: []setOp{{ID: payload.ID, V: ev.V}}})
	if err != nil {
		return model.Changes{}, fmt.Errorf("builtin/kv: marshal changeset: %w", err)
	}
	return model.Changes{Raw: raw}, nil
}

// createTable is this model's migration step, run once by the engine's
// MigrationRegistry before any event reaches the pipeline.
func (k *KV) createTable(ctx context.Context, store model.Store) error {
	return store.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS kv_%s (id TEXT PRIMARY KEY, v INTEGER NOT NULL)`, k.name,
	))
}

func (k *KV) apply(ctx context.Context, store model.Store, raw json.RawMessage) error {
	k.mu.Lock()
	writable := k.writable
	k.mu.Unlock()
	if !writable {
		return fmt.Errorf("builtin/kv: %s: write attempted outside apply phase", k.name)
	}

	var c changeset
	if err := json.Unmarshal(raw, &c); err != nil {
		return fmt.Errorf("builtin/kv: unmarshal changeset: %w", err)
	}

	for _, op := range c.Set {
		if err := store.Exec(ctx, fmt.Sprintf(
			`INSERT INTO kv_%s (id, v) VALUES (?, ?) ON CONFLICT(id) DO UPDATE SET v = excluded.v`, k.name,
		), op.ID, op.V); err != nil {
			return fmt.Errorf("builtin/kv: upsert %q: %w", op.ID, err)
		}
	}
	return nil
}

// Get reads the current row for id, or (nil, nil) if it doesn't exist.
func (k *KV) Get(ctx context.Context, store model.Store, id string) (*Row, error) {
	row := store.QueryRow(ctx, fmt.Sprintf(`SELECT id, v FROM kv_%s WHERE id = ?`, k.name), id)
	var r Row
	if err := row.Scan(&r.ID, &r.V); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("builtin/kv: get %q: %w", id, err)
	}
	return &r, nil
}
