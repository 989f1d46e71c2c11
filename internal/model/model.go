// Package model defines the capability interfaces a user-defined model may
// implement, and the Registration used to declare one at engine construction
// time. Rather than duck-typing method presence at call time, every
// capability is an explicit, optional field collected once into ordered or
// unordered lists by the registry — see internal/registry.
package model

import (
	"context"
	"encoding/json"

	"github.com/stratodb/stratodb/internal/event"
)

// Store is the subset of the underlying SQL store a model's handlers may
// use. It is intentionally narrow: models never see transaction control
// (BEGIN/COMMIT/SAVEPOINT) directly, only statement execution, because the
// pipeline owns the surrounding transaction and savepoint.
type Store interface {
	Exec(ctx context.Context, query string, args ...any) error
	QueryRow(ctx context.Context, query string, args ...any) Row
	Query(ctx context.Context, query string, args ...any) (Rows, error)
}

// Row is the single-row scan result of Store.QueryRow.
type Row interface {
	Scan(dest ...any) error
}

// Rows is the multi-row result of Store.Query.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Dispatch appends a sub-event to the event currently being processed. It is
// handed to preprocessors and derivers so either may queue follow-up work
// that commits inside the same transaction as its parent; reducers request
// sub-events through Changes.Events instead.
type Dispatch func(typ string, data json.RawMessage)

// Preprocessor canonicalizes an event before reducers see it. It may return
// a replacement event (same V, non-empty Type) or mutate and return ev
// unchanged. Preprocessors run sequentially, in registration order, over the
// read-only store view.
type Preprocessor func(ctx context.Context, store Store, ev *event.Event, dispatch Dispatch) (*event.Event, error)

// Reducer computes this model's change-set for an event, reading only from
// the read-only store view. A zero Changes return means "no change". Reducers
// for different models run concurrently and must be pure: no writes, no
// side effects visible to peers.
type Reducer func(ctx context.Context, store Store, ev *event.Event) (Changes, error)

// Changes is the opaque delta a reducer produces for its own model. Its
// shape is entirely up to the model; the engine only inspects the Events
// field (sub-events the reducer wants appended to the parent) before
// handing the rest to ApplyChanges verbatim.
type Changes struct {
	// Raw is the model-defined change payload, serialized to JSON before
	// being stored in Event.Result and handed back to ApplyChanges.
	Raw json.RawMessage
	// Events are sub-events this reducer wants appended to the parent,
	// in addition to whatever preprocessors/derivers append via Dispatch.
	Events []SubEvent
}

// SubEvent is a sub-event requested by a reducer, preprocessor, or deriver.
type SubEvent struct {
	Type string
	Data json.RawMessage
}

// IsZero reports whether c carries no change at all ("no change" result).
func (c Changes) IsZero() bool {
	return len(c.Raw) == 0 && len(c.Events) == 0
}

// ApplyChanges writes a reducer's Changes to this model's own tables on the
// read-write store, inside the engine's apply-phase transaction/savepoint.
type ApplyChanges func(ctx context.Context, store Store, changes json.RawMessage) error

// Deriver runs after all ApplyChanges calls succeed (and, for top-level
// events, after the version has advanced). It may write to the read-write
// store — e.g. to maintain a derived cache or audit trail — and may append
// further sub-events via dispatch.
type Deriver func(ctx context.Context, store Store, ev *event.Event, result map[string]json.RawMessage, dispatch Dispatch) error

// Writable is implemented by models that need to reject writes outside the
// apply phase. The registry calls SetWritable(true) at the start of the
// apply phase and SetWritable(false) when it ends (including on error), for
// every read-write model. Models that never accept direct writes outside
// ApplyChanges (the common case — a pure reducer with no other mutation
// path) need not implement this interface at all.
type Writable interface {
	SetWritable(bool)
}

// Registration declares one model at engine construction time. Name must be
// unique and non-empty; "metadata" is reserved. At least one of
// Preprocessor, Reducer, or Deriver must be non-nil, or registration fails.
type Registration struct {
	Name string

	Preprocessor Preprocessor
	Reducer      Reducer
	ApplyChanges ApplyChanges
	Deriver      Deriver

	// Instance, if non-nil, is consulted for the optional Writable
	// interface. Models that are plain function values with no backing
	// struct can leave this nil.
	Instance any

	// Migrations, if non-nil, is registered under Name against the
	// engine's MigrationRegistry and applied once, before the pipeline
	// ever runs, instead of the model creating its own tables lazily from
	// inside ApplyChanges.
	Migrations map[string]Migration
}

// Migration is one named, idempotent schema-upgrade step. It takes Store
// rather than a concrete *sqlitedb.DB so internal/model never imports the
// storage package; internal/engine adapts it onto sqlitedb.MigrationRegistry
// at construction time, since *sqlitedb.DB already satisfies Store.
type Migration func(ctx context.Context, store Store) error
