package builtin_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stratodb/stratodb/internal/event"
	"github.com/stratodb/stratodb/internal/model/builtin"
	"github.com/stratodb/stratodb/internal/sqlitedb"
)

func TestRegistrationExposesNameAndCapabilities(t *testing.T) {
	kv := builtin.NewKV("widgets")
	reg := kv.Registration()

	if reg.Name != "widgets" {
		t.Errorf("Name = %q, want widgets", reg.Name)
	}
	if reg.Reducer == nil || reg.ApplyChanges == nil {
		t.Fatal("expected both Reducer and ApplyChanges to be set")
	}
	if reg.Instance != kv {
		t.Error("Instance should be the KV itself, for the Writable type assertion")
	}
	if reg.Migrations["1"] == nil {
		t.Fatal("expected a migration registered under key \"1\" to create the backing table")
	}
}

func TestApplyRejectsWriteOutsideWritableWindow(t *testing.T) {
	db, err := sqlitedb.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	kv := builtin.NewKV("widgets")
	reg := kv.Registration()

	ev := &event.Event{V: 1, Data: json.RawMessage(`{"id":"a"}`)}
	changes, err := reg.Reducer(ctx, db, ev)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if len(changes.Raw) == 0 {
		t.Fatal("reduce: want non-empty changes")
	}

	// writable was never set true, so apply must refuse to write.
	if err := reg.ApplyChanges(ctx, db, changes.Raw); err == nil {
		t.Fatal("apply: want error when not writable, got nil")
	}
}

func TestReduceThenApplyThenGetRoundTrips(t *testing.T) {
	db, err := sqlitedb.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	kv := builtin.NewKV("widgets")
	reg := kv.Registration()

	if err := reg.Migrations["1"](ctx, db); err != nil {
		t.Fatalf("run migration: %v", err)
	}

	ev := &event.Event{V: 7, Data: json.RawMessage(`{"id":"gadget"}`)}
	changes, err := reg.Reducer(ctx, db, ev)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}

	kv.SetWritable(true)
	if err := reg.ApplyChanges(ctx, db, changes.Raw); err != nil {
		t.Fatalf("apply: %v", err)
	}
	kv.SetWritable(false)

	row, err := kv.Get(ctx, db, "gadget")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row == nil {
		t.Fatal("Get: want row, got nil")
	}
	if row.ID != "gadget" || row.V != 7 {
		t.Errorf("Get() = %+v, want {ID:gadget V:7}", row)
	}
}

func TestReduceWithEmptyIDProducesNoChange(t *testing.T) {
	db, err := sqlitedb.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	kv := builtin.NewKV("widgets")
	reg := kv.Registration()

	changes, err := reg.Reducer(ctx, db, &event.Event{V: 1, Data: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if !changes.IsZero() {
		t.Errorf("changes = %+v, want zero value", changes)
	}
}

func TestGetMissingRowReturnsNilWithoutError(t *testing.T) {
	db, err := sqlitedb.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()

	kv := builtin.NewKV("widgets")
	reg := kv.Registration()

	if err := reg.Migrations["1"](ctx, db); err != nil {
		t.Fatalf("run migration: %v", err)
	}

	// The migration above created the table, so Get exercises the "row not
	// found" branch rather than a missing-table error; one other row is
	// applied so the table is not empty.
	ev := &event.Event{V: 1, Data: json.RawMessage(`{"id":"a"}`)}
	changes, err := reg.Reducer(ctx, db, ev)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	kv.SetWritable(true)
	if err := reg.ApplyChanges(ctx, db, changes.Raw); err != nil {
		t.Fatalf("apply: %v", err)
	}
	kv.SetWritable(false)

	row, err := kv.Get(ctx, db, "missing")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if row != nil {
		t.Errorf("Get(missing) = %+v, want nil", row)
	}
}
