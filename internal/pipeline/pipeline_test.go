package pipeline_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stratodb/stratodb/internal/event"
	"github.com/stratodb/stratodb/internal/model"
	"github.com/stratodb/stratodb/internal/pipeline"
	"github.com/stratodb/stratodb/internal/registry"
	"github.com/stratodb/stratodb/internal/sqlitedb"
)

// withTx opens an in-memory store, creates t1/t2 bookkeeping tables, and
// runs fn inside a single write transaction, returning whatever fn returns.
func withTx(t *testing.T, fn func(ctx context.Context, ro *sqlitedb.DB, tx *sqlitedb.Tx) *event.Event) *event.Event {
	t.Helper()
	db, err := sqlitedb.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	ro := db.Alias()

	if err := db.Exec(ctx, `CREATE TABLE foo (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create foo: %v", err)
	}
	if err := db.Exec(ctx, `CREATE TABLE bar (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create bar: %v", err)
	}

	var result *event.Event
	err = db.WithTransaction(ctx, func(tx *sqlitedb.Tx) error {
		result = fn(ctx, ro, tx)
		return nil
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}
	return result
}

func countRows(t *testing.T, db *sqlitedb.DB, table string) int {
	t.Helper()
	var n int
	if err := db.QueryRow(context.Background(), `SELECT COUNT(*) FROM `+table).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestHandleAddOneSucceeds(t *testing.T) {
	db, err := sqlitedb.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	ro := db.Alias()

	if err := db.Exec(ctx, `CREATE TABLE foo (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create foo: %v", err)
	}

	reg, err := registry.New([]model.Registration{
		{
			Name: "foo",
			Reducer: func(ctx context.Context, store model.Store, ev *event.Event) (model.Changes, error) {
				return model.Changes{Raw: json.RawMessage(`{"id":"a"}`)}, nil
			},
			ApplyChanges: func(ctx context.Context, store model.Store, changes json.RawMessage) error {
				var payload struct{ ID string }
				if err := json.Unmarshal(changes, &payload); err != nil {
					return err
				}
				return store.Exec(ctx, `INSERT INTO foo (id) VALUES (?)`, payload.ID)
			},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	ev := &event.Event{V: 1, Type: "ADD"}
	var result *event.Event
	err = db.WithTransaction(ctx, func(tx *sqlitedb.Tx) error {
		result = pipeline.Handle(ctx, reg, ro, tx, ev, 0)
		return nil
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}

	if result.Failed() {
		t.Fatalf("Handle failed: %+v", result.Error)
	}
	if string(result.Result["foo"]) != `{"id":"a"}` {
		t.Errorf("Result[foo] = %s, want {\"id\":\"a\"}", result.Result["foo"])
	}

	if n := countRows(t, db, "foo"); n != 1 {
		t.Errorf("foo row count = %d, want 1", n)
	}
	v, err := db.UserVersion(ctx)
	if err != nil {
		t.Fatalf("UserVersion: %v", err)
	}
	if v != 1 {
		t.Errorf("UserVersion = %d, want 1", v)
	}
}

func TestHandleReducerErrorIsolatesOtherModels(t *testing.T) {
	var barApplyCalled int32

	reg, err := registry.New([]model.Registration{
		{
			Name: "foo",
			Reducer: func(ctx context.Context, store model.Store, ev *event.Event) (model.Changes, error) {
				return model.Changes{}, errors.New("boom")
			},
		},
		{
			Name: "bar",
			Reducer: func(ctx context.Context, store model.Store, ev *event.Event) (model.Changes, error) {
				return model.Changes{Raw: json.RawMessage(`{"id":"b"}`)}, nil
			},
			ApplyChanges: func(ctx context.Context, store model.Store, changes json.RawMessage) error {
				atomic.AddInt32(&barApplyCalled, 1)
				return store.Exec(ctx, `INSERT INTO bar (id) VALUES ('b')`)
			},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	result := withTx(t, func(ctx context.Context, ro *sqlitedb.DB, tx *sqlitedb.Tx) *event.Event {
		return pipeline.Handle(ctx, reg, ro, tx, &event.Event{V: 1, Type: "ADD"}, 0)
	})

	if !result.Failed() {
		t.Fatal("Handle: want failure, got success")
	}
	if _, ok := result.Error["reduce_foo"]; !ok {
		t.Errorf("Error = %+v, want reduce_foo key", result.Error)
	}
	if _, ok := result.Error["reduce_bar"]; ok {
		t.Errorf("Error = %+v, want no reduce_bar key (bar reducer succeeded)", result.Error)
	}
	if result.Result != nil {
		t.Errorf("Result = %+v, want nil (reduce phase failed entirely)", result.Result)
	}
	if atomic.LoadInt32(&barApplyCalled) != 0 {
		t.Error("bar ApplyChanges was called despite foo's reducer failing; apply phase must not run on reduce failure")
	}
}

func TestHandleApplyFailureRollsBackAndRecordsFailedResult(t *testing.T) {
	db, err := sqlitedb.Open(":memory:", false)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	ctx := context.Background()
	ro := db.Alias()

	if err := db.Exec(ctx, `CREATE TABLE foo (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create foo: %v", err)
	}
	if err := db.Exec(ctx, `CREATE TABLE bar (id TEXT PRIMARY KEY)`); err != nil {
		t.Fatalf("create bar: %v", err)
	}

	reg, err := registry.New([]model.Registration{
		{
			Name: "foo",
			Reducer: func(ctx context.Context, store model.Store, ev *event.Event) (model.Changes, error) {
				return model.Changes{Raw: json.RawMessage(`{"id":"a"}`)}, nil
			},
			ApplyChanges: func(ctx context.Context, store model.Store, changes json.RawMessage) error {
				return store.Exec(ctx, `INSERT INTO foo (id) VALUES ('a')`)
			},
		},
		{
			Name: "bar",
			Reducer: func(ctx context.Context, store model.Store, ev *event.Event) (model.Changes, error) {
				return model.Changes{Raw: json.RawMessage(`{"id":"b"}`)}, nil
			},
			ApplyChanges: func(ctx context.Context, store model.Store, changes json.RawMessage) error {
				return errors.New("disk full")
			},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	var result *event.Event
	err = db.WithTransaction(ctx, func(tx *sqlitedb.Tx) error {
		result = pipeline.Handle(ctx, reg, ro, tx, &event.Event{V: 1, Type: "ADD"}, 0)
		return nil
	})
	if err != nil {
		t.Fatalf("WithTransaction: %v", err)
	}

	if !result.Failed() {
		t.Fatal("Handle: want failure, got success")
	}
	if _, ok := result.Error["_apply-apply"]; !ok {
		t.Errorf("Error = %+v, want _apply-apply key", result.Error)
	}
	if result.Result != nil {
		t.Errorf("Result = %+v, want nil after apply failure", result.Result)
	}
	if result.FailedResult == nil {
		t.Error("FailedResult = nil, want the reduce-phase snapshot preserved")
	}

	// foo's insert must have been rolled back to the savepoint even though
	// its own ApplyChanges succeeded, because bar's failed in the same
	// apply phase.
	if n := countRows(t, db, "foo"); n != 0 {
		t.Errorf("foo row count = %d, want 0 (rolled back)", n)
	}
	if n := countRows(t, db, "bar"); n != 0 {
		t.Errorf("bar row count = %d, want 0 (rolled back)", n)
	}
	v, err := db.UserVersion(ctx)
	if err != nil {
		t.Fatalf("UserVersion: %v", err)
	}
	if v != 0 {
		t.Errorf("UserVersion = %d, want 0 (apply failed, version must not advance)", v)
	}
}

func TestHandleSettlesAllAppliersEvenAfterOneFails(t *testing.T) {
	var fooCalled, bazCalled int32

	reg, err := registry.New([]model.Registration{
		{
			Name: "foo",
			Reducer: func(ctx context.Context, store model.Store, ev *event.Event) (model.Changes, error) {
				return model.Changes{Raw: json.RawMessage(`{}`)}, nil
			},
			ApplyChanges: func(ctx context.Context, store model.Store, changes json.RawMessage) error {
				atomic.AddInt32(&fooCalled, 1)
				return errors.New("foo broke")
			},
		},
		{
			Name: "baz",
			Reducer: func(ctx context.Context, store model.Store, ev *event.Event) (model.Changes, error) {
				return model.Changes{Raw: json.RawMessage(`{}`)}, nil
			},
			ApplyChanges: func(ctx context.Context, store model.Store, changes json.RawMessage) error {
				atomic.AddInt32(&bazCalled, 1)
				return nil
			},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	result := withTx(t, func(ctx context.Context, ro *sqlitedb.DB, tx *sqlitedb.Tx) *event.Event {
		return pipeline.Handle(ctx, reg, ro, tx, &event.Event{V: 1, Type: "ADD"}, 0)
	})

	if !result.Failed() {
		t.Fatal("Handle: want failure")
	}
	if atomic.LoadInt32(&fooCalled) != 1 || atomic.LoadInt32(&bazCalled) != 1 {
		t.Errorf("fooCalled=%d bazCalled=%d, want both called exactly once (settle-all)",
			fooCalled, bazCalled)
	}
}

func TestHandleSubEventSharesParentVersion(t *testing.T) {
	reg, err := registry.New([]model.Registration{
		{
			Name: "foo",
			Preprocessor: func(ctx context.Context, store model.Store, ev *event.Event, dispatch model.Dispatch) (*event.Event, error) {
				if ev.Type == "PARENT" {
					dispatch("CHILD", json.RawMessage(`{"n":1}`))
				}
				return nil, nil
			},
			Reducer: func(ctx context.Context, store model.Store, ev *event.Event) (model.Changes, error) {
				return model.Changes{Raw: json.RawMessage(fmt.Sprintf(`{"type":%q}`, ev.Type))}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	result := withTx(t, func(ctx context.Context, ro *sqlitedb.DB, tx *sqlitedb.Tx) *event.Event {
		return pipeline.Handle(ctx, reg, ro, tx, &event.Event{V: 5, Type: "PARENT"}, 0)
	})

	if result.Failed() {
		t.Fatalf("Handle failed: %+v", result.Error)
	}
	if len(result.Events) != 1 {
		t.Fatalf("Events = %+v, want 1 sub-event", result.Events)
	}
	child := result.Events[0]
	if child.V != 0 {
		t.Errorf("child.V = %d, want 0 (a sub-event never persists its own v)", child.V)
	}
	if child.Failed() {
		t.Errorf("child failed: %+v", child.Error)
	}

	raw, err := json.Marshal(result.Events)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var serialized []map[string]any
	if err := json.Unmarshal(raw, &serialized); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if _, ok := serialized[0]["v"]; ok {
		t.Errorf("serialized child record = %s, want no \"v\" key at all", raw)
	}
}

func TestHandleFailedSubEventFailsParent(t *testing.T) {
	reg, err := registry.New([]model.Registration{
		{
			Name: "foo",
			Preprocessor: func(ctx context.Context, store model.Store, ev *event.Event, dispatch model.Dispatch) (*event.Event, error) {
				if ev.Type == "PARENT" {
					dispatch("CHILD", nil)
				}
				return nil, nil
			},
			Reducer: func(ctx context.Context, store model.Store, ev *event.Event) (model.Changes, error) {
				if ev.Type == "CHILD" {
					return model.Changes{}, errors.New("child boom")
				}
				return model.Changes{}, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	result := withTx(t, func(ctx context.Context, ro *sqlitedb.DB, tx *sqlitedb.Tx) *event.Event {
		return pipeline.Handle(ctx, reg, ro, tx, &event.Event{V: 1, Type: "PARENT"}, 0)
	})

	if !result.Failed() {
		t.Fatal("Handle: want parent to fail when its sub-event fails")
	}
	if _, ok := result.Error["_handle"]; !ok {
		t.Errorf("Error = %+v, want _handle key", result.Error)
	}
}

func TestHandleRecursionGuardStopsRunawaySubEvents(t *testing.T) {
	var calls int32

	reg, err := registry.New([]model.Registration{
		{
			Name: "loop",
			Preprocessor: func(ctx context.Context, store model.Store, ev *event.Event, dispatch model.Dispatch) (*event.Event, error) {
				atomic.AddInt32(&calls, 1)
				dispatch("LOOP", nil)
				return nil, nil
			},
		},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	result := withTx(t, func(ctx context.Context, ro *sqlitedb.DB, tx *sqlitedb.Tx) *event.Event {
		return pipeline.Handle(ctx, reg, ro, tx, &event.Event{V: 1, Type: "LOOP"}, 0)
	})

	if !result.Failed() {
		t.Fatal("Handle: want failure once recursion depth is exceeded")
	}
	if n := atomic.LoadInt32(&calls); n > 105 {
		t.Errorf("preprocessor called %d times, want roughly maxDepth (guard should have stopped it)", n)
	}
}
