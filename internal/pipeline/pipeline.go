// Package pipeline implements spec.md §4.4's Event Pipeline (C4): the fixed
// preprocess → reduce → apply → derive sequence run once per event (and
// once per sub-event, recursively) inside the enclosing write transaction.
// Nothing here imports database/sql; the apply phase is driven entirely
// through the Tx interface, satisfied by *sqlitedb.Tx.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/stratodb/stratodb/internal/event"
	"github.com/stratodb/stratodb/internal/model"
	"github.com/stratodb/stratodb/internal/registry"
)

// Tx is the write-transaction surface the apply phase needs: statement
// execution (shared with model.Store, so ApplyChanges/Deriver handlers can
// be called directly with a Tx) plus the named-savepoint and user_version
// operations spec.md §6 assigns to the underlying store contract.
type Tx interface {
	model.Store
	Savepoint(ctx context.Context, name string) error
	Release(ctx context.Context, name string) error
	RollbackTo(ctx context.Context, name string) error
	SetUserVersion(ctx context.Context, v int64) error
}

// savepointName is the fixed savepoint the apply phase opens for every
// event, per spec.md §4.4 ("under a handle savepoint").
const savepointName = "handle"

// Handle runs ev through the full pipeline at recursion depth, mutating and
// returning ev (or a preprocessor-supplied replacement) with Result/Error/
// FailedResult/Events filled in. It never returns a Go error: every failure
// mode is captured onto the returned event's Error map, per spec.md §7's
// "errors never throw out of the pipeline" propagation policy.
func Handle(ctx context.Context, reg *registry.Registry, roStore model.Store, tx Tx, ev *event.Event, depth int) *event.Event {
	if depth > maxDepth {
		ev.Error = map[string]string{KeyHandle: tooDeepMessage}
		return ev
	}

	cur := ev

	if failed := runPreprocessors(ctx, reg, roStore, &cur); failed {
		return cur
	}

	if failed := runReducers(ctx, reg, roStore, cur); failed {
		return cur
	}

	if err := tx.Savepoint(ctx, savepointName); err != nil {
		cur.Error = map[string]string{KeySQLite: err.Error()}
		return cur
	}

	reg.SetWritable(true)
	applyErr := runApplyAndDerive(ctx, reg, tx, cur, depth)
	reg.SetWritable(false)

	if applyErr != nil {
		if rbErr := tx.RollbackTo(ctx, savepointName); rbErr != nil {
			applyErr[KeySQLite] = rbErr.Error()
		} else if relErr := tx.Release(ctx, savepointName); relErr != nil {
			applyErr[KeySQLite] = relErr.Error()
		}
		cur.FailedResult = cur.Result
		cur.Result = nil
		cur.Error = applyErr
		return cur
	}

	// The savepoint stays open while sub-events run, so a failed sub-event
	// also undoes this event's own writes and, at depth 0, its version bump.
	cur = runSubEvents(ctx, reg, roStore, tx, cur, depth)
	if cur.Failed() {
		if rbErr := tx.RollbackTo(ctx, savepointName); rbErr != nil {
			cur.Error[KeySQLite] = rbErr.Error()
		} else if relErr := tx.Release(ctx, savepointName); relErr != nil {
			cur.Error[KeySQLite] = relErr.Error()
		}
		return cur
	}
	if err := tx.Release(ctx, savepointName); err != nil {
		cur.Error = map[string]string{KeySQLite: err.Error()}
		return cur
	}
	return cur
}

// runPreprocessors runs every registered preprocessor in order over *cur,
// replacing *cur with whatever each one returns. It reports true if an
// error was captured onto the event (halting the pipeline).
func runPreprocessors(ctx context.Context, reg *registry.Registry, roStore model.Store, cur **event.Event) bool {
	dispatch := func(typ string, data json.RawMessage) {
		(*cur).Events = append((*cur).Events, &event.Event{Type: typ, Data: data})
	}

	for i := 0; i < reg.NumPreprocessors(); i++ {
		name, fn := reg.PreprocessorAt(i)
		next, err := fn(ctx, roStore, *cur, dispatch)
		if err != nil {
			(*cur).Error = map[string]string{PreprocessKey(name): err.Error()}
			return true
		}
		if next == nil {
			continue
		}
		if next.V != (*cur).V || next.Type == "" {
			(*cur).Error = map[string]string{PreprocessKey(name): "preprocessor must retain v and a non-empty type"}
			return true
		}
		*cur = next
	}
	return false
}

// runReducers runs every registered reducer concurrently over a read-only
// snapshot, aggregating all failures (spec.md §7's "all-errors aggregation"
// for the reduce phase) rather than stopping at the first one. It reports
// true if any reducer failed.
func runReducers(ctx context.Context, reg *registry.Registry, roStore model.Store, cur *event.Event) bool {
	type outcome struct {
		name    string
		changes model.Changes
		err     error
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []outcome
	)
	reg.EachReducer(func(name string, reducer model.Reducer) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			changes, err := reducer(ctx, roStore, cur)
			mu.Lock()
			results = append(results, outcome{name, changes, err})
			mu.Unlock()
		}()
	})
	wg.Wait()

	errs := make(map[string]string)
	resultMap := make(map[string]json.RawMessage)
	var subEvents []model.SubEvent
	for _, r := range results {
		if r.err != nil {
			errs[ReduceKey(r.name)] = r.err.Error()
			continue
		}
		if r.changes.IsZero() {
			continue
		}
		if len(r.changes.Raw) > 0 {
			resultMap[r.name] = r.changes.Raw
		}
		subEvents = append(subEvents, r.changes.Events...)
	}

	if len(errs) > 0 {
		cur.Error = errs
		cur.Result = nil
		return true
	}

	cur.Result = resultMap
	for _, se := range subEvents {
		cur.Events = append(cur.Events, &event.Event{Type: se.Type, Data: se.Data})
	}
	return false
}

// runApplyAndDerive runs the apply phase's three steps (ApplyChanges,
// user_version, derivers) and returns the error map to attach to the event,
// or nil on full success. It must be called with every RW model already set
// writable, and the caller is responsible for unsetting it afterward.
func runApplyAndDerive(ctx context.Context, reg *registry.Registry, tx Tx, cur *event.Event, depth int) map[string]string {
	if err := settleAllApply(ctx, reg, tx, cur.Result); err != nil {
		return map[string]string{KeyApplyApply: err.Error()}
	}

	if depth == 0 {
		if err := tx.SetUserVersion(ctx, cur.V); err != nil {
			return map[string]string{KeyApplyVersion: err.Error()}
		}
	}

	if err := settleAllDerive(ctx, reg, tx, cur); err != nil {
		return map[string]string{KeyApplyDerive: err.Error()}
	}

	return nil
}

// settleAllApply calls ApplyChanges for every (name, changes) pair in
// result concurrently, letting all of them finish (settle-all) even after
// the first failure, and returns that first failure if any occurred.
func settleAllApply(ctx context.Context, reg *registry.Registry, tx Tx, result map[string]json.RawMessage) error {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
	)
	for name, raw := range result {
		applyFn, ok := reg.Apply(name)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(name string, raw json.RawMessage, applyFn model.ApplyChanges) {
			defer wg.Done()
			if err := applyFn(ctx, tx, raw); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
				mu.Unlock()
			}
		}(name, raw, applyFn)
	}
	wg.Wait()
	return firstErr
}

// settleAllDerive runs every registered deriver concurrently (settle-all),
// returning the first failure if any occurred. Derivers share ev.Events
// through dispatch, so appends are serialized under a mutex.
func settleAllDerive(ctx context.Context, reg *registry.Registry, tx Tx, ev *event.Event) error {
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		firstErr   error
		eventsLock sync.Mutex
	)
	dispatch := func(typ string, data json.RawMessage) {
		eventsLock.Lock()
		ev.Events = append(ev.Events, &event.Event{Type: typ, Data: data})
		eventsLock.Unlock()
	}

	reg.EachDeriver(func(name string, deriver model.Deriver) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := deriver(ctx, tx, ev, ev.Result, dispatch); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("%s: %w", name, err)
				}
				mu.Unlock()
			}
		}()
	})
	wg.Wait()
	return firstErr
}

// runSubEvents processes ev.Events in order, each at depth+1, per spec.md
// §4.4's sub-event recursion rule. Each sub-event borrows its parent's V for
// the duration of its own Handle call — so a Deriver still sees the version
// it's committing under — but that stamp is cleared back to zero before the
// sub-event lands in ev.Events, so a sub-event never persists a v of its
// own. The first sub-event failure aborts processing and is surfaced as
// _handle on the parent.
func runSubEvents(ctx context.Context, reg *registry.Registry, roStore model.Store, tx Tx, ev *event.Event, depth int) *event.Event {
	for i, sub := range ev.Events {
		sub.V = ev.V
		handled := Handle(ctx, reg, roStore, tx, sub, depth+1)
		handled.V = 0
		ev.Events[i] = handled
		if handled.Failed() {
			ev.Error = map[string]string{KeyHandle: subeventFailedMessage(i)}
			ev.FailedResult = ev.Result
			ev.Result = nil
			return ev
		}
	}
	return ev
}
